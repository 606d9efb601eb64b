package database

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/model"
)

// NamedRepository pairs a sink with the name used in logs.
type NamedRepository struct {
	Name string
	Repo Repository
}

// MultiRepository writes every record to all sinks. A failing sink does
// not stop the others from receiving the record.
type MultiRepository struct {
	logger *slog.Logger
	sinks  []NamedRepository
}

// NewMultiRepository creates a fan-out over sinks.
func NewMultiRepository(logger *slog.Logger, sinks ...NamedRepository) *MultiRepository {
	return &MultiRepository{logger: logger.With("component", "recorder"), sinks: sinks}
}

// LogTrade writes trade to every sink and joins their errors.
func (m *MultiRepository) LogTrade(ctx context.Context, trade model.TradeRecord) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Repo.LogTrade(ctx, trade); err != nil {
			m.logger.Error("Failed to record trade", "sink", s.Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (m *MultiRepository) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if c, ok := s.Repo.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
