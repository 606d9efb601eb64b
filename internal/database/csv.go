package database

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/model"
)

var csvHeader = []string{"timestamp", "venue", "side", "price", "quantity"}

// CSVRepository appends trade records to a CSV file.
type CSVRepository struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// CSVPath returns the trade file name used for a maker venue and ticker.
func CSVPath(dir, maker, ticker string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_trades.csv", maker, ticker))
}

// NewCSVRepository opens path for appending, creating it and its directory
// if needed. The header row is written only to a new, empty file.
func NewCSVRepository(path string) (*CSVRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("csv: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("csv: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("csv: stat %s: %w", path, err)
	}

	r := &CSVRepository{file: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := r.write(csvHeader); err != nil {
			f.Close()
			return nil, err
		}
	}
	return r, nil
}

// LogTrade appends one row and flushes it to disk.
func (r *CSVRepository) LogTrade(ctx context.Context, trade model.TradeRecord) error {
	return r.write([]string{
		trade.Timestamp.UTC().Format(time.RFC3339Nano),
		trade.Venue,
		string(trade.Side),
		trade.Price.String(),
		trade.Quantity.String(),
	})
}

func (r *CSVRepository) write(row []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Write(row); err != nil {
		return fmt.Errorf("csv: write: %w", err)
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return fmt.Errorf("csv: flush: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (r *CSVRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.w.Flush()
	return r.file.Close()
}
