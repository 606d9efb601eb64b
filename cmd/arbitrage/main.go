// Command arbitrage runs a two-venue maker/taker arbitrage engine: resting
// post-only orders on the maker venue, hedged with market orders on the taker.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/arbitrage"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/cache"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/config"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/database"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/exchange"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.LoadConfig(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "cannot load config: %v\n", err)
		return 1
	}
	engineCfg, err := cfg.Validate()
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	logger, closeLog, err := newLogger(cfg.Log, stdout, cfg.Arbitrage.Exchange, engineCfg.Ticker)
	if err != nil {
		fmt.Fprintf(stderr, "cannot open log file: %v\n", err)
		return 1
	}
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("Configuration loaded", "config", fmt.Sprintf("%+v", cfg.Redacted()))

	// The first SIGINT/SIGTERM cancels ctx; later ones are absorbed until stop.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := start(ctx, logger, cfg, engineCfg); err != nil {
		logger.Error("Arbitrage exited with error", "error", err)
		return 1
	}
	logger.Info("Arbitrage stopped")
	return 0
}

func start(ctx context.Context, logger *slog.Logger, cfg *config.Config, engineCfg config.EngineConfig) error {
	maker, err := exchange.NewClient(cfg.Arbitrage.Exchange, logger, cfg.Exchanges)
	if err != nil {
		return fmt.Errorf("maker exchange: %w", err)
	}
	taker, err := exchange.NewClient(cfg.Arbitrage.Taker, logger, cfg.Exchanges)
	if err != nil {
		return fmt.Errorf("taker exchange: %w", err)
	}

	var rc *cache.Client
	if cfg.Redis.Enabled {
		rc, err = cache.New(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rc.Close()
	}

	recorder, err := newRecorder(ctx, logger, cfg, rc, maker.GetName(), engineCfg.Ticker)
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Error("Failed to close trade recorder", "error", err)
		}
	}()

	engine := arbitrage.NewArbitrageEngine(logger, engineCfg, maker, taker, recorder)
	if rc != nil {
		engine.Books().OnUpdate(cache.NewBookMirror(logger, rc, engineCfg.Ticker).Observe)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range []exchange.Client{maker, taker} {
		if s, ok := c.(exchange.Streamer); ok {
			g.Go(func() error {
				return s.StartStream(gctx, engineCfg.Ticker)
			})
		}
	}
	g.Go(func() error {
		return engine.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newRecorder builds the trade log from the configured sinks.
func newRecorder(ctx context.Context, logger *slog.Logger, cfg *config.Config, rc *cache.Client, maker, ticker string) (*database.MultiRepository, error) {
	var sinks []database.NamedRepository
	closeAll := func() {
		_ = database.NewMultiRepository(logger, sinks...).Close()
	}

	for _, name := range cfg.Recorder.Sinks {
		switch name {
		case "csv":
			repo, err := database.NewCSVRepository(database.CSVPath(cfg.Recorder.Dir, maker, ticker))
			if err != nil {
				closeAll()
				return nil, err
			}
			sinks = append(sinks, database.NamedRepository{Name: name, Repo: repo})
		case "postgres":
			repo, err := database.NewPostgresRepository(ctx, cfg.Database.DSN())
			if err != nil {
				closeAll()
				return nil, err
			}
			if err := repo.Migrate(ctx); err != nil {
				repo.Close()
				closeAll()
				return nil, err
			}
			sinks = append(sinks, database.NamedRepository{Name: name, Repo: repo})
		case "redis":
			if rc == nil {
				closeAll()
				return nil, errors.New("recorder sink redis requires redis.enabled")
			}
			sinks = append(sinks, database.NamedRepository{Name: name, Repo: cache.NewTradeStream(rc)})
		default:
			closeAll()
			return nil, fmt.Errorf("unknown recorder sink %q", name)
		}
	}
	return database.NewMultiRepository(logger, sinks...), nil
}

// newLogger builds the JSON logger, teeing to logs/<maker>_<ticker>_log.txt
// when file logging is on.
func newLogger(cfg config.LogConfig, stdout io.Writer, maker, ticker string) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if !cfg.File {
		return slog.New(slog.NewJSONHandler(stdout, opts)), func() {}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, nil, err
	}
	path := filepath.Join(cfg.Dir, fmt.Sprintf("%s_%s_log.txt", maker, ticker))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(io.MultiWriter(stdout, f), opts))
	return logger, func() { _ = f.Close() }, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
