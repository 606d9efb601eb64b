package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// SupportedExchanges lists the venue names the exchange factory can build.
var SupportedExchanges = []string{"binance", "kraken", "paper"}

// SupportedSinks lists the trade recorder sinks.
var SupportedSinks = []string{"csv", "postgres", "redis"}

// Config stores all configuration for the application.
// The values are read by viper from a config file, environment variables and flags.
type Config struct {
	Arbitrage ArbitrageConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Recorder  RecorderConfig
	Log       LogConfig
	Exchanges map[string]ExchangeConfig
}

// ArbitrageConfig defines the arbitrage-related settings.
// Decimal values are kept as strings until Engine() parses them.
type ArbitrageConfig struct {
	Exchange         string        `mapstructure:"exchange"`
	Taker            string        `mapstructure:"taker"`
	Ticker           string        `mapstructure:"ticker"`
	Size             string        `mapstructure:"size"`
	FillTimeoutSec   int           `mapstructure:"fill_timeout"`
	MaxPosition      string        `mapstructure:"max_position"`
	LongThreshold    string        `mapstructure:"long_threshold"`
	ShortThreshold   string        `mapstructure:"short_threshold"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PositionInterval time.Duration `mapstructure:"position_interval"`
	ErrorBackoff     time.Duration `mapstructure:"error_backoff"`
	MaxBookAge       time.Duration `mapstructure:"max_book_age"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN builds a PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, port, d.DBName, sslMode)
}

// RedisConfig defines the Redis connection used by the book mirror and trade stream.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// RecorderConfig selects the trade log sinks.
type RecorderConfig struct {
	Sinks []string
	Dir   string
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string
	Dir   string
	File  bool
}

// ExchangeConfig defines settings for a specific exchange.
type ExchangeConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	WSURL      string `mapstructure:"ws_url"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Stream     bool   `mapstructure:"stream"`
	DepthLimit int    `mapstructure:"depth_limit"`
	RecvWindow int    `mapstructure:"recv_window_ms"`
	Source     string `mapstructure:"source"`
}

// EngineConfig is the immutable view of the trading parameters handed to the engine.
type EngineConfig struct {
	Ticker           string
	OrderQuantity    decimal.Decimal
	FillTimeout      time.Duration
	MaxPosition      decimal.Decimal
	LongThreshold    decimal.Decimal
	ShortThreshold   decimal.Decimal
	PollInterval     time.Duration
	PositionInterval time.Duration
	ErrorBackoff     time.Duration
	MaxBookAge       time.Duration
}

var flagKeys = map[string]string{
	"exchange":        "arbitrage.exchange",
	"taker":           "arbitrage.taker",
	"ticker":          "arbitrage.ticker",
	"size":            "arbitrage.size",
	"fill-timeout":    "arbitrage.fill_timeout",
	"max-position":    "arbitrage.max_position",
	"long-threshold":  "arbitrage.long_threshold",
	"short-threshold": "arbitrage.short_threshold",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("arbitrage", pflag.ContinueOnError)
	fs.String("config-dir", ".", "directory containing config.yaml")
	fs.String("exchange", "paper", "exchange to use as maker ("+strings.Join(SupportedExchanges, ", ")+")")
	fs.String("taker", "kraken", "exchange to use as taker")
	fs.String("ticker", "BTC", "ticker symbol")
	fs.String("size", "", "number of tokens to buy/sell per order")
	fs.Int("fill-timeout", 5, "timeout in seconds for maker order fills")
	fs.String("max-position", "0", "maximum position to hold")
	fs.String("long-threshold", "10", "long threshold for price difference")
	fs.String("short-threshold", "10", "short threshold for price difference")
	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("arbitrage.poll_interval", 100*time.Millisecond)
	v.SetDefault("arbitrage.position_interval", time.Second)
	v.SetDefault("arbitrage.error_backoff", time.Second)
	v.SetDefault("arbitrage.max_book_age", time.Duration(0))

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "arbitrage")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "arbitrage")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("recorder.sinks", []string{"csv"})
	v.SetDefault("recorder.dir", "logs")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.file", true)

	// Every exchange key needs a default so AutomaticEnv can override it during Unmarshal.
	v.SetDefault("exchanges.binance.base_url", "https://fapi.binance.com")
	v.SetDefault("exchanges.binance.ws_url", "wss://fstream.binance.com/ws")
	v.SetDefault("exchanges.binance.api_key", "")
	v.SetDefault("exchanges.binance.api_secret", "")
	v.SetDefault("exchanges.binance.stream", false)
	v.SetDefault("exchanges.binance.depth_limit", 5)
	v.SetDefault("exchanges.binance.recv_window_ms", 5000)

	v.SetDefault("exchanges.kraken.base_url", "https://futures.kraken.com")
	v.SetDefault("exchanges.kraken.api_key", "")
	v.SetDefault("exchanges.kraken.api_secret", "")

	v.SetDefault("exchanges.paper.source", "binance")
}

// LoadConfig reads configuration from .env, config.yaml, ARB_* environment
// variables and the command line, in increasing order of precedence.
func LoadConfig(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	dir, _ := fs.GetString("config-dir")
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("config: bind flag %s: %w", name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Arbitrage.Exchange = strings.ToLower(cfg.Arbitrage.Exchange)
	cfg.Arbitrage.Taker = strings.ToLower(cfg.Arbitrage.Taker)
	cfg.Arbitrage.Ticker = strings.ToUpper(cfg.Arbitrage.Ticker)
	return &cfg, nil
}

func contains(list []string, name string) bool {
	for _, s := range list {
		if s == name {
			return true
		}
	}
	return false
}

// Validate checks the configuration and parses it into an EngineConfig.
func (c *Config) Validate() (EngineConfig, error) {
	a := c.Arbitrage
	if !contains(SupportedExchanges, a.Exchange) {
		return EngineConfig{}, fmt.Errorf("%w: unsupported exchange %q, supported exchanges: %s",
			ErrInvalidConfig, a.Exchange, strings.Join(SupportedExchanges, ", "))
	}
	if !contains(SupportedExchanges, a.Taker) {
		return EngineConfig{}, fmt.Errorf("%w: unsupported taker %q, supported exchanges: %s",
			ErrInvalidConfig, a.Taker, strings.Join(SupportedExchanges, ", "))
	}
	if a.Exchange == a.Taker && a.Exchange != "paper" {
		return EngineConfig{}, fmt.Errorf("%w: maker and taker must differ, both are %q", ErrInvalidConfig, a.Exchange)
	}
	if a.Ticker == "" {
		return EngineConfig{}, fmt.Errorf("%w: ticker is required", ErrInvalidConfig)
	}

	size, err := parseDecimal("size", a.Size)
	if err != nil {
		return EngineConfig{}, err
	}
	if !size.IsPositive() {
		return EngineConfig{}, fmt.Errorf("%w: size must be > 0, got %s", ErrInvalidConfig, size)
	}
	if a.FillTimeoutSec <= 0 {
		return EngineConfig{}, fmt.Errorf("%w: fill_timeout must be > 0, got %d", ErrInvalidConfig, a.FillTimeoutSec)
	}
	maxPos, err := parseDecimal("max_position", a.MaxPosition)
	if err != nil {
		return EngineConfig{}, err
	}
	if maxPos.IsNegative() {
		return EngineConfig{}, fmt.Errorf("%w: max_position must be >= 0, got %s", ErrInvalidConfig, maxPos)
	}
	long, err := parseDecimal("long_threshold", a.LongThreshold)
	if err != nil {
		return EngineConfig{}, err
	}
	short, err := parseDecimal("short_threshold", a.ShortThreshold)
	if err != nil {
		return EngineConfig{}, err
	}
	if a.PollInterval <= 0 || a.PositionInterval <= 0 || a.ErrorBackoff <= 0 {
		return EngineConfig{}, fmt.Errorf("%w: poll_interval, position_interval and error_backoff must be > 0", ErrInvalidConfig)
	}
	for _, sink := range c.Recorder.Sinks {
		if !contains(SupportedSinks, sink) {
			return EngineConfig{}, fmt.Errorf("%w: unknown recorder sink %q, supported sinks: %s",
				ErrInvalidConfig, sink, strings.Join(SupportedSinks, ", "))
		}
		if sink == "redis" && !c.Redis.Enabled {
			return EngineConfig{}, fmt.Errorf("%w: recorder sink redis requires redis.enabled", ErrInvalidConfig)
		}
	}

	return EngineConfig{
		Ticker:           a.Ticker,
		OrderQuantity:    size,
		FillTimeout:      time.Duration(a.FillTimeoutSec) * time.Second,
		MaxPosition:      maxPos,
		LongThreshold:    long,
		ShortThreshold:   short,
		PollInterval:     a.PollInterval,
		PositionInterval: a.PositionInterval,
		ErrorBackoff:     a.ErrorBackoff,
		MaxBookAge:       a.MaxBookAge,
	}, nil
}

func parseDecimal(name, raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: %s is required", ErrInvalidConfig, name)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
	}
	return d, nil
}

// Redacted returns a copy of c with credentials masked, for logging.
func (c Config) Redacted() Config {
	out := c
	out.Database.Password = redact(c.Database.Password)
	out.Redis.Password = redact(c.Redis.Password)
	out.Exchanges = make(map[string]ExchangeConfig, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		ex.APIKey = redact(ex.APIKey)
		ex.APISecret = redact(ex.APISecret)
		out.Exchanges[name] = ex
	}
	return out
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
