package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config lists every recognized option. Unknown YAML keys are rejected at
// load time.
type Config struct {
	// Broker selects the driver: "dhan".
	Broker string `yaml:"broker"`

	Dhan        DhanConfig        `yaml:"dhan"`
	Instruments InstrumentsConfig `yaml:"instruments"`
	Stream      StreamConfig      `yaml:"stream"`
	RateLimits  RateLimitConfig   `yaml:"rate_limits"`
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DhanConfig holds credentials and endpoints for the Dhan v2 API.
// Credentials normally come from DHAN_CLIENT_ID / DHAN_ACCESS_TOKEN.
type DhanConfig struct {
	ClientID       string        `yaml:"client_id"`
	AccessToken    string        `yaml:"access_token"`
	BaseURL        string        `yaml:"base_url"`
	FeedURL        string        `yaml:"feed_url"`
	OrderFeedURL   string        `yaml:"order_feed_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// InstrumentsConfig controls the master-list cache.
type InstrumentsConfig struct {
	SourceURL       string        `yaml:"source_url"`
	CacheDir        string        `yaml:"cache_dir"`
	MaxAge          time.Duration `yaml:"max_age"`          // 0 = any cache age is accepted
	RefreshInterval time.Duration `yaml:"refresh_interval"` // 0 = no background refresh
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	RetryCooldown   time.Duration `yaml:"retry_cooldown"` // wait after a failed lazy fetch
}

// StreamConfig controls the streaming dispatcher.
type StreamConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Symbols    []string      `yaml:"symbols"`
	QueueSize  int           `yaml:"queue_size"`
	BackoffMin time.Duration `yaml:"backoff_min"`
	BackoffMax time.Duration `yaml:"backoff_max"`
	OrderFeed  bool          `yaml:"order_feed"`
	CacheTTL   time.Duration `yaml:"cache_ttl"` // 0 = prices never expire
}

// RateLimitConfig is requests per second per endpoint class.
type RateLimitConfig struct {
	Orders     float64 `yaml:"orders"`
	Data       float64 `yaml:"data"`
	Quotes     float64 `yaml:"quotes"`
	NonTrading float64 `yaml:"non_trading"`
}

// HTTPConfig controls the operator HTTP surface.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Broker: "dhan",
		Dhan: DhanConfig{
			BaseURL:        "https://api.dhan.co/v2",
			FeedURL:        "wss://api-feed.dhan.co",
			OrderFeedURL:   "wss://api-order-update.dhan.co",
			RequestTimeout: 10 * time.Second,
		},
		Instruments: InstrumentsConfig{
			SourceURL:    "https://images.dhan.co/api-data/api-scrip-master.csv",
			CacheDir:     ".cache",
			FetchTimeout:  60 * time.Second,
			RetryCooldown: 30 * time.Second,
		},
		Stream: StreamConfig{
			QueueSize:  1024,
			BackoffMin: time.Second,
			BackoffMax: 30 * time.Second,
			OrderFeed:  true,
			CacheTTL:   15 * time.Minute,
		},
		RateLimits: RateLimitConfig{
			Orders:     10,
			Data:       5,
			Quotes:     1,
			NonTrading: 20,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then .env and process environment overrides. The result is
// validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would only fail later at first use.
func (c *Config) Validate() error {
	var errs []error
	switch c.Broker {
	case "dhan":
	default:
		errs = append(errs, fmt.Errorf("broker: unsupported %q", c.Broker))
	}
	if c.Dhan.BaseURL == "" {
		errs = append(errs, errors.New("dhan.base_url is required"))
	}
	if c.Dhan.RequestTimeout <= 0 {
		errs = append(errs, errors.New("dhan.request_timeout must be > 0"))
	}
	if c.Instruments.SourceURL == "" {
		errs = append(errs, errors.New("instruments.source_url is required"))
	}
	if c.Instruments.CacheDir == "" {
		errs = append(errs, errors.New("instruments.cache_dir is required"))
	}
	if c.Instruments.MaxAge < 0 || c.Instruments.RefreshInterval < 0 || c.Instruments.RetryCooldown < 0 {
		errs = append(errs, errors.New("instruments durations must be >= 0"))
	}
	if c.Stream.QueueSize <= 0 {
		errs = append(errs, errors.New("stream.queue_size must be > 0"))
	}
	if c.Stream.BackoffMin <= 0 || c.Stream.BackoffMax < c.Stream.BackoffMin {
		errs = append(errs, errors.New("stream backoff requires 0 < backoff_min <= backoff_max"))
	}
	if c.Stream.CacheTTL < 0 {
		errs = append(errs, errors.New("stream.cache_ttl must be >= 0"))
	}
	if c.RateLimits.Orders < 0 || c.RateLimits.Data < 0 || c.RateLimits.Quotes < 0 || c.RateLimits.NonTrading < 0 {
		errs = append(errs, errors.New("rate_limits must be >= 0"))
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required when http is enabled"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		errs = append(errs, fmt.Errorf("logging.level: invalid %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format: invalid %q", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// HasCredentials reports whether both Dhan credentials are present.
func (c *Config) HasCredentials() bool {
	return c.Dhan.ClientID != "" && c.Dhan.AccessToken != ""
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BROKER"); v != "" {
		cfg.Broker = strings.ToLower(v)
	}
	if v := os.Getenv("DHAN_CLIENT_ID"); v != "" {
		cfg.Dhan.ClientID = v
	}
	if v := os.Getenv("DHAN_ACCESS_TOKEN"); v != "" {
		cfg.Dhan.AccessToken = v
	}
	if v := os.Getenv("DHAN_BASE_URL"); v != "" {
		cfg.Dhan.BaseURL = v
	}
	if v := os.Getenv("INSTRUMENT_CACHE_DIR"); v != "" {
		cfg.Instruments.CacheDir = v
	}
	if v := os.Getenv("STREAM_SYMBOLS"); v != "" {
		cfg.Stream.Symbols = splitAndTrim(v)
	}
	if v := os.Getenv("STREAM_ENABLED"); v != "" {
		cfg.Stream.Enabled = getBool(v, cfg.Stream.Enabled)
	}
	if v := os.Getenv("HTTP_ENABLED"); v != "" {
		cfg.HTTP.Enabled = getBool(v, cfg.HTTP.Enabled)
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getBool(v string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}
