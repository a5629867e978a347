package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const envPrefix = "replicator"

// Config holds all configuration for the application.
type Config struct {
	Logger      Logger      `mapstructure:"logger"`
	Database    Database    `mapstructure:"database"`
	Queue       Queue       `mapstructure:"queue"`
	Results     Results     `mapstructure:"results"`
	Destination Destination `mapstructure:"destination"`
	Symbols     Symbols     `mapstructure:"symbols"`
	Worker      Worker      `mapstructure:"worker"`
	Reconcile   Reconcile   `mapstructure:"reconcile"`
	Capture     Capture     `mapstructure:"capture"`
	Server      Server      `mapstructure:"server"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Database holds the configuration for the ledger store.
type Database struct {
	Driver       string `mapstructure:"driver"` // sqlite or mysql
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// Queue selects and configures the dispatch queue backend.
type Queue struct {
	Backend       string        `mapstructure:"backend"` // redis or memory
	Topic         string        `mapstructure:"topic"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Group         string        `mapstructure:"group"`
	Consumer      string        `mapstructure:"consumer"`
	Block         time.Duration `mapstructure:"block"`
	ClaimIdle     time.Duration `mapstructure:"claim_idle"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// Results configures where execution results are published.
type Results struct {
	Topic   string   `mapstructure:"topic"`
	Brokers []string `mapstructure:"brokers"` // empty means the redis dispatch queue; none on the memory backend
}

// Destination holds the configuration for the destination terminal bridge.
type Destination struct {
	Mode           string        `mapstructure:"mode"` // live or paper
	BaseURL        string        `mapstructure:"base_url"`
	Login          string        `mapstructure:"login"`
	Password       string        `mapstructure:"password"`
	Server         string        `mapstructure:"server"`
	Magic          int           `mapstructure:"magic"`
	Deviation      int           `mapstructure:"deviation"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	PaperPrice     float64       `mapstructure:"paper_price"`
}

// Symbols holds the instrument mapping table.
type Symbols struct {
	DefaultSuffix string            `mapstructure:"default_suffix"`
	Map           map[string]string `mapstructure:"map"`
}

// Worker holds the execution worker settings.
type Worker struct {
	Concurrency   int           `mapstructure:"concurrency"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	LockWait      time.Duration `mapstructure:"lock_wait"`
	RequeueDelay  time.Duration `mapstructure:"requeue_delay"`
	MaxDeliveries int           `mapstructure:"max_deliveries"`
}

// Reconcile holds the staleness sweeper settings.
type Reconcile struct {
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	RepublishAfter time.Duration `mapstructure:"republish_after"`
	Interval       time.Duration `mapstructure:"interval"`
}

// Capture holds the capture ingress settings.
type Capture struct {
	Secret string `mapstructure:"secret"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// defaults and environment are enough to run against memory/sqlite
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.max_size_mb", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/ledger.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.topic", "trades")
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.group", "executors")
	v.SetDefault("queue.consumer", "replicator")
	v.SetDefault("queue.block", "2s")
	v.SetDefault("queue.claim_idle", "1m")
	v.SetDefault("queue.poll_interval", "250ms")

	v.SetDefault("results.topic", "trade-results")

	v.SetDefault("destination.mode", "live")
	v.SetDefault("destination.base_url", "http://localhost:8228")
	v.SetDefault("destination.magic", 234000)
	v.SetDefault("destination.deviation", 20)
	v.SetDefault("destination.rate_limit", 10) // requests per second
	v.SetDefault("destination.rate_limit_burst", 5)
	v.SetDefault("destination.call_timeout", "10s")

	v.SetDefault("symbols.default_suffix", ".a")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff_base", "500ms")
	v.SetDefault("worker.backoff_max", "8s")
	v.SetDefault("worker.lock_wait", "5s")
	v.SetDefault("worker.requeue_delay", "2s")
	v.SetDefault("worker.max_deliveries", 20)

	v.SetDefault("reconcile.stale_after", "2m")
	v.SetDefault("reconcile.republish_after", "30s")
	v.SetDefault("reconcile.interval", "15s")

	v.SetDefault("server.port", 8080)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error

	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = multierr.Append(errs, fmt.Errorf("database.driver must be sqlite or mysql, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = multierr.Append(errs, errors.New("database.dsn is required"))
	}

	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			errs = multierr.Append(errs, errors.New("queue.redis_addr is required for the redis backend"))
		}
		// a claim must never steal an entry whose worker is still within its budget
		if limit := c.ExecutionBudget() + c.Worker.LockWait; c.Queue.ClaimIdle <= limit {
			errs = multierr.Append(errs, fmt.Errorf("queue.claim_idle (%s) must exceed execution budget plus lock wait (%s)", c.Queue.ClaimIdle, limit))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("queue.backend must be redis or memory, got %q", c.Queue.Backend))
	}
	if c.Queue.Topic == "" {
		errs = multierr.Append(errs, errors.New("queue.topic is required"))
	}
	if c.Results.Topic == "" {
		errs = multierr.Append(errs, errors.New("results.topic is required"))
	}

	switch c.Destination.Mode {
	case "live":
		if c.Destination.BaseURL == "" {
			errs = multierr.Append(errs, errors.New("destination.base_url is required in live mode"))
		}
	case "paper":
	default:
		errs = multierr.Append(errs, fmt.Errorf("destination.mode must be live or paper, got %q", c.Destination.Mode))
	}
	if c.Destination.CallTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("destination.call_timeout must be positive"))
	}
	if c.Destination.RateLimit <= 0 || c.Destination.RateLimitBurst < 1 {
		errs = multierr.Append(errs, errors.New("destination.rate_limit and rate_limit_burst must be positive"))
	}

	w := c.Worker
	if w.Concurrency < 1 {
		errs = multierr.Append(errs, errors.New("worker.concurrency must be at least 1"))
	}
	if w.MaxAttempts < 1 {
		errs = multierr.Append(errs, errors.New("worker.max_attempts must be at least 1"))
	}
	if w.BackoffBase <= 0 || w.BackoffMax < w.BackoffBase {
		errs = multierr.Append(errs, errors.New("worker.backoff_base must be positive and not above worker.backoff_max"))
	}
	if w.LockWait <= 0 {
		errs = multierr.Append(errs, errors.New("worker.lock_wait must be positive"))
	}
	if w.RequeueDelay <= 0 {
		errs = multierr.Append(errs, errors.New("worker.requeue_delay must be positive"))
	}
	if w.MaxDeliveries < 1 {
		errs = multierr.Append(errs, errors.New("worker.max_deliveries must be at least 1"))
	}

	r := c.Reconcile
	if r.Interval <= 0 {
		errs = multierr.Append(errs, errors.New("reconcile.interval must be positive"))
	}
	if r.RepublishAfter <= 0 {
		errs = multierr.Append(errs, errors.New("reconcile.republish_after must be positive"))
	}
	if budget := c.ExecutionBudget(); r.StaleAfter <= budget {
		errs = multierr.Append(errs, fmt.Errorf("reconcile.stale_after (%s) must exceed the worst-case execution time (%s)", r.StaleAfter, budget))
	}

	return errs
}

// ExecutionBudget is the longest a single record can legitimately stay in executing:
// every attempt timing out plus every wait between attempts. A venue Retry-After
// can stretch a wait up to backoff_max, never past it.
func (c *Config) ExecutionBudget() time.Duration {
	w := c.Worker
	total := time.Duration(w.MaxAttempts) * c.Destination.CallTimeout
	if w.MaxAttempts > 1 {
		total += time.Duration(w.MaxAttempts-1) * w.BackoffMax
	}
	return total
}

// Backoff returns base*2^attempt capped at max. attempt is zero-based.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
