// Package config loads the service configuration and the slot catalog.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither --config nor RESERVO_CONFIG is set.
const DefaultPath = "configs/config.yaml"

// EnvPath names the environment variable holding the config path.
const EnvPath = "RESERVO_CONFIG"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Timer backends.
const (
	TimersLocal = "local"
	TimersRedis = "redis"
)

type Config struct {
	HTTP struct {
		Address string   `yaml:"address"`
		APIKeys []string `yaml:"api_keys"`
	} `yaml:"http"`

	Database struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		DSN    string `yaml:"dsn"`
		Backup struct {
			Enabled       bool   `yaml:"enabled"`
			Dir           string `yaml:"dir"`
			IntervalHours int    `yaml:"interval_hours"`
			RetentionDays int    `yaml:"retention_days"`
		} `yaml:"backup"`
	} `yaml:"database"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Timers struct {
		Backend             string `yaml:"backend"`
		Key                 string `yaml:"key"`
		PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	} `yaml:"timers"`

	Booking struct {
		HoldTTLMinutes       int `yaml:"hold_ttl_minutes"`
		ClaimTTLMinutes      int `yaml:"claim_ttl_minutes"`
		CASRetries           int `yaml:"cas_retries"`
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	} `yaml:"booking"`

	Facility struct {
		Enabled             bool    `yaml:"enabled"`
		BaseURL             string  `yaml:"base_url"`
		APIKey              string  `yaml:"api_key"`
		APIExtra            string  `yaml:"api_extra"`
		RateLimit           float64 `yaml:"rate_limit"`
		PullIntervalSeconds int     `yaml:"pull_interval_seconds"`
		Push                struct {
			Enabled         bool `yaml:"enabled"`
			IntervalSeconds int  `yaml:"interval_seconds"`
			BatchSize       int  `yaml:"batch_size"`
			MaxAttempts     int  `yaml:"max_attempts"`
		} `yaml:"push"`
		Sheets struct {
			Enabled         bool   `yaml:"enabled"`
			CredentialsFile string `yaml:"credentials_file"`
			SpreadsheetID   string `yaml:"spreadsheet_id"`
			Range           string `yaml:"range"`
		} `yaml:"sheets"`
	} `yaml:"facility"`

	Notify struct {
		Backends      []string `yaml:"backends"`
		Workers       int      `yaml:"workers"`
		QueueSize     int      `yaml:"queue_size"`
		Rate          float64  `yaml:"rate"`
		Burst         int      `yaml:"burst"`
		MaxRetries    int      `yaml:"max_retries"`
		RetryDelaysMS []int    `yaml:"retry_delays_ms"`
		Webhook       struct {
			URL            string `yaml:"url"`
			APIKey         string `yaml:"api_key"`
			TimeoutSeconds int    `yaml:"timeout_seconds"`
		} `yaml:"webhook"`
		Telegram struct {
			BotToken string           `yaml:"bot_token"`
			Chats    map[string]int64 `yaml:"chats"`
		} `yaml:"telegram"`
		AMQP struct {
			URL   string `yaml:"url"`
			Queue string `yaml:"queue"`
		} `yaml:"amqp"`
	} `yaml:"notify"`

	Monitoring struct {
		HealthCheckPort      int  `yaml:"health_check_port"`
		GRPCHealthPort       int  `yaml:"grpc_health_port"`
		PrometheusEnabled    bool `yaml:"prometheus_enabled"`
		PrometheusPort       int  `yaml:"prometheus_port"`
		HealthRefreshSeconds int  `yaml:"health_refresh_seconds"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`

	Catalog struct {
		Path                 string `yaml:"path"`
		WatchIntervalSeconds int    `yaml:"watch_interval_seconds"`
	} `yaml:"catalog"`
}

// ResolvePath picks the config path from the flag, then the environment, then the default.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads the YAML config at path. A .env file in the working directory is
// loaded first so that ${VAR} placeholders can refer to it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Database.Driver == DriverSQLite {
		if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/reservo.db"
	}
	if c.Timers.Backend == "" {
		c.Timers.Backend = TimersLocal
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = "configs/slots.yaml"
	}
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver)
	}

	switch c.Timers.Backend {
	case TimersLocal:
	case TimersRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address is required for the redis timer backend")
		}
	default:
		return fmt.Errorf("timers.backend: unknown backend %q", c.Timers.Backend)
	}

	if c.Facility.Enabled && c.Facility.BaseURL == "" {
		return fmt.Errorf("facility.base_url is required when facility sync is enabled")
	}
	if c.Facility.Sheets.Enabled && c.Facility.Sheets.SpreadsheetID == "" {
		return fmt.Errorf("facility.sheets.spreadsheet_id is required when sheets push is enabled")
	}

	for _, b := range c.Notify.Backends {
		switch b {
		case "log", "webhook", "telegram", "amqp":
		default:
			return fmt.Errorf("notify.backends: unknown backend %q", b)
		}
	}
	return nil
}

// DatabaseDSN returns the data source for the configured SQL driver.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == DriverPostgres {
		return c.Database.DSN
	}
	return c.Database.Path
}

func minutesOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Minute
}

func secondsOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

func (c *Config) HoldTTL() time.Duration {
	return minutesOr(c.Booking.HoldTTLMinutes, 5*time.Minute)
}

func (c *Config) ClaimTTL() time.Duration {
	return minutesOr(c.Booking.ClaimTTLMinutes, 5*time.Minute)
}

func (c *Config) CASRetries() int {
	if c.Booking.CASRetries <= 0 {
		return 5
	}
	return c.Booking.CASRetries
}

func (c *Config) SweepInterval() time.Duration {
	return secondsOr(c.Booking.SweepIntervalSeconds, 30*time.Second)
}

func (c *Config) TimerPollInterval() time.Duration {
	return secondsOr(c.Timers.PollIntervalSeconds, time.Second)
}

func (c *Config) PullInterval() time.Duration {
	return secondsOr(c.Facility.PullIntervalSeconds, time.Minute)
}

func (c *Config) PushInterval() time.Duration {
	return secondsOr(c.Facility.Push.IntervalSeconds, 5*time.Second)
}

func (c *Config) BackupInterval() time.Duration {
	if c.Database.Backup.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Database.Backup.IntervalHours) * time.Hour
}

func (c *Config) CatalogWatchInterval() time.Duration {
	return secondsOr(c.Catalog.WatchIntervalSeconds, 30*time.Second)
}

func (c *Config) HealthRefreshInterval() time.Duration {
	return secondsOr(c.Monitoring.HealthRefreshSeconds, 10*time.Second)
}

func (c *Config) WebhookTimeout() time.Duration {
	return secondsOr(c.Notify.Webhook.TimeoutSeconds, 10*time.Second)
}

// NotifyRetryDelays converts the configured delays; nil means the dispatcher default.
func (c *Config) NotifyRetryDelays() []time.Duration {
	if len(c.Notify.RetryDelaysMS) == 0 {
		return nil
	}
	out := make([]time.Duration, len(c.Notify.RetryDelaysMS))
	for i, ms := range c.Notify.RetryDelaysMS {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}
