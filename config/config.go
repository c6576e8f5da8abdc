package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"pht-monitor/core/broadcast"
)

// Store drivers
const (
	DriverBadger   = "badger"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// FileEnv names the environment variable pointing at an optional YAML file
const FileEnv = "PHT_CONFIG_FILE"

// Config holds the application configuration
type Config struct {
	// Server
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
	Hub     HubConfig     `yaml:"hub"`
	Events  EventsConfig  `yaml:"events"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type StoreConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HubConfig struct {
	BufferSize   int           `yaml:"buffer_size"`
	Overflow     string        `yaml:"overflow"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type EventsConfig struct {
	MaxLogLength int `yaml:"max_log_length"`
}

type JobsConfig struct {
	StrictTransitions bool `yaml:"strict_transitions"`
	EnforceRoute      bool `yaml:"enforce_route"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		HTTPAddr:        ":8080",
		ShutdownTimeout: 10 * time.Second,
		Store: StoreConfig{
			Driver: DriverBadger,
			Path:   "data/badger",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Hub: HubConfig{
			BufferSize:   broadcast.DefaultBufferSize,
			Overflow:     string(broadcast.DropOldest),
			PingInterval: 30 * time.Second,
		},
		Events: EventsConfig{
			MaxLogLength: 1000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by PHT_CONFIG_FILE and environment variables, in that order of precedence
// from lowest to highest
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var result *multierror.Error
	collect := func(err error) {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	c.HTTPAddr = getEnv("PHT_HTTP_ADDR", c.HTTPAddr)
	c.Store.Driver = getEnv("PHT_STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = getEnv("PHT_STORE_DSN", getEnv("DATABASE_URL", c.Store.DSN))
	c.Store.Path = getEnv("PHT_STORE_PATH", c.Store.Path)
	c.Log.Level = getEnv("PHT_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("PHT_LOG_FORMAT", c.Log.Format)
	c.Hub.Overflow = getEnv("PHT_HUB_OVERFLOW", c.Hub.Overflow)
	c.Metrics.Path = getEnv("PHT_METRICS_PATH", c.Metrics.Path)

	var err error
	c.Store.InMemory, err = getEnvBool("PHT_STORE_IN_MEMORY", c.Store.InMemory)
	collect(err)
	c.Jobs.StrictTransitions, err = getEnvBool("PHT_JOBS_STRICT_TRANSITIONS", c.Jobs.StrictTransitions)
	collect(err)
	c.Jobs.EnforceRoute, err = getEnvBool("PHT_JOBS_ENFORCE_ROUTE", c.Jobs.EnforceRoute)
	collect(err)
	c.Metrics.Enabled, err = getEnvBool("PHT_METRICS_ENABLED", c.Metrics.Enabled)
	collect(err)
	c.Hub.BufferSize, err = getEnvInt("PHT_HUB_BUFFER_SIZE", c.Hub.BufferSize)
	collect(err)
	c.Events.MaxLogLength, err = getEnvInt("PHT_EVENTS_MAX_LOG_LENGTH", c.Events.MaxLogLength)
	collect(err)
	c.Hub.PingInterval, err = getEnvDuration("PHT_HUB_PING_INTERVAL", c.Hub.PingInterval)
	collect(err)
	c.ShutdownTimeout, err = getEnvDuration("PHT_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	collect(err)

	return result.ErrorOrNil()
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.HTTPAddr == "" {
		fail("http_addr must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		fail("shutdown_timeout must be positive")
	}

	switch c.Store.Driver {
	case DriverBadger:
		if !c.Store.InMemory && c.Store.Path == "" {
			fail("store.path is required for the badger driver unless store.in_memory is set")
		}
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			fail("store.dsn is required for the %s driver", c.Store.Driver)
		}
	default:
		fail("store.driver %q is not one of badger, sqlite3, postgres", c.Store.Driver)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		fail("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		fail("log.format %q is not one of text, json", c.Log.Format)
	}

	if c.Hub.BufferSize <= 0 {
		fail("hub.buffer_size must be positive")
	}
	if _, err := broadcast.ParseOverflowPolicy(c.Hub.Overflow); err != nil {
		fail("hub.overflow %q is not one of drop_oldest, disconnect", c.Hub.Overflow)
	}
	if c.Hub.PingInterval <= 0 {
		fail("hub.ping_interval must be positive")
	}

	if c.Events.MaxLogLength <= 0 {
		fail("events.max_log_length must be positive")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		fail("metrics.path %q must start with /", c.Metrics.Path)
	}

	return result.ErrorOrNil()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid boolean %q", key, value)
	}
	return b, nil
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}
