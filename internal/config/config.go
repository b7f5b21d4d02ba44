// Package config loads service configuration from a YAML file and OUTBOX_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides, e.g. OUTBOX_SERVER_PORT.
const EnvPrefix = "OUTBOX_"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// Config holds the application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
	Store    StoreConfig    `koanf:"store"`
	Database DatabaseConfig `koanf:"database"`
	Outbox   OutboxConfig   `koanf:"outbox"`
	Remote   RemoteConfig   `koanf:"remote"`
	Monitor  MonitorConfig  `koanf:"monitor"`
	Trigger  TriggerConfig  `koanf:"trigger"`
	Auth     AuthConfig     `koanf:"auth"`
	Seal     SealConfig     `koanf:"seal"`
	CORS     CORSConfig     `koanf:"cors"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// StoreConfig selects the durable action store.
type StoreConfig struct {
	Driver string `koanf:"driver" validate:"oneof=sqlite badger postgres"`
	// Path is the SQLite file or the Badger directory.
	Path       string        `koanf:"path"`
	SyncWrites bool          `koanf:"sync_writes"`
	GCInterval time.Duration `koanf:"gc_interval"`
}

// DatabaseConfig holds Postgres settings, used when store.driver is postgres.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"gte=1"`
}

// OutboxConfig holds queue and sync pass settings.
type OutboxConfig struct {
	MaxRetries     int           `koanf:"max_retries" validate:"gte=1,lte=100"`
	StoreTimeout   time.Duration `koanf:"store_timeout" validate:"gt=0"`
	HandlerTimeout time.Duration `koanf:"handler_timeout" validate:"gt=0"`
	PassTimeout    time.Duration `koanf:"pass_timeout" validate:"gt=0"`
}

// RemoteConfig holds the portal API client settings.
type RemoteConfig struct {
	BaseURL   string        `koanf:"base_url" validate:"required,url"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit" validate:"gte=0"`
	UserAgent string        `koanf:"user_agent"`
}

// MonitorConfig holds connectivity probe settings.
type MonitorConfig struct {
	Enabled    bool          `koanf:"enabled"`
	HealthPath string        `koanf:"health_path"`
	Interval   time.Duration `koanf:"interval"`
	Timeout    time.Duration `koanf:"timeout"`
}

// TriggerConfig holds sync trigger settings.
type TriggerConfig struct {
	PollInterval time.Duration `koanf:"poll_interval" validate:"gte=0"`
}

// AuthConfig holds caller authentication settings.
type AuthConfig struct {
	Enabled   bool          `koanf:"enabled"`
	SecretKey string        `koanf:"secret_key"`
	Issuer    string        `koanf:"issuer"`
	Leeway    time.Duration `koanf:"leeway"`
}

// SealConfig holds payload sealing settings. An empty key disables sealing.
type SealConfig struct {
	Key string `koanf:"key" validate:"omitempty,hexadecimal,len=64"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8090",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Driver:     DriverSQLite,
			Path:       "data/outbox.db",
			SyncWrites: true,
			GCInterval: 10 * time.Minute,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Outbox: OutboxConfig{
			MaxRetries:     3,
			StoreTimeout:   5 * time.Second,
			HandlerTimeout: 30 * time.Second,
			PassTimeout:    5 * time.Minute,
		},
		Remote: RemoteConfig{
			BaseURL:   "http://localhost:8080",
			Timeout:   30 * time.Second,
			RateLimit: 10,
		},
		Monitor: MonitorConfig{
			Enabled:    true,
			HealthPath: "/api/health",
			Interval:   15 * time.Second,
			Timeout:    5 * time.Second,
		},
		Trigger: TriggerConfig{
			PollInterval: time.Minute,
		},
		Auth: AuthConfig{
			Leeway: 30 * time.Second,
		},
	}
}

// Load reads configuration. Defaults are overlaid by the YAML file at path
// (skipped when empty) and then by OUTBOX_ environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps OUTBOX_SECTION_SOME_KEY to section.some_key.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// listKeys are the keys whose env values hold comma-separated lists.
var listKeys = map[string]bool{
	"cors.allowed_origins": true,
}

// envValue maps an env variable to its config key, splitting list values.
func envValue(name, value string) (string, interface{}) {
	key := envKey(name)
	if !listKeys[key] {
		return key, value
	}

	items := make([]string, 0, strings.Count(value, ",")+1)
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return key, items
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if c.Store.Driver == DriverPostgres && c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required for the postgres store"))
	}
	if c.Store.Driver != DriverPostgres && c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required for the %s store", c.Store.Driver))
	}
	if c.Auth.Enabled && c.Auth.SecretKey == "" {
		errs = append(errs, errors.New("auth.secret_key is required when auth is enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// HealthURL returns the connectivity probe URL.
func (c *Config) HealthURL() string {
	return strings.TrimRight(c.Remote.BaseURL, "/") + "/" + strings.TrimLeft(c.Monitor.HealthPath, "/")
}
