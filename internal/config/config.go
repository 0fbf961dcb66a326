// ABOUTME: Configuration loading and parsing for matrix-bridge-api
// ABOUTME: Supports YAML files with environment variable expansion, DATABASE_URL parsing and durations

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete matrix-bridge-api configuration.
type Config struct {
	Matrix   MatrixConfig   `yaml:"matrix"`
	Database DatabaseConfig `yaml:"database"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	API      APIConfig      `yaml:"api"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// MatrixConfig holds homeserver and account configuration.
type MatrixConfig struct {
	Homeserver string `yaml:"homeserver"`
	UserID     string `yaml:"user_id"`
	Password   string `yaml:"password"`
	DeviceID   string `yaml:"device_id"`

	// BridgeBotPatterns are user-id substrings identifying bridge bots
	// whose devices are auto-trusted. Empty means the built-in defaults.
	BridgeBotPatterns []string `yaml:"bridge_bot_patterns"`
}

// DatabaseConfig holds crypto store configuration. Either URL (a
// postgres:// connection string, e.g. from a hosting platform's
// DATABASE_URL) or the discrete fields may be used; URL wins.
type DatabaseConfig struct {
	Dialect  string `yaml:"dialect"` // "sqlite" or "postgres"
	Path     string `yaml:"path"`    // sqlite file path
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	PoolSize int    `yaml:"pool_size"`
}

// BridgeConfig holds timing and retry configuration for the sync loop
// and the decryption pipeline.
type BridgeConfig struct {
	SyncTimeout        time.Duration `yaml:"-"`
	RetrySweepInterval time.Duration `yaml:"-"`
	AttemptCap         int           `yaml:"attempt_cap"`

	// Raw string values for YAML unmarshaling
	SyncTimeoutRaw        string `yaml:"sync_timeout"`
	RetrySweepIntervalRaw string `yaml:"retry_sweep_interval"`
}

// APIConfig holds the HTTP API listener configuration.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// WebhookConfig holds the outbound webhook configuration.
type WebhookConfig struct {
	URL string `yaml:"url"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Defaults applied by Load when the file leaves fields unset.
const (
	DefaultSyncTimeout        = 30 * time.Second
	DefaultRetrySweepInterval = 30 * time.Second
	DefaultAttemptCap         = 3
	DefaultPoolSize           = 20
	DefaultAPIAddr            = ":8080"
)

// Load reads a configuration file from the given path and returns a
// parsed Config. Environment variables in the format ${VAR_NAME} are
// expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Database.resolveURL(); err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Bridge.SyncTimeout == 0 {
		c.Bridge.SyncTimeout = DefaultSyncTimeout
	}
	if c.Bridge.RetrySweepInterval == 0 {
		c.Bridge.RetrySweepInterval = DefaultRetrySweepInterval
	}
	if c.Bridge.AttemptCap == 0 {
		c.Bridge.AttemptCap = DefaultAttemptCap
	}
	if c.Database.PoolSize == 0 {
		c.Database.PoolSize = DefaultPoolSize
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.API.Addr == "" {
		c.API.Addr = DefaultAPIAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Database.Dialect == "" {
		if c.Database.URL != "" || c.Database.Host != "" {
			c.Database.Dialect = "postgres"
		} else {
			c.Database.Dialect = "sqlite"
		}
	}
}

// resolveURL splits a postgres:// URL into the discrete fields, the way
// hosting platforms hand out a single DATABASE_URL.
func (d *DatabaseConfig) resolveURL() error {
	if d.URL == "" {
		return nil
	}

	u, err := url.Parse(d.URL)
	if err != nil {
		return err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	d.Dialect = "postgres"
	d.Host = u.Hostname()
	if port := u.Port(); port != "" {
		d.Port, err = strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port %q", port)
		}
	}
	d.Name = strings.TrimPrefix(u.Path, "/")
	if u.User != nil {
		d.User = u.User.Username()
		if password, ok := u.User.Password(); ok {
			d.Password = password
		}
	}
	return nil
}

// DSN builds the driver-specific connection string.
func (d *DatabaseConfig) DSN() string {
	if d.Dialect == "sqlite" {
		return d.Path
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Name, d.User, d.Password)
}

// Validate checks that all required configuration fields are present
// and valid. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if !strings.HasPrefix(c.Matrix.Homeserver, "http://") && !strings.HasPrefix(c.Matrix.Homeserver, "https://") {
		return fmt.Errorf("matrix.homeserver must be an http(s) URL")
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if !strings.HasPrefix(c.Matrix.UserID, "@") {
		return fmt.Errorf("matrix.user_id must be a full Matrix ID (@user:server)")
	}
	if c.Matrix.Password == "" {
		return fmt.Errorf("matrix.password is required")
	}

	switch c.Database.Dialect {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite dialect")
		}
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database.host or database.url is required for the postgres dialect")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required for the postgres dialect")
		}
	default:
		return fmt.Errorf("database.dialect must be sqlite or postgres, got %q", c.Database.Dialect)
	}

	if c.Bridge.AttemptCap < 1 {
		return fmt.Errorf("bridge.attempt_cap must be at least 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Bridge.SyncTimeoutRaw != "" {
		cfg.Bridge.SyncTimeout, err = time.ParseDuration(cfg.Bridge.SyncTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing sync_timeout %q: %w", cfg.Bridge.SyncTimeoutRaw, err)
		}
	}

	if cfg.Bridge.RetrySweepIntervalRaw != "" {
		cfg.Bridge.RetrySweepInterval, err = time.ParseDuration(cfg.Bridge.RetrySweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing retry_sweep_interval %q: %w", cfg.Bridge.RetrySweepIntervalRaw, err)
		}
	}

	return nil
}
