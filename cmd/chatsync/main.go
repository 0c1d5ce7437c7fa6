package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	User         ConfigUser         `toml:"user"`
	Store        ConfigStore        `toml:"store"`
	Remote       ConfigRemote       `toml:"remote"`
	Delivery     ConfigDelivery     `toml:"delivery"`
	Sync         ConfigSync         `toml:"sync"`
	Connectivity ConfigConnectivity `toml:"connectivity"`
	Log          ConfigLog          `toml:"log"`
	Metrics      ConfigMetrics      `toml:"metrics"`
	Notify       ConfigNotify       `toml:"notify"`
}

// ConfigUser identifies the signed-in user.
type ConfigUser struct {
	ID    string `toml:"id"`
	Token string `toml:"token"`
}

// ConfigStore selects the local store.
type ConfigStore struct {
	Driver string `toml:"driver"` // pebble or memory
	Path   string `toml:"path"`
}

// ConfigRemote selects the remote backend.
type ConfigRemote struct {
	Backend         string `toml:"backend"` // http or firestore
	BaseURL         string `toml:"base_url"`
	Project         string `toml:"project"`
	Database        string `toml:"database"`
	CredentialsFile string `toml:"credentials_file"`
}

// ConfigDelivery tunes the delivery queue. Durations use time.ParseDuration syntax.
type ConfigDelivery struct {
	RetryBase    string `toml:"retry_base"`
	RetryMax     string `toml:"retry_max"`
	MaxAttempts  int    `toml:"max_attempts"`
	WriteTimeout string `toml:"write_timeout"`
}

// ConfigSync tunes the reconciler.
type ConfigSync struct {
	RefreshLimit       int    `toml:"refresh_limit"`
	RefreshMinInterval string `toml:"refresh_min_interval"`
}

// ConfigConnectivity configures the reachability probe.
type ConfigConnectivity struct {
	ProbeAddr     string `toml:"probe_addr"`
	ProbeInterval string `toml:"probe_interval"`
	ProbeTimeout  string `toml:"probe_timeout"`
}

// ConfigLog configures logging.
type ConfigLog struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// ConfigMetrics configures the Prometheus endpoint. Empty disables it.
type ConfigMetrics struct {
	Listen string `toml:"listen"`
}

// ConfigNotify forwards notifications to a webhook. Empty URL disables it.
type ConfigNotify struct {
	WebhookURL    string `toml:"webhook_url"`
	WebhookSecret string `toml:"webhook_secret"`
}

// Durations holds the parsed duration settings.
type Durations struct {
	RetryBase          time.Duration
	RetryMax           time.Duration
	WriteTimeout       time.Duration
	RefreshMinInterval time.Duration
	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
}

// applyDefaults fills every unset field.
func (c *Config) applyDefaults() {
	setDefault(&c.Store.Driver, "pebble")
	setDefault(&c.Remote.Backend, "http")
	setDefault(&c.Delivery.RetryBase, "2s")
	setDefault(&c.Delivery.RetryMax, "60s")
	setDefault(&c.Delivery.WriteTimeout, "15s")
	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = 5
	}
	if c.Sync.RefreshLimit == 0 {
		c.Sync.RefreshLimit = 200
	}
	setDefault(&c.Sync.RefreshMinInterval, "2s")
	setDefault(&c.Connectivity.ProbeInterval, "5s")
	setDefault(&c.Connectivity.ProbeTimeout, "3s")
	setDefault(&c.Log.Level, "info")
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate checks the configuration after defaults are applied and returns
// the parsed durations.
func (c *Config) Validate() (Durations, error) {
	var d Durations
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"delivery.retry_base", c.Delivery.RetryBase, &d.RetryBase},
		{"delivery.retry_max", c.Delivery.RetryMax, &d.RetryMax},
		{"delivery.write_timeout", c.Delivery.WriteTimeout, &d.WriteTimeout},
		{"sync.refresh_min_interval", c.Sync.RefreshMinInterval, &d.RefreshMinInterval},
		{"connectivity.probe_interval", c.Connectivity.ProbeInterval, &d.ProbeInterval},
		{"connectivity.probe_timeout", c.Connectivity.ProbeTimeout, &d.ProbeTimeout},
	}
	for _, f := range fields {
		v, err := time.ParseDuration(f.value)
		if err != nil {
			return d, fmt.Errorf("%s: %w", f.name, err)
		}
		if v <= 0 {
			return d, fmt.Errorf("%s must be positive", f.name)
		}
		*f.dst = v
	}
	if d.RetryMax < d.RetryBase {
		return d, fmt.Errorf("delivery.retry_max must not be below delivery.retry_base")
	}
	if c.Delivery.MaxAttempts < 1 {
		return d, fmt.Errorf("delivery.max_attempts must be at least 1")
	}
	if c.Sync.RefreshLimit < 1 {
		return d, fmt.Errorf("sync.refresh_limit must be at least 1")
	}

	switch c.Store.Driver {
	case "memory":
	case "pebble":
		if c.Store.Path == "" {
			return d, fmt.Errorf("store.path is required for the pebble driver")
		}
	default:
		return d, fmt.Errorf("unknown store.driver %q (valid: pebble, memory)", c.Store.Driver)
	}
	switch c.Remote.Backend {
	case "http":
		if c.Remote.BaseURL == "" {
			return d, fmt.Errorf("remote.base_url is required for the http backend")
		}
	case "firestore":
		if c.Remote.Project == "" {
			return d, fmt.Errorf("remote.project is required for the firestore backend")
		}
	default:
		return d, fmt.Errorf("unknown remote.backend %q (valid: http, firestore)", c.Remote.Backend)
	}
	return d, nil
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	if dir := os.Getenv("CHATSYNC_HOME"); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("cannot create config directory: %w", err)
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return readConfig(path)
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadRuntimeConfig is loadConfig plus .env files, CHATSYNC_* overrides and
// defaults. It is what the engine runs with; it is never saved.
func loadRuntimeConfig() (*Config, Durations, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return nil, Durations{}, err
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, Durations{}, err
	}
	if cfg.Store.Path == "" && cfg.Store.Driver != "memory" {
		if dir, err := configDir(); err == nil {
			cfg.Store.Path = filepath.Join(dir, "store")
		}
	}
	cfg.applyDefaults()
	d, err := cfg.Validate()
	if err != nil {
		return nil, Durations{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, d, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// configKeys lists every settable key in dot notation.
var configKeys = []string{
	"user.id", "user.token",
	"store.driver", "store.path",
	"remote.backend", "remote.base_url", "remote.project", "remote.database", "remote.credentials_file",
	"delivery.retry_base", "delivery.retry_max", "delivery.max_attempts", "delivery.write_timeout",
	"sync.refresh_limit", "sync.refresh_min_interval",
	"connectivity.probe_addr", "connectivity.probe_interval", "connectivity.probe_timeout",
	"log.level", "log.pretty",
	"metrics.listen",
	"notify.webhook_url", "notify.webhook_secret",
}

// envName maps "remote.base_url" to CHATSYNC_REMOTE_BASE_URL.
func envName(key string) string {
	return "CHATSYNC_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// applyEnv overrides cfg from the environment.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, key := range configKeys {
		if v, ok := lookup(envName(key)); ok {
			if err := setConfigValue(cfg, key, v); err != nil {
				return fmt.Errorf("%s: %w", envName(key), err)
			}
		}
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "remote.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. remote.base_url)")
	}
	section, field := parts[0], parts[1]

	unknown := func() error {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	atoi := func(dst *int) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
		*dst = n
		return nil
	}

	switch section {
	case "user":
		switch field {
		case "id":
			cfg.User.ID = value
		case "token":
			cfg.User.Token = value
		default:
			return unknown()
		}
	case "store":
		switch field {
		case "driver":
			cfg.Store.Driver = value
		case "path":
			cfg.Store.Path = value
		default:
			return unknown()
		}
	case "remote":
		switch field {
		case "backend":
			cfg.Remote.Backend = value
		case "base_url":
			cfg.Remote.BaseURL = value
		case "project":
			cfg.Remote.Project = value
		case "database":
			cfg.Remote.Database = value
		case "credentials_file":
			cfg.Remote.CredentialsFile = value
		default:
			return unknown()
		}
	case "delivery":
		switch field {
		case "retry_base":
			cfg.Delivery.RetryBase = value
		case "retry_max":
			cfg.Delivery.RetryMax = value
		case "max_attempts":
			return atoi(&cfg.Delivery.MaxAttempts)
		case "write_timeout":
			cfg.Delivery.WriteTimeout = value
		default:
			return unknown()
		}
	case "sync":
		switch field {
		case "refresh_limit":
			return atoi(&cfg.Sync.RefreshLimit)
		case "refresh_min_interval":
			cfg.Sync.RefreshMinInterval = value
		default:
			return unknown()
		}
	case "connectivity":
		switch field {
		case "probe_addr":
			cfg.Connectivity.ProbeAddr = value
		case "probe_interval":
			cfg.Connectivity.ProbeInterval = value
		case "probe_timeout":
			cfg.Connectivity.ProbeTimeout = value
		default:
			return unknown()
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "pretty":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s must be true or false: %w", key, err)
			}
			cfg.Log.Pretty = b
		default:
			return unknown()
		}
	case "metrics":
		switch field {
		case "listen":
			cfg.Metrics.Listen = value
		default:
			return unknown()
		}
	case "notify":
		switch field {
		case "webhook_url":
			cfg.Notify.WebhookURL = value
		case "webhook_secret":
			cfg.Notify.WebhookSecret = value
		default:
			return unknown()
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: user, store, remote, delivery, sync, connectivity, log, metrics, notify)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Local-first chat sync engine",
	Long:  "Command-line interface for the chatsync engine.\nManage configuration, send messages, inspect the outbox and follow conversations.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
