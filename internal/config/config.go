// Package config loads tally's configuration from config.yaml / config.toml,
// TALLY_* environment variables and an optional .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	ierr "github.com/tallybook/tally/internal/errors"
)

// EnvPrefix is the prefix of every environment override, e.g. TALLY_API_TOKEN.
const EnvPrefix = "TALLY"

type Configuration struct {
	Tenant       string             `mapstructure:"tenant" validate:"required"`
	DataDir      string             `mapstructure:"data_dir" validate:"required"`
	Store        StoreConfig        `mapstructure:"store"`
	API          APIConfig          `mapstructure:"api"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Trigger      TriggerConfig      `mapstructure:"trigger"`
	Reachability ReachabilityConfig `mapstructure:"reachability"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Sentry       SentryConfig       `mapstructure:"sentry"`

	// Source is the config file that was read, empty when running on
	// defaults and environment only.
	Source   string         `mapstructure:"-"`
	settings map[string]any `mapstructure:"-"`
}

type StoreConfig struct {
	Driver      string        `mapstructure:"driver" validate:"oneof=sqlite3 libsql"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" validate:"gte=0"`
}

type APIConfig struct {
	BaseURL  string        `mapstructure:"base_url" validate:"omitempty,url"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RetryMax int           `mapstructure:"retry_max" validate:"gte=0,lte=10"`
}

type SyncConfig struct {
	BatchSize     int `mapstructure:"batch_size" validate:"gt=0,lte=1000"`
	DeltaPageSize int `mapstructure:"delta_page_size" validate:"gt=0,lte=5000"`
}

type TriggerConfig struct {
	// Periodic is a robfig/cron spec, e.g. "@every 5m".
	Periodic          string        `mapstructure:"periodic" validate:"required"`
	ManualMinInterval time.Duration `mapstructure:"manual_min_interval" validate:"gte=0"`
}

type ReachabilityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval" validate:"gt=0"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff" validate:"gtefield=ProbeInterval"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"gte=0,lte=65535"`
}

type SentryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	DSN         string  `mapstructure:"dsn" validate:"required_if=Enabled true"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("tenant", "")
	v.SetDefault("data_dir", filepath.Join(home, ".tally", "data"))
	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.busy_timeout", "5s")
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.retry_max", 2)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.delta_page_size", 500)
	v.SetDefault("trigger.periodic", "@every 5m")
	v.SetDefault("trigger.manual_min_interval", "5s")
	v.SetDefault("reachability.probe_interval", "15s")
	v.SetDefault("reachability.max_backoff", "5m")
	v.SetDefault("reachability.cache_ttl", "10s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8787)
	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "local")
	v.SetDefault("sentry.sample_rate", 1.0)
}

// NewConfig loads configuration. When file is empty, config.{yaml,toml} is
// searched in the working directory, ./.tally and ~/.tally.
func NewConfig(file string) (*Configuration, error) {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./.tally")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tally"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, ierr.WithError(err).
				WithHintf("Could not read configuration file %s", v.ConfigFileUsed()).
				Mark(ierr.ErrValidation)
		}
	}

	var config Configuration
	if err := v.Unmarshal(&config); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Configuration has an invalid value").
			Mark(ierr.ErrValidation)
	}
	config.Source = v.ConfigFileUsed()
	config.settings = v.AllSettings()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c Configuration) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return ierr.WithError(err).
			WithHint("Configuration is invalid, check tenant and data_dir are set").
			Mark(ierr.ErrValidation)
	}
	if !tenantPattern.MatchString(c.Tenant) {
		return ierr.NewErrorf("tenant %q contains unsupported characters", c.Tenant).
			WithHint("Tenant ids may only contain letters, digits, '-' and '_'").
			Mark(ierr.ErrValidation)
	}
	return nil
}

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// StorePath is the SQLite file holding the tenant's local store.
func (c *Configuration) StorePath() string {
	return filepath.Join(c.DataDir, c.Tenant+".db")
}

// LockPath is the advisory lock guarding the tenant's sync coordinator.
func (c *Configuration) LockPath() string {
	return filepath.Join(c.DataDir, c.Tenant+".lock")
}

// GetDefaultConfig returns a configuration usable without any file, for tests
// and scripts.
func GetDefaultConfig(tenant, dataDir string) *Configuration {
	return &Configuration{
		Tenant:       tenant,
		DataDir:      dataDir,
		Store:        StoreConfig{Driver: "sqlite3", BusyTimeout: 5 * time.Second},
		API:          APIConfig{Timeout: 30 * time.Second, RetryMax: 2},
		Sync:         SyncConfig{BatchSize: 100, DeltaPageSize: 500},
		Trigger:      TriggerConfig{Periodic: "@every 5m", ManualMinInterval: 5 * time.Second},
		Reachability: ReachabilityConfig{ProbeInterval: 15 * time.Second, MaxBackoff: 5 * time.Minute, CacheTTL: 10 * time.Second},
		Logging:      LoggingConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3},
		Dashboard:    DashboardConfig{Port: 8787},
	}
}

func (c *Configuration) String() string {
	return fmt.Sprintf("tenant=%s data_dir=%s api=%s", c.Tenant, c.DataDir, c.API.BaseURL)
}
