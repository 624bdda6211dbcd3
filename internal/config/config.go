// Package config loads the static bootstrap configuration: where the queue
// lives, logging and the dashboard. Runtime-mutable queue settings live in
// the store, see internal/settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/udaykr117/queuectl/internal/logger"
	"github.com/udaykr117/queuectl/internal/storage"
)

const (
	EnvPrefix      = "QUEUECTL"
	ConfigFileName = "config.yaml"
	defaultHomeDir = ".queuectl"
)

type Config struct {
	Home       string          `mapstructure:"home"`
	LogLevel   string          `mapstructure:"log_level"`
	LogFormat  string          `mapstructure:"log_format"`
	JobTimeout time.Duration   `mapstructure:"job_timeout"`
	Dashboard  DashboardConfig `mapstructure:"dashboard"`
}

type DashboardConfig struct {
	Port      int     `mapstructure:"port"`
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:   string(logger.InfoLevel),
		LogFormat:  string(logger.TextFormat),
		JobTimeout: time.Hour,
		Dashboard: DashboardConfig{
			Port:      8080,
			RateLimit: 20,
			RateBurst: 40,
		},
	}
}

// DBPath is the SQLite database inside the home directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.Home, storage.DBFileName)
}

// LogDir holds one log file per worker.
func (c *Config) LogDir() string {
	return filepath.Join(c.Home, "logs")
}

// Load resolves configuration with precedence flags > env > file > defaults.
// flags may be nil. The optional config file is <home>/config.yaml, or the
// path in QUEUECTL_CONFIG.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// QUEUECTL_DATA_DIR is the older name for the home directory.
	if err := v.BindEnv("home", EnvPrefix+"_HOME", EnvPrefix+"_DATA_DIR"); err != nil {
		return nil, err
	}

	if flags != nil {
		for key, name := range map[string]string{
			"home":       "home",
			"log_level":  "log-level",
			"log_format": "log-format",
		} {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	home, err := expandHome(v.GetString("home"))
	if err != nil {
		return nil, err
	}

	configFile := os.Getenv(EnvPrefix + "_CONFIG")
	if configFile == "" {
		candidate := filepath.Join(home, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			configFile = candidate
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// The config file lives in home, so it may not move home.
	cfg.Home = home
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("home", "")
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("job_timeout", cfg.JobTimeout)
	v.SetDefault("dashboard.port", cfg.Dashboard.Port)
	v.SetDefault("dashboard.rate_limit", cfg.Dashboard.RateLimit)
	v.SetDefault("dashboard.rate_burst", cfg.Dashboard.RateBurst)
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := logger.ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := logger.ParseLogFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, fmt.Errorf("job_timeout must be positive, got %v", c.JobTimeout))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port))
	}
	if c.Dashboard.RateLimit <= 0 || c.Dashboard.RateBurst <= 0 {
		errs = append(errs, errors.New("dashboard rate limit and burst must be positive"))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger from the configuration.
func (c *Config) Logger() (*logger.ZapLogger, error) {
	level, err := logger.ParseLogLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logger.ParseLogFormat(c.LogFormat)
	if err != nil {
		return nil, err
	}
	return logger.NewZapLogger(logger.Config{Level: level, Format: format})
}

func expandHome(dir string) (string, error) {
	if dir == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		return filepath.Join(userHome, defaultHomeDir), nil
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(userHome, strings.TrimPrefix(dir, "~"))
	}
	return filepath.Abs(dir)
}
