// Package config loads pulse settings from a TOML file, PULSE_* environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/pulse/internal/store/db"
)

const (
	// AppName names the XDG subdirectories.
	AppName = "pulse"

	// FileName is the config file looked up in the config directory.
	FileName = "config.toml"

	// EnvPrefix prefixes environment overrides, e.g. PULSE_BACKUP_FOLDER.
	EnvPrefix = "PULSE"
)

// Config is the full set of settings.
type Config struct {
	DataDir   string          `mapstructure:"data_dir" toml:"data_dir" yaml:"data_dir" json:"data_dir"`
	Backup    BackupConfig    `mapstructure:"backup" toml:"backup" yaml:"backup" json:"backup"`
	Search    SearchConfig    `mapstructure:"search" toml:"search" yaml:"search" json:"search"`
	Log       LogConfig       `mapstructure:"log" toml:"log" yaml:"log" json:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard" toml:"dashboard" yaml:"dashboard" json:"dashboard"`
	Engine    EngineConfig    `mapstructure:"engine" toml:"engine" yaml:"engine" json:"engine"`
}

// BackupConfig controls the backup folder.
type BackupConfig struct {
	Enabled bool `mapstructure:"enabled" toml:"enabled" yaml:"enabled" json:"enabled"`
	// Folder overrides the remembered folder for one run.
	Folder string `mapstructure:"folder" toml:"folder" yaml:"folder" json:"folder"`
}

// SearchConfig controls full-text search.
type SearchConfig struct {
	Limit int `mapstructure:"limit" toml:"limit" yaml:"limit" json:"limit"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level      string `mapstructure:"level" toml:"level" yaml:"level" json:"level"`
	Format     string `mapstructure:"format" toml:"format" yaml:"format" json:"format"`
	File       string `mapstructure:"file" toml:"file" yaml:"file" json:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb" yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups" yaml:"max_backups" json:"max_backups"`
}

// DashboardConfig controls the serve command.
type DashboardConfig struct {
	Host string `mapstructure:"host" toml:"host" yaml:"host" json:"host"`
	Port int    `mapstructure:"port" toml:"port" yaml:"port" json:"port"`
}

// EngineConfig selects the database/sql driver.
type EngineConfig struct {
	Driver string `mapstructure:"driver" toml:"driver" yaml:"driver" json:"driver"`
}

// Dir returns the config directory: $XDG_CONFIG_HOME/pulse, falling back
// to ~/.config/pulse.
func Dir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir returns $XDG_DATA_HOME/pulse, falling back to
// ~/.local/share/pulse.
func DefaultDataDir() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func xdgDir(env, fallback string) string {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), AppName)
	}
	return filepath.Join(home, fallback, AppName)
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Backup:  BackupConfig{Enabled: true},
		Search:  SearchConfig{Limit: db.DefaultSearchLimit},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Dashboard: DashboardConfig{Host: "127.0.0.1", Port: 8765},
		Engine:    EngineConfig{Driver: db.DefaultDriver},
	}
}

// SetDefaults registers every key with its default so environment variables
// can override keys that no config file mentions.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("backup.enabled", d.Backup.Enabled)
	v.SetDefault("backup.folder", d.Backup.Folder)
	v.SetDefault("search.limit", d.Search.Limit)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("dashboard.host", d.Dashboard.Host)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("engine.driver", d.Engine.Driver)
}

// Load reads settings into v and decodes them. file overrides the default
// location; a missing default file is not an error, a missing explicit one
// is.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("toml")
		v.AddConfigPath(Dir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		logrus.WithField("file", v.ConfigFileUsed()).Debug("read config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the store cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir cannot be empty"))
	}
	if c.Search.Limit < 1 || c.Search.Limit > db.MaxSearchLimit {
		errs = append(errs, fmt.Errorf("search.limit must be between 1 and %d (got %d)", db.MaxSearchLimit, c.Search.Limit))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if !slices.Contains([]string{"text", "json", "color"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be text, json or color (got %q)", c.Log.Format))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port out of range (got %d)", c.Dashboard.Port))
	}
	if !slices.Contains(db.Drivers(), c.Engine.Driver) {
		errs = append(errs, fmt.Errorf("engine.driver %q is not compiled in (have %s)", c.Engine.Driver, strings.Join(db.Drivers(), ", ")))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// TOML renders c in the config file format.
func (c *Config) TOML() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// YAML renders c as YAML.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return out, nil
}

// ReadFile decodes a TOML config file directly, without defaults or
// environment overrides.
func ReadFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// WriteFile atomically writes c to path. An existing file is kept unless
// overwrite is set.
func (c *Config) WriteFile(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := c.TOML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
