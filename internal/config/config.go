package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/sysinitd/internal/env"
	"github.com/loykin/sysinitd/internal/logger"
)

// EnvPrefix is prepended to every environment override, e.g.
// SYSINITD_SHUTDOWN_GRACE_PERIOD=30s.
const EnvPrefix = "SYSINITD"

const DefaultPattern = "**/*.yaml"

// Config is the daemon configuration. Service definitions are separate files
// found under ServiceDirs.
type Config struct {
	ServiceDirs []string       `mapstructure:"service_dirs"`
	Pattern     string         `mapstructure:"pattern"`
	Env         []string       `mapstructure:"env"`
	EnvFiles    []string       `mapstructure:"env_files"`
	UseOSEnv    bool           `mapstructure:"use_os_env"`
	Log         LogConfig      `mapstructure:"log"`
	Shutdown    ShutdownConfig `mapstructure:"shutdown"`
	Diagnosis   DiagConfig     `mapstructure:"diagnosis"`
	Metrics     ListenConfig   `mapstructure:"metrics"`
	API         ListenConfig   `mapstructure:"api"`
	History     HistoryConfig  `mapstructure:"history"`
}

type LogConfig struct {
	Level    string          `mapstructure:"level"`
	Format   string          `mapstructure:"format"`
	Color    string          `mapstructure:"color"`
	Rotation logger.Rotation `mapstructure:"rotation"`
}

type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

type DiagConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type ListenConfig struct {
	Listen string `mapstructure:"listen"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_dirs", []string{})
	v.SetDefault("pattern", DefaultPattern)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
	v.SetDefault("log.color", "auto")
	v.SetDefault("log.rotation.max_size_mb", 10)
	v.SetDefault("log.rotation.max_backups", 3)
	v.SetDefault("log.rotation.max_age_days", 7)
	v.SetDefault("log.rotation.compress", false)
	v.SetDefault("shutdown.grace_period", "10s")
	v.SetDefault("diagnosis.interval", "30s")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("api.listen", "")
	v.SetDefault("history.dsn", "")
}

// Load reads the daemon config. An empty path yields the defaults plus any
// SYSINITD_ environment overrides. The file type follows the extension
// (toml, yaml, json).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.Pattern == "" {
		c.Pattern = DefaultPattern
	}
	if c.Shutdown.GracePeriod <= 0 {
		return nil, fmt.Errorf("shutdown.grace_period must be positive, got %s", c.Shutdown.GracePeriod)
	}
	if c.Diagnosis.Interval < 0 {
		return nil, fmt.Errorf("diagnosis.interval must not be negative, got %s", c.Diagnosis.Interval)
	}
	if path != "" {
		base := filepath.Dir(path)
		c.ServiceDirs = resolve(base, c.ServiceDirs)
		c.EnvFiles = resolve(base, c.EnvFiles)
	}
	return &c, nil
}

// resolve makes relative paths relative to the config file's directory.
func resolve(base string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		out = append(out, p)
	}
	return out
}

// GlobalEnv builds the environment shared by every service: the OS
// environment when use_os_env is set, then env_files in order, then env.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	} else {
		e.WithBase(nil)
	}
	for _, p := range c.EnvFiles {
		pairs, err := env.LoadFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file: %w", err)
		}
		e.SetPairs(pairs)
	}
	e.SetPairs(c.Env)
	return e, nil
}

// LoggerOptions maps the log section onto logger options. A non-zero
// verbosity delta from the command line wins over log.level.
func (c *Config) LoggerOptions(verbose, quiet int) (logger.Options, error) {
	lvl, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return logger.Options{}, err
	}
	if verbose != 0 || quiet != 0 {
		lvl = logger.LevelFromVerbosity(verbose, quiet)
	}
	return logger.Options{Level: lvl, Format: c.Log.Format, Color: c.Log.Color, Output: os.Stderr}, nil
}
