// Package config loads daemon configuration from flags, environment
// variables (LANSHARE_*), an optional config file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "LANSHARE"

// DefaultFolderName is created under the user's home directory when no
// shared directory is configured.
const DefaultFolderName = "LocalFileShare"

// Config holds all daemon configuration.
type Config struct {
	// Server
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	PortFallbackMin int    `mapstructure:"port_fallback_min"`
	PortFallbackMax int    `mapstructure:"port_fallback_max"`
	PortAttempts    int    `mapstructure:"port_attempts"`

	// Shared directory
	SharedDir string `mapstructure:"shared_dir"`

	// Uploads
	MaxUploadSize int64 `mapstructure:"max_upload_size"`

	// Live updates
	WatchDebounce  time.Duration `mapstructure:"watch_debounce"`
	SuppressWindow time.Duration `mapstructure:"suppress_window"`
	SessionBuffer  int           `mapstructure:"session_buffer"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Optional surfaces
	WebDAV bool   `mapstructure:"webdav"`
	WebDir string `mapstructure:"web_dir"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            3001,
		PortFallbackMin: 3000,
		PortFallbackMax: 3999,
		PortAttempts:    5,
		SharedDir:       defaultSharedDir(),
		MaxUploadSize:   100 * 1024 * 1024, // 100MB
		WatchDebounce:   150 * time.Millisecond,
		SuppressWindow:  2 * time.Second,
		SessionBuffer:   64,
		LogLevel:        "info",
		LogFormat:       "console",
		WebDAV:          false,
	}
}

func defaultSharedDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return DefaultFolderName
	}
	return filepath.Join(home, DefaultFolderName)
}

// Load builds a Config. configFile may be empty; flags may be nil. Flags
// that were explicitly set win over the environment, which wins over the
// config file.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	def := Defaults()
	v.SetDefault("host", def.Host)
	v.SetDefault("port", def.Port)
	v.SetDefault("port_fallback_min", def.PortFallbackMin)
	v.SetDefault("port_fallback_max", def.PortFallbackMax)
	v.SetDefault("port_attempts", def.PortAttempts)
	v.SetDefault("shared_dir", def.SharedDir)
	v.SetDefault("max_upload_size", def.MaxUploadSize)
	v.SetDefault("watch_debounce", def.WatchDebounce)
	v.SetDefault("suppress_window", def.SuppressWindow)
	v.SetDefault("session_buffer", def.SessionBuffer)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
	v.SetDefault("webdav", def.WebDAV)
	v.SetDefault("web_dir", def.WebDir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.SharedDir = expandHome(cfg.SharedDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindFlags maps flag names (dashed) onto config keys (underscored).
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.SharedDir == "" {
		return fmt.Errorf("shared_dir is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.PortFallbackMin <= 0 || c.PortFallbackMax > 65535 || c.PortFallbackMin > c.PortFallbackMax {
		return fmt.Errorf("invalid port fallback range %d-%d", c.PortFallbackMin, c.PortFallbackMax)
	}
	if c.PortAttempts < 1 {
		return fmt.Errorf("port_attempts must be at least 1")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("max_upload_size must be positive")
	}
	if c.SessionBuffer <= 0 {
		return fmt.Errorf("session_buffer must be positive")
	}
	if c.WatchDebounce < 0 || c.SuppressWindow < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// ListenAddr returns host:port for the given port.
func (c *Config) ListenAddr(port int) string {
	return fmt.Sprintf("%s:%d", c.Host, port)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
