// Package config loads client configuration from env/file with defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved application configuration.
type Config struct {
	Backend struct {
		BaseURL string        `mapstructure:"base_url"` // https://host/api
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"backend"`

	Session struct {
		Dir              string        `mapstructure:"dir"`               // state directory
		Validity         time.Duration `mapstructure:"validity"`          // access token lifetime
		RefreshThreshold time.Duration `mapstructure:"refresh_threshold"` // renew when remaining < threshold
		CheckInterval    time.Duration `mapstructure:"check_interval"`    // health loop period
	} `mapstructure:"session"`

	Camera struct {
		WarmupGrace time.Duration `mapstructure:"warmup_grace"` // force Active after this
		PreviewDir  string        `mapstructure:"preview_dir"`
	} `mapstructure:"camera"`

	Logging struct {
		Level string `mapstructure:"level"` // debug|info|warn|error
	} `mapstructure:"logs"`
}

func defaultStateDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "visitgate")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "visitgate")
}

// Load reads configuration from env/file with defaults applied.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("visitgate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.timeout", 30*time.Second)

	v.SetDefault("session.dir", defaultStateDir())
	v.SetDefault("session.validity", 7*24*time.Hour)
	v.SetDefault("session.refresh_threshold", 2*24*time.Hour)
	v.SetDefault("session.check_interval", 5*time.Minute)

	v.SetDefault("camera.warmup_grace", 2*time.Second)
	v.SetDefault("camera.preview_dir", os.TempDir())

	v.SetDefault("logs.level", "info")

	if cfgFile := os.Getenv("VISITGATE_CONFIG"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultStateDir())
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			if _, statErr := os.Stat(v.ConfigFileUsed()); statErr == nil || v.ConfigFileUsed() == "" {
				return nil, fmt.Errorf("config read error: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(c *Config) error {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return errors.New("backend.base_url must be set (VISITGATE_BACKEND_BASE_URL)")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.base_url invalid: %q", c.Backend.BaseURL)
	}
	if c.Session.Validity <= 0 || c.Session.RefreshThreshold <= 0 {
		return errors.New("session.validity and session.refresh_threshold must be positive")
	}
	if c.Session.RefreshThreshold >= c.Session.Validity {
		return errors.New("session.refresh_threshold must be below session.validity")
	}
	if c.Session.CheckInterval <= 0 {
		return errors.New("session.check_interval must be positive")
	}
	return nil
}
