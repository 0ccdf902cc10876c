package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	HTTPAddr string `mapstructure:"http_addr"`
	Debug    bool   `mapstructure:"debug"`
	Version  string `mapstructure:"version"`
	Secret   string `mapstructure:"secret"`

	// TrustedProxies may set X-Forwarded-For on /api/ws; empty trusts none.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
	// SecureCookies marks the admin session cookie Secure, for TLS fronted deployments.
	SecureCookies bool `mapstructure:"secure_cookies"`

	SpamLimit      int      `mapstructure:"spam_limit"`
	JoinLimit      int      `mapstructure:"join_limit"`
	WarnClosing    bool     `mapstructure:"warn_closing"`
	WarnDeprecated bool     `mapstructure:"warn_deprecated"`
	Blacklist      []string `mapstructure:"blacklist"`

	StaleTimeout time.Duration `mapstructure:"stale_timeout"`
	CloseGrace   time.Duration `mapstructure:"close_grace"`
	StateRefresh time.Duration `mapstructure:"state_refresh"`
	KeepAlive    time.Duration `mapstructure:"keepalive"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	SendQueue    int           `mapstructure:"send_queue"`
}

// Load reads config/config.<CONFIG_ENV>.yaml when present; RELAY_* variables override it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("http", cfg.HTTPAddr).Int("spam_limit", cfg.SpamLimit).Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 7000)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("debug", false)
	v.SetDefault("version", "2.4.0")
	v.SetDefault("secret", "")
	v.SetDefault("trusted_proxies", []string{})
	v.SetDefault("secure_cookies", false)
	v.SetDefault("spam_limit", 300)
	v.SetDefault("join_limit", 10)
	v.SetDefault("warn_closing", true)
	v.SetDefault("warn_deprecated", true)
	v.SetDefault("blacklist", []string{})
	v.SetDefault("stale_timeout", "10s")
	v.SetDefault("close_grace", "2s")
	v.SetDefault("state_refresh", "30s")
	v.SetDefault("keepalive", "8s")
	v.SetDefault("read_timeout", "12s")
	v.SetDefault("send_queue", 256)
}

func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 0xffff {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.SpamLimit < 0 || c.JoinLimit < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	for _, p := range c.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			return fmt.Errorf("trusted proxy %q: %w", p, err)
		}
	}
	return nil
}
