package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/Sternrassler/crm-records-client/pkg/auth"
	"github.com/Sternrassler/crm-records-client/pkg/client"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// envPrefix is prepended to every configuration key when read from the
// environment, e.g. refresh_token -> CRM_REFRESH_TOKEN.
const envPrefix = "CRM"

// Config is the proxy configuration.
type Config struct {
	Port      string `mapstructure:"port"`
	UserAgent string `mapstructure:"user_agent"`
	BaseURL   string `mapstructure:"base_url"`

	AuthEndpoint string `mapstructure:"auth_endpoint"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`

	// RedisAddr enables the shared token cache and rate limit state. Empty
	// means in-process token storage and no rate limit gate.
	RedisAddr string `mapstructure:"redis_addr"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`
}

var defaults = map[string]any{
	"port":            "8080",
	"user_agent":      "crm-records-client/0.1.0",
	"base_url":        client.DefaultBaseURL,
	"auth_endpoint":   auth.DefaultEndpoint,
	"client_id":       "",
	"client_secret":   "",
	"refresh_token":   "",
	"redis_addr":      "",
	"request_timeout": 60 * time.Second,
	"log_level":       "info",
	"log_pretty":      false,
}

// LoadConfig reads envFile into the process environment (if it exists), then
// layers the environment over configFile (optional YAML) over the defaults.
func LoadConfig(configFile, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields the proxy cannot start without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.RefreshToken) == "" {
		return fmt.Errorf("%s_REFRESH_TOKEN is required", envPrefix)
	}
	if c.Port == "" {
		return fmt.Errorf("%s_PORT must not be empty", envPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s_REQUEST_TIMEOUT must be positive", envPrefix)
	}
	return nil
}
