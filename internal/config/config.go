// Package config loads server configuration from config.json and the
// environment. File values are overridden by EAGLECHAT_-prefixed environment
// variables (EAGLECHAT_LOGGING_LEVEL=DEBUG overrides logging.level).
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
	API      APIConfig      `koanf:"api"`
	Callback CallbackConfig `koanf:"callback"`

	// Environment-only secrets, never read from config.json.
	MasterKey       []byte `koanf:"-"`
	StoreURL        string `koanf:"-"`
	StoreServiceKey string `koanf:"-"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type LoggingConfig struct {
	Level         string `koanf:"level"`
	RetentionDays int    `koanf:"retention_days"`
	LogDirectory  string `koanf:"log_directory"`
}

type APIConfig struct {
	Title       string `koanf:"title"`
	Description string `koanf:"description"`
	Version     string `koanf:"version"`

	// DevelopmentMode relaxes origin checks (private callback targets, short
	// callback tokens). It never relaxes signature checks.
	DevelopmentMode bool `koanf:"development_mode"`
}

type CallbackConfig struct {
	RetryAttempts     int `koanf:"retry_attempts"`
	RetryDelaySeconds int `koanf:"retry_delay_seconds"`
}

// Load reads config.json (if present at path), applies environment overrides,
// and resolves required environment secrets.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	k.Set("server.port", 8080)
	k.Set("logging.level", "INFO")
	k.Set("logging.retention_days", 30)
	k.Set("logging.log_directory", "logs")
	k.Set("api.title", "Eagle Chat Server")
	k.Set("api.description", "Multi-tenant chatbot backend for WordPress")
	k.Set("api.version", "1.0.0")
	k.Set("callback.retry_attempts", 3)
	k.Set("callback.retry_delay_seconds", 3)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), json.Parser()); err != nil {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("EAGLECHAT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "EAGLECHAT_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.loadSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadSecrets() error {
	masterKey := os.Getenv("MASTER_KEY")
	if masterKey == "" {
		return fmt.Errorf("MASTER_KEY environment variable is required")
	}
	raw, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil {
		return fmt.Errorf("MASTER_KEY is not valid base64: %w", err)
	}
	c.MasterKey = raw

	c.StoreURL = os.Getenv("STORE_URL")
	if c.StoreURL == "" {
		return fmt.Errorf("STORE_URL environment variable is required")
	}
	c.StoreServiceKey = os.Getenv("STORE_SERVICE_KEY")
	if c.StoreServiceKey == "" {
		return fmt.Errorf("STORE_SERVICE_KEY environment variable is required")
	}
	// The DSN may reference the service key without embedding it, so the URL
	// stays safe to log and to keep in process listings.
	c.StoreURL = strings.ReplaceAll(c.StoreURL, "${STORE_SERVICE_KEY}", c.StoreServiceKey)
	return nil
}

func (c *Config) validate() error {
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("logging.level must be one of DEBUG, INFO, WARN, ERROR; got %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 1 || c.Logging.RetentionDays > 365 {
		return fmt.Errorf("logging.retention_days must be in [1, 365]; got %d", c.Logging.RetentionDays)
	}
	if c.Callback.RetryAttempts < 1 {
		return fmt.Errorf("callback.retry_attempts must be >= 1; got %d", c.Callback.RetryAttempts)
	}
	if c.Callback.RetryDelaySeconds < 0 {
		return fmt.Errorf("callback.retry_delay_seconds must be >= 0; got %d", c.Callback.RetryDelaySeconds)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port; got %d", c.Server.Port)
	}
	return nil
}
