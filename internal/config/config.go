package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tillpos/printspool/internal/transport"
)

type Config struct {
	Server   ServerConfig       `yaml:"server"`
	Database DatabaseConfig     `yaml:"database"`
	Queue    QueueConfig        `yaml:"queue"`
	Webhooks WebhooksConfig     `yaml:"webhooks"`
	Logging  LoggingConfig      `yaml:"logging"`
	Auth     AuthConfig         `yaml:"auth"`
	Devices  []transport.Device `yaml:"devices"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path        string `yaml:"path"`
	HistoryDays int    `yaml:"history_days"`
}

type QueueConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	Retention        time.Duration `yaml:"retention"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	OfflineThreshold int           `yaml:"offline_threshold"`
}

type WebhookEndpoint struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type WebhooksConfig struct {
	Timeout     time.Duration     `yaml:"timeout"`
	RetryCount  int               `yaml:"retry_count"`
	RetryDelay  time.Duration     `yaml:"retry_delay"`
	WorkerCount int               `yaml:"worker_count"`
	QueueSize   int               `yaml:"queue_size"`
	Endpoints   []WebhookEndpoint `yaml:"endpoints"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PasswordHash string        `yaml:"password_hash"`
	JWTSecret    string        `yaml:"jwt_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxRetries:       3,
		SendTimeout:      transport.DefaultSendTimeout,
		Retention:        time.Hour,
		ShutdownGrace:    10 * time.Second,
		OfflineThreshold: 3,
	}
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "./data/printspool.db",
			HistoryDays: 30,
		},
		Queue: *DefaultQueueConfig(),
		Webhooks: WebhooksConfig{
			Timeout:     10 * time.Second,
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			WorkerCount: 3,
			QueueSize:   100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: AuthConfig{
			Enabled:  false,
			TokenTTL: 24 * time.Hour,
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(cfg)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PRINTSPOOL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PRINTSPOOL_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PRINTSPOOL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PRINTSPOOL_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Database.HistoryDays < 0 {
		return fmt.Errorf("history days must be non-negative")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}
	if c.Queue.SendTimeout < 0 {
		return fmt.Errorf("send timeout must be non-negative")
	}
	if c.Queue.Retention < 0 {
		return fmt.Errorf("retention must be non-negative")
	}
	if c.Queue.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown grace must be non-negative")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, console)", c.Logging.Format)
	}

	if c.Auth.Enabled {
		if c.Auth.PasswordHash == "" {
			return fmt.Errorf("auth is enabled but password_hash is empty")
		}
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth is enabled but jwt_secret is empty")
		}
	}

	seen := make(map[string]bool)
	for i := range c.Devices {
		if err := c.Devices[i].Validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if seen[c.Devices[i].Name] {
			return fmt.Errorf("duplicate device name %q", c.Devices[i].Name)
		}
		seen[c.Devices[i].Name] = true
	}

	for i, ep := range c.Webhooks.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("webhooks.endpoints[%d]: url is required", i)
		}
	}

	return nil
}
