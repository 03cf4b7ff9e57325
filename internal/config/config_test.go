package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillpos/printspool/internal/transport"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Auth.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
queue:
  max_retries: 5
  send_timeout: 2s
  offline_threshold: 4
logging:
  level: debug
  format: console
devices:
  - name: bar
    kind: network
    ip_address: 192.168.1.20
    port: 9100
    chars_per_line: 48
    active: true
  - name: kitchen
    kind: serial
    port_name: /dev/ttyUSB0
    baud_rate: 19200
    chars_per_line: 42
    active: true
webhooks:
  retry_count: 2
  endpoints:
    - name: pos
      url: https://pos.example.com/hooks/print
      secret: abc
      events: [job_failed, device_status_changed]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Queue.SendTimeout)
	assert.Equal(t, 4, cfg.Queue.OfflineThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)

	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, transport.KindNetwork, cfg.Devices[0].Kind)
	assert.Equal(t, transport.KindSerial, cfg.Devices[1].Kind)
	assert.Equal(t, 19200, cfg.Devices[1].BaudRate)

	require.Len(t, cfg.Webhooks.Endpoints, 1)
	assert.Equal(t, 2, cfg.Webhooks.RetryCount)
	assert.Equal(t, []string{"job_failed", "device_status_changed"}, cfg.Webhooks.Endpoints[0].Events)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PRINTSPOOL_PORT", "7070")
	t.Setenv("PRINTSPOOL_LOG_LEVEL", "warn")
	t.Setenv("PRINTSPOOL_DB_PATH", "/tmp/override.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 0 }},
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"negative retries", func(c *Config) { c.Queue.MaxRetries = -1 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"auth without secret", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.PasswordHash = "$2a$10$hash"
		}},
		{"webhook without url", func(c *Config) {
			c.Webhooks.Endpoints = []WebhookEndpoint{{Name: "broken"}}
		}},
		{"duplicate device", func(c *Config) {
			dev := transport.Device{Name: "bar", Kind: transport.KindNetwork, IPAddress: "10.0.0.1", Port: 9100, CharsPerLine: 48}
			c.Devices = []transport.Device{dev, dev}
		}},
		{"invalid device", func(c *Config) {
			c.Devices = []transport.Device{{Name: "bar", Kind: transport.KindNetwork, CharsPerLine: 48}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
