package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	writeFile(t, cfgPath, `
server:
  port: 9090
  auth_token: "secret"
  allowed_origins: ["https://ops.example.com"]
session:
  reconnect_delay: 2s
  reconnect_max_delay: 1m
broadcast:
  send_deadline: 750ms
upstream:
  mode: mock
store:
  driver: sqlite
  path: /var/lib/gateway/creds.db
log:
  level: debug
`)

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "0.0.0.0", cfg.Server.Host, "unset keys keep defaults")
	require.Equal(t, "secret", cfg.Server.AuthToken)
	require.Equal(t, []string{"https://ops.example.com"}, cfg.Server.AllowedOrigins)
	require.Equal(t, 2*time.Second, cfg.Session.ReconnectDelay)
	require.Equal(t, time.Minute, cfg.Session.ReconnectMaxDelay)
	require.True(t, cfg.Session.LogoutOnShutdown)
	require.Equal(t, 750*time.Millisecond, cfg.Broadcast.SendDeadline)
	require.Equal(t, 64, cfg.Broadcast.QueueSize)
	require.Equal(t, UpstreamMock, cfg.Upstream.Mode)
	require.Equal(t, "sqlite", cfg.Backend().Driver)
	require.Equal(t, "/var/lib/gateway/creds.db", cfg.Backend().Path)
	require.Equal(t, "debug", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, defaultConfig(), cfg)
	require.NoError(t, cfg.Validate())
	require.Equal(t, 5*time.Second, cfg.Session.ReconnectDelay)
	require.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoad_InvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, "server: [unclosed")

	_, err := Load(cfgPath)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "7000")
	t.Setenv("GATEWAY_RECONNECT_DELAY", "10s")
	t.Setenv("GATEWAY_LOGOUT_ON_SHUTDOWN", "false")
	t.Setenv("GATEWAY_STORE_DRIVER", "redis")
	t.Setenv("GATEWAY_REDIS_ADDR", "localhost:6379")
	t.Setenv("GATEWAY_ALLOWED_ORIGINS", "https://a.example.com;https://b.example.com")

	cfg := defaultConfig()
	require.NoError(t, cfg.ApplyEnv())

	require.Equal(t, 7000, cfg.Server.Port)
	require.Equal(t, 10*time.Second, cfg.Session.ReconnectDelay)
	require.False(t, cfg.Session.LogoutOnShutdown)
	require.Equal(t, "redis", cfg.Store.Driver)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
	require.Equal(t, "0.0.0.0", cfg.Server.Host, "unset variables keep the current value")
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_NothingSet(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.ApplyEnv())
	require.Equal(t, defaultConfig(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"reconnect delay", func(c *Config) { c.Session.ReconnectDelay = 0 }},
		{"max below base", func(c *Config) { c.Session.ReconnectMaxDelay = time.Second }},
		{"connect timeout", func(c *Config) { c.Session.ConnectTimeout = -time.Second }},
		{"send deadline", func(c *Config) { c.Broadcast.SendDeadline = 0 }},
		{"queue size", func(c *Config) { c.Broadcast.QueueSize = 0 }},
		{"upstream mode", func(c *Config) { c.Upstream.Mode = "carrier-pigeon" }},
		{"bridge url", func(c *Config) { c.Upstream.URL = "" }},
		{"postgres dsn", func(c *Config) { c.Store.Driver = "postgres" }},
		{"store driver", func(c *Config) { c.Store.Driver = "etcd" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, "session:\n  reconnect_delay: 5s\n")

	var mu sync.Mutex
	var applied []*Config
	w, err := NewWatcher(cfgPath, func() (*Config, error) { return Load(cfgPath) }, func(c *Config) {
		mu.Lock()
		applied = append(applied, c)
		mu.Unlock()
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// An invalid file is rejected and not applied.
	writeFile(t, cfgPath, "session:\n  reconnect_delay: 0s\n")
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	require.Empty(t, applied)
	mu.Unlock()

	writeFile(t, cfgPath, "session:\n  reconnect_delay: 9s\nlog:\n  level: warn\n")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) > 0 && applied[len(applied)-1].Session.ReconnectDelay == 9*time.Second
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, "warn", applied[len(applied)-1].Log.Level)
	mu.Unlock()
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, "server:\n  port: 8080\n")

	var mu sync.Mutex
	calls := 0
	w, err := NewWatcher(cfgPath, func() (*Config, error) { return Load(cfgPath) }, func(*Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	writeFile(t, filepath.Join(dir, "other.yaml"), "server:\n  port: 1\n")
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, calls)
}
