package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/credstore"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/logging"
)

// Upstream modes.
const (
	UpstreamBridge = "bridge"
	UpstreamMock   = "mock"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" env:"GATEWAY_PORT"`
	Host           string   `yaml:"host" env:"GATEWAY_HOST"`
	AuthToken      string   `yaml:"auth_token" env:"GATEWAY_AUTH_TOKEN"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"GATEWAY_ALLOWED_ORIGINS"`
	SendRate       float64  `yaml:"send_rate" env:"GATEWAY_SEND_RATE"`
	SendBurst      int      `yaml:"send_burst" env:"GATEWAY_SEND_BURST"`
}

type SessionConfig struct {
	Name              string        `yaml:"name" env:"GATEWAY_SESSION_NAME"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" env:"GATEWAY_RECONNECT_DELAY"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay" env:"GATEWAY_RECONNECT_MAX_DELAY"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" env:"GATEWAY_CONNECT_TIMEOUT"`
	LogoutTimeout     time.Duration `yaml:"logout_timeout" env:"GATEWAY_LOGOUT_TIMEOUT"`
	LogoutOnShutdown  bool          `yaml:"logout_on_shutdown" env:"GATEWAY_LOGOUT_ON_SHUTDOWN"`
}

type BroadcastConfig struct {
	SendDeadline   time.Duration `yaml:"send_deadline" env:"GATEWAY_SEND_DEADLINE"`
	QueueSize      int           `yaml:"queue_size" env:"GATEWAY_QUEUE_SIZE"`
	MaxSubscribers int           `yaml:"max_subscribers" env:"GATEWAY_MAX_SUBSCRIBERS"`
}

type UpstreamConfig struct {
	Mode           string        `yaml:"mode" env:"GATEWAY_UPSTREAM_MODE"`
	URL            string        `yaml:"url" env:"GATEWAY_UPSTREAM_URL"`
	Token          string        `yaml:"token" env:"GATEWAY_UPSTREAM_TOKEN"`
	MockQRInterval time.Duration `yaml:"mock_qr_interval" env:"GATEWAY_MOCK_QR_INTERVAL"`
	MockLinkAfter  time.Duration `yaml:"mock_link_after" env:"GATEWAY_MOCK_LINK_AFTER"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver" env:"GATEWAY_STORE_DRIVER"`
	Path          string `yaml:"path" env:"GATEWAY_STORE_PATH"`
	DSN           string `yaml:"dsn" env:"GATEWAY_STORE_DSN"`
	Schema        string `yaml:"schema" env:"GATEWAY_STORE_SCHEMA"`
	RedisAddr     string `yaml:"redis_addr" env:"GATEWAY_REDIS_ADDR"`
	Password      string `yaml:"password" env:"GATEWAY_REDIS_PASSWORD"`
	DB            int    `yaml:"db" env:"GATEWAY_REDIS_DB"`
	KeyPrefix     string `yaml:"key_prefix" env:"GATEWAY_STORE_KEY_PREFIX"`
	EncryptionKey string `yaml:"encryption_key" env:"GATEWAY_ENCRYPTION_KEY"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"GATEWAY_LOG_LEVEL"`
	Format string `yaml:"format" env:"GATEWAY_LOG_FORMAT"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Session: SessionConfig{
			Name:             "default",
			ReconnectDelay:   5 * time.Second,
			ConnectTimeout:   30 * time.Second,
			LogoutTimeout:    5 * time.Second,
			LogoutOnShutdown: true,
		},
		Broadcast: BroadcastConfig{
			SendDeadline: 5 * time.Second,
			QueueSize:    64,
		},
		Upstream: UpstreamConfig{
			Mode:           UpstreamBridge,
			URL:            "ws://127.0.0.1:3001/session",
			MockQRInterval: 20 * time.Second,
		},
		Store: StoreConfig{
			Driver:    credstore.DriverFile,
			Path:      "./data/credentials",
			Schema:    "public",
			KeyPrefix: "gateway:creds:",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays GATEWAY_* environment variables. Unset variables leave
// the current value alone. List values are separated by semicolons.
func (c *Config) ApplyEnv() error {
	err := envdecode.Decode(c)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.SendRate < 0 {
		errs = append(errs, errors.New("server.send_rate must not be negative"))
	}
	if c.Session.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("session.reconnect_delay must be positive"))
	}
	if c.Session.ReconnectMaxDelay != 0 && c.Session.ReconnectMaxDelay < c.Session.ReconnectDelay {
		errs = append(errs, errors.New("session.reconnect_max_delay must be zero or at least reconnect_delay"))
	}
	if c.Session.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("session.connect_timeout must be positive"))
	}
	if c.Session.LogoutTimeout <= 0 {
		errs = append(errs, errors.New("session.logout_timeout must be positive"))
	}
	if c.Broadcast.SendDeadline <= 0 {
		errs = append(errs, errors.New("broadcast.send_deadline must be positive"))
	}
	if c.Broadcast.QueueSize <= 0 {
		errs = append(errs, errors.New("broadcast.queue_size must be positive"))
	}
	if c.Broadcast.MaxSubscribers < 0 {
		errs = append(errs, errors.New("broadcast.max_subscribers must not be negative"))
	}

	switch c.Upstream.Mode {
	case UpstreamBridge:
		if c.Upstream.URL == "" {
			errs = append(errs, errors.New("upstream.url is required in bridge mode"))
		}
	case UpstreamMock:
		if c.Upstream.MockQRInterval <= 0 {
			errs = append(errs, errors.New("upstream.mock_qr_interval must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("upstream.mode %q is not bridge or mock", c.Upstream.Mode))
	}

	switch strings.ToLower(c.Store.Driver) {
	case "", credstore.DriverFile, credstore.DriverMemory, credstore.DriverSQLite:
	case credstore.DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	case credstore.DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Backend maps the store section onto a credstore backend config.
func (c *Config) Backend() credstore.BackendConfig {
	return credstore.BackendConfig{
		Driver:        c.Store.Driver,
		Path:          c.Store.Path,
		DSN:           c.Store.DSN,
		Schema:        c.Store.Schema,
		RedisAddr:     c.Store.RedisAddr,
		RedisPassword: c.Store.Password,
		RedisDB:       c.Store.DB,
		KeyPrefix:     c.Store.KeyPrefix,
	}
}
