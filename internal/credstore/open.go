package credstore

import (
	"context"
	"fmt"
	"strings"
)

// Drivers accepted by OpenBackend.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// BackendConfig selects and configures a Backend.
type BackendConfig struct {
	Driver string

	// file: directory. sqlite: database file.
	Path string

	// postgres
	DSN      string
	Schema   string
	MaxConns int32

	// redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// OpenBackend constructs the backend named by cfg.Driver. An empty driver
// means "file".
func OpenBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverFile:
		return NewFileBackend(cfg.Path), nil
	case DriverMemory:
		return NewMemoryBackend(), nil
	case DriverSQLite:
		b, err := NewSQLiteBackend(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("credstore: postgres driver requires a dsn")
		}
		b, err := NewPostgresBackend(ctx, cfg.DSN, cfg.Schema, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return b, nil
	case DriverRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("credstore: redis driver requires an address")
		}
		b, err := DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KeyPrefix)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("credstore: unknown driver %q", cfg.Driver)
}
