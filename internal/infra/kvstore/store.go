// Package kvstore provides the durable string key/value store used to persist
// the playlist across restarts.
package kvstore

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Store is a durable mapping from string keys to string values.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	Path    string // file and sqlite backends
	Redis   RedisConfig
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Open creates the backend described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendFile:
		return OpenFile(cfg.Path)
	case BackendRedis:
		return OpenRedis(ctx, cfg.Redis)
	case BackendSQLite:
		return OpenSQLite(ctx, cfg.Path)
	default:
		return nil, errors.Newf("unsupported store backend: %s", cfg.Backend)
	}
}
