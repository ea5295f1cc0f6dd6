package storage

import (
	"context"
	"errors"

	"github.com/funnyzak/reqsnipe/internal/config"
	"github.com/funnyzak/reqsnipe/internal/logger"
	"github.com/funnyzak/reqsnipe/pkg/request"
)

// ErrUnsupportedDriver indicates the configured driver is not available.
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// KV is the durable key/value capability the capture store persists its corpus through.
type KV interface {
	// Get returns the value for key, or def when the key has never been set.
	Get(ctx context.Context, key, def string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// AttemptLog keeps the history of replay sends.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, attempt *request.Attempt) error
	// ListAttempts returns the newest attempts first; limit <= 0 means all.
	ListAttempts(ctx context.Context, limit int) ([]*request.Attempt, error)
}

// Store bundles every persistence concern behind one handle.
type Store interface {
	KV
	AttemptLog
	Close() error
}

// New instantiates a Store based on configuration.
func New(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("storage config is nil")
	}
	switch driver := cfg.Driver; driver {
	case "", "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	case "redis":
		return newRedisStore(cfg, log)
	case "memory":
		return NewMemoryStore(cfg.MaxAttempts), nil
	default:
		return nil, ErrUnsupportedDriver
	}
}
