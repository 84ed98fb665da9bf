// Package kv defines the string-keyed storage contract the rest of sitewright
// persists through, plus in-memory and SQL-backed implementations.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/config"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("kv: key not found")

	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("kv: backend unavailable")

	// ErrCorrupt is returned when a stored value cannot be decoded into the
	// expected record shape.
	ErrCorrupt = errors.New("kv: corrupt record")
)

// Entry is a single key/value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a string-keyed store with no cross-key transactions.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key without expiry, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every live entry whose key starts with prefix, ordered by
	// key ascending.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// Incr atomically increments the integer counter at key and returns the
	// new value. A missing key starts from zero.
	Incr(ctx context.Context, key string) (int64, error)

	// SetNX atomically stores value at key with the given expiry only if the
	// key is absent or expired. It reports whether the value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// New builds the Store selected by cfg.Driver.
func New(log logrus.FieldLogger, cfg *config.KVConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres":
		return NewGormStore(log, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported kv driver: %s", cfg.Driver)
	}
}

// IsStorageError reports whether err is a backend outage or corruption, as
// opposed to a missing key or a caller mistake.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrCorrupt)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
