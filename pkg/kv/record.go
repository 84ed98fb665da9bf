package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Record is a stored value tagged with a schema version.
type Record interface {
	// SchemaVersion returns the version carried by the decoded value.
	SchemaVersion() int

	// Validate checks the decoded value is well formed.
	Validate() error
}

// PutRecord encodes rec as JSON and stores it at key.
func PutRecord(ctx context.Context, s Store, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	return s.Set(ctx, key, data)
}

// GetRecord loads key into rec and checks its schema version. A value that
// fails to decode, carries another version, or fails validation is reported
// as ErrCorrupt.
func GetRecord(ctx context.Context, s Store, key string, rec Record, version int) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	return DecodeRecord(key, data, rec, version)
}

// DecodeRecord decodes data into rec and checks its schema version.
func DecodeRecord(key string, data []byte, rec Record, version int) error {
	if err := json.Unmarshal(data, rec); err != nil {
		return fmt.Errorf("decoding %s: %w: %w", key, ErrCorrupt, err)
	}

	if got := rec.SchemaVersion(); got != version {
		return fmt.Errorf(
			"decoding %s: %w: schema version %d, want %d",
			key, ErrCorrupt, got, version,
		)
	}

	if err := rec.Validate(); err != nil {
		return fmt.Errorf("decoding %s: %w: %w", key, ErrCorrupt, err)
	}

	return nil
}

// GetString returns the value at key as a string. A missing key yields an
// empty string and a nil error.
func GetString(ctx context.Context, s Store, key string) (string, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}

	if err != nil {
		return "", err
	}

	return string(data), nil
}
