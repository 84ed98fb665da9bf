package kv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a process-local Store. It is used by the memory driver and
// throughout the tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry, 64),
		now:     time.Now,
	}
}

// SetClock replaces the clock used for expiry checks.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now = now
}

// Start is a no-op.
func (m *MemoryStore) Start(_ context.Context) error {
	return nil
}

// Stop is a no-op.
func (m *MemoryStore) Stop() error {
	return nil
}

// Get returns the value stored at key.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.expired(m.now()) {
		return nil, ErrNotFound
	}

	return cloneBytes(e.value), nil
}

// Set stores value at key without expiry.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{value: cloneBytes(value)}

	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)

	return nil
}

// List returns the live entries under prefix ordered by key.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]Entry, 0, 8)

	for key, e := range m.entries {
		if !strings.HasPrefix(key, prefix) || e.expired(now) {
			continue
		}

		out = append(out, Entry{Key: key, Value: cloneBytes(e.value)})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})

	return out, nil
}

// Incr increments the counter at key.
func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64

	if e, ok := m.entries[key]; ok && !e.expired(m.now()) {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incrementing %s: %w: not an integer", key, ErrCorrupt)
		}

		current = n
	}

	current++
	m.entries[key] = memoryEntry{value: []byte(strconv.FormatInt(current, 10))}

	return current, nil
}

// SetNX stores value at key with expiry only if the key is absent or expired.
func (m *MemoryStore) SetNX(
	_ context.Context, key string, value []byte, ttl time.Duration,
) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if e, ok := m.entries[key]; ok && !e.expired(now) {
		return false, nil
	}

	e := memoryEntry{value: cloneBytes(value)}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	m.entries[key] = e

	return true, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}
