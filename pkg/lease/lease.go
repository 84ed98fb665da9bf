// Package lease implements named, time-bounded mutual exclusion on top of the
// key-value store's atomic set-if-absent primitive.
package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/kv"
)

// SchemaVersion is the current version of stored Lease records.
const SchemaVersion = 1

// TickName is the lease that serializes tick batches system-wide.
const TickName = "runs-tick"

// RunName returns the lease name guarding a single run.
func RunName(runID string) string {
	return "run:" + runID
}

// Lease is the record stored under lease:{name} while the lease is held.
type Lease struct {
	V          int       `json:"v"`
	Name       string    `json:"name"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// SchemaVersion implements kv.Record.
func (l *Lease) SchemaVersion() int { return l.V }

// Validate implements kv.Record.
func (l *Lease) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("lease name is empty")
	}

	return nil
}

// Manager acquires and releases named leases.
type Manager interface {
	// Acquire reports whether the caller now holds the named lease. A storage
	// failure is returned as an error and never reported as acquired.
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// Release drops the named lease. Releasing an expired or missing lease
	// is a no-op.
	Release(ctx context.Context, name string) error
}

// Compile-time interface check.
var _ Manager = (*manager)(nil)

type manager struct {
	log    logrus.FieldLogger
	store  kv.Store
	holder string
	now    func() time.Time
}

// NewManager creates a Manager storing leases in store.
func NewManager(log logrus.FieldLogger, store kv.Store) Manager {
	return &manager{
		log:    log.WithField("component", "lease"),
		store:  store,
		holder: uuid.NewString(),
		now:    time.Now,
	}
}

func key(name string) string {
	return "lease:" + name
}

// Acquire stores the lease with a single SetNX; there is no read before the
// write.
func (m *manager) Acquire(
	ctx context.Context, name string, ttl time.Duration,
) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("acquiring lease %s: ttl must be positive", name)
	}

	now := m.now().UTC()

	data, err := json.Marshal(&Lease{
		V:          SchemaVersion,
		Name:       name,
		Holder:     m.holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	})
	if err != nil {
		return false, fmt.Errorf("encoding lease %s: %w", name, err)
	}

	ok, err := m.store.SetNX(ctx, key(name), data, ttl)
	if err != nil {
		return false, fmt.Errorf("acquiring lease %s: %w", name, err)
	}

	m.log.WithFields(logrus.Fields{
		"lease":    name,
		"acquired": ok,
		"ttl":      ttl.String(),
	}).Debug("Lease acquire attempted")

	return ok, nil
}

// Release deletes the lease key unconditionally.
func (m *manager) Release(ctx context.Context, name string) error {
	if err := m.store.Delete(ctx, key(name)); err != nil {
		return fmt.Errorf("releasing lease %s: %w", name, err)
	}

	return nil
}

// Inspect returns the lease currently stored under name, or kv.ErrNotFound.
func Inspect(ctx context.Context, store kv.Store, name string) (*Lease, error) {
	var l Lease
	if err := kv.GetRecord(ctx, store, key(name), &l, SchemaVersion); err != nil {
		return nil, err
	}

	return &l, nil
}
