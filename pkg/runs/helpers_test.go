package runs_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/generate"
	"github.com/sitewright/sitewright/pkg/kv"
	"github.com/sitewright/sitewright/pkg/lease"
	"github.com/sitewright/sitewright/pkg/runs"
	"github.com/stretchr/testify/require"
)

func newLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// fakeGenerator returns a fixed artifact, or err when set.
type fakeGenerator struct {
	mu      sync.Mutex
	calls   int32
	err     error
	prompts []string

	// block, when set, is waited on before returning.
	block chan struct{}

	// entered is closed on the first call.
	entered     chan struct{}
	enteredOnce sync.Once

	// hook runs during generation.
	hook func()
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (generate.Artifact, error) {
	atomic.AddInt32(&g.calls, 1)

	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()

	if g.entered != nil {
		g.enteredOnce.Do(func() { close(g.entered) })
	}

	if g.block != nil {
		<-g.block
	}

	if g.hook != nil {
		g.hook()
	}

	if g.err != nil {
		return generate.Artifact{}, g.err
	}

	return generate.Artifact{
		HTML: "<html><head><title>" + prompt + "</title></head><body><h1>" + prompt + "</h1></body></html>",
		CSS:  "h1 { color: teal; }",
	}, nil
}

func (g *fakeGenerator) Calls() int {
	return int(atomic.LoadInt32(&g.calls))
}

// scriptedLeases wraps a real manager and denies selected acquisitions.
type scriptedLeases struct {
	lease.Manager

	mu     sync.Mutex
	denied map[string]int
	failOn string
}

// deny makes the next n acquisitions of name fail as if already held.
func (l *scriptedLeases) deny(name string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.denied == nil {
		l.denied = make(map[string]int, 1)
	}

	l.denied[name] = n
}

func (l *scriptedLeases) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()

	if l.failOn == name {
		l.mu.Unlock()

		return false, kv.ErrUnavailable
	}

	if l.denied[name] > 0 {
		l.denied[name]--
		l.mu.Unlock()

		return false, nil
	}

	l.mu.Unlock()

	return l.Manager.Acquire(ctx, name, ttl)
}

// flakyKV fails every call once broken is set, and writes to keys starting
// with failSetPrefix.
type flakyKV struct {
	kv.Store
	broken        atomic.Bool
	failSetPrefix string
}

var errBackendDown = errors.New("connection refused")

func (f *flakyKV) check() error {
	if f.broken.Load() {
		return errors.Join(kv.ErrUnavailable, errBackendDown)
	}

	return nil
}

func (f *flakyKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := f.check(); err != nil {
		return nil, err
	}

	return f.Store.Get(ctx, key)
}

func (f *flakyKV) Set(ctx context.Context, key string, value []byte) error {
	if err := f.check(); err != nil {
		return err
	}

	if f.failSetPrefix != "" && strings.HasPrefix(key, f.failSetPrefix) {
		return errors.Join(kv.ErrUnavailable, errBackendDown)
	}

	return f.Store.Set(ctx, key, value)
}

func (f *flakyKV) List(ctx context.Context, prefix string) ([]kv.Entry, error) {
	if err := f.check(); err != nil {
		return nil, err
	}

	return f.Store.List(ctx, prefix)
}

func (f *flakyKV) Incr(ctx context.Context, key string) (int64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}

	return f.Store.Incr(ctx, key)
}

type harness struct {
	kv      *flakyKV
	store   runs.Store
	leases  *scriptedLeases
	gen     *fakeGenerator
	machine runs.Machine
	ticker  runs.Ticker
	sweeper runs.Sweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := newLogger()
	backend := &flakyKV{Store: kv.NewMemoryStore()}
	leases := &scriptedLeases{Manager: lease.NewManager(log, backend)}
	gen := &fakeGenerator{}
	store := runs.NewStore(log, backend, 0)

	machine, err := runs.NewMachine(log, runs.MachineConfig{
		Store:     store,
		Leases:    leases,
		Generator: gen,
		LeaseTTL:  time.Minute,
	})
	require.NoError(t, err)

	return &harness{
		kv:      backend,
		store:   store,
		leases:  leases,
		gen:     gen,
		machine: machine,
		ticker:  runs.NewTicker(log, store, machine, leases, nil, time.Minute),
		sweeper: runs.NewSweeper(log, store, leases, nil, 15*time.Minute, time.Minute),
	}
}

func (h *harness) createRun(t *testing.T, projectID, prompt string) *runs.Run {
	t.Helper()

	run, err := h.store.CreateRun(context.Background(), projectID, prompt)
	require.NoError(t, err)

	return run
}
