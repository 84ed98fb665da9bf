package runs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sitewright/sitewright/pkg/kv"
	"github.com/sitewright/sitewright/pkg/lease"
	"github.com/sitewright/sitewright/pkg/runs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicker_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run := h.createRun(t, "p1", "X")

	summary, err := h.ticker.Tick(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)

	got, err := h.store.GetRun(ctx, "p1", run.ID)
	require.NoError(t, err)
	require.True(t, got.Status.Terminal())
	assert.Equal(t, runs.StatusSucceeded, got.Status)
	assert.NotEmpty(t, got.Output)

	all, err := h.store.ListRuns(ctx, "p1")
	require.NoError(t, err)
	require.NotEmpty(t, all)
	assert.Equal(t, run.ID, all[0].ID)
	assert.Equal(t, runs.StatusSucceeded, all[0].Status)
}

func TestTicker_CorruptRunDoesNotStallQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := h.createRun(t, "p1", "broken")
	good := h.createRun(t, "p2", "healthy")

	require.NoError(t, h.kv.Set(ctx, "run:p1:"+bad.ID, []byte(`{"v":1,"id":"x","projectId":"p1","status":"paused"}`)))

	summary, err := h.ticker.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, runs.Summary{Processed: 1, Succeeded: 1}, summary)

	got, err := h.store.GetRun(ctx, "p2", good.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSucceeded, got.Status)
}

func TestTicker_OldestFirstWithinLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.createRun(t, "p1", "a")
	b := h.createRun(t, "p2", "b")
	c := h.createRun(t, "p1", "c")

	summary, err := h.ticker.Tick(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, runs.Summary{Processed: 2, Succeeded: 2}, summary)
	assert.Equal(t, []string{"a", "b"}, h.gen.prompts)

	for _, r := range []*runs.Run{a, b} {
		got, err := h.store.GetRun(ctx, r.ProjectID, r.ID)
		require.NoError(t, err)
		assert.Equal(t, runs.StatusSucceeded, got.Status)
	}

	pending, err := h.store.GetRun(ctx, "p1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusQueued, pending.Status)
}

func TestTicker_CountsFailures(t *testing.T) {
	h := newHarness(t)
	h.gen.err = errors.New("provider down")

	h.createRun(t, "p1", "a")
	h.createRun(t, "p1", "b")

	summary, err := h.ticker.Tick(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, runs.Summary{Processed: 2, Failed: 2}, summary)
}

func TestTicker_EmptyQueue(t *testing.T) {
	h := newHarness(t)

	summary, err := h.ticker.Tick(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, runs.Summary{}, summary)
}

func TestTicker_SecondConcurrentTickProcessesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run := h.createRun(t, "p1", "x")

	// The first acquire of the batch lease is reported as already held, as
	// it would be while another tick is running.
	h.leases.deny(lease.TickName, 1)

	summary, err := h.ticker.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, runs.Summary{}, summary)
	assert.Equal(t, 0, h.gen.Calls())

	stored, err := h.store.GetRun(ctx, "p1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusQueued, stored.Status, "no run touched")

	summary, err = h.ticker.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
}

func TestTicker_OverlappingTicks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.createRun(t, "p1", "a")
	h.createRun(t, "p1", "b")

	h.gen.block = make(chan struct{})
	h.gen.entered = make(chan struct{})

	var (
		wg    sync.WaitGroup
		first runs.Summary
	)

	wg.Add(1)

	go func() {
		defer wg.Done()

		s, err := h.ticker.Tick(ctx, 10)
		assert.NoError(t, err)

		first = s
	}()

	select {
	case <-h.gen.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first tick never reached generation")
	}

	second, err := h.ticker.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, runs.Summary{}, second)

	close(h.gen.block)
	wg.Wait()

	assert.Equal(t, 2, first.Processed)
	assert.Equal(t, 2, h.gen.Calls())
}

func TestTicker_SkipsBusyRunWithoutCounting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	busy := h.createRun(t, "p1", "busy")
	h.createRun(t, "p1", "free")

	h.leases.deny(lease.RunName(busy.ID), 1)

	summary, err := h.ticker.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, runs.Summary{Processed: 1, Succeeded: 1}, summary)

	stored, err := h.store.GetRun(ctx, "p1", busy.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusQueued, stored.Status)
}

func TestTicker_ReleasesLeaseOnError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.createRun(t, "p1", "x")
	h.kv.broken.Store(true)

	// SetNX and Delete are not affected by the broken flag, so the lease is
	// taken and the queue listing fails.
	_, err := h.ticker.Tick(ctx, 10)
	require.Error(t, err)
	assert.True(t, kv.IsStorageError(err))

	h.kv.broken.Store(false)

	_, err = lease.Inspect(ctx, h.kv, lease.TickName)
	assert.ErrorIs(t, err, kv.ErrNotFound, "tick lease released")

	summary, err := h.ticker.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
}

func TestTicker_LeaseUnavailableFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.createRun(t, "p1", "x")
	h.leases.failOn = lease.TickName

	summary, err := h.ticker.Tick(context.Background(), 10)
	require.Error(t, err)
	assert.Equal(t, runs.Summary{}, summary)
	assert.Equal(t, 0, h.gen.Calls())
}
