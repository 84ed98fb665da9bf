package runs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sitewright/sitewright/pkg/kv"
	"github.com/sitewright/sitewright/pkg/runs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateRunValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		projectID string
		prompt    string
		wantMsg   string
	}{
		{name: "empty prompt", projectID: "p1", prompt: "", wantMsg: "Missing prompt"},
		{name: "whitespace prompt", projectID: "p1", prompt: "  \n\t", wantMsg: "Missing prompt"},
		{name: "missing project", projectID: "", prompt: "Build me a bakery site", wantMsg: "Missing projectId"},
		{name: "project with separator", projectID: "a:b", prompt: "x", wantMsg: "Invalid projectId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, err := h.store.CreateRun(ctx, tt.projectID, tt.prompt)
			require.Error(t, err)
			assert.Nil(t, run)
			assert.ErrorIs(t, err, runs.ErrValidation)
			assert.Equal(t, tt.wantMsg, err.Error())
		})
	}

	all, err := h.store.ListRuns(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_CreateRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run := h.createRun(t, "p1", "Build me a bakery site")

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "p1", run.ProjectID)
	assert.Equal(t, runs.StatusQueued, run.Status)
	assert.Equal(t, "Build me a bakery site", run.Prompt)
	assert.Equal(t, runs.SchemaVersion, run.V)
	assert.False(t, run.CreatedAt.IsZero())
	assert.Nil(t, run.StartedAt)
	assert.Nil(t, run.CompletedAt)

	other := h.createRun(t, "p1", "Build me a bakery site")
	assert.NotEqual(t, run.ID, other.ID)
	assert.Greater(t, other.Seq, run.Seq)

	got, err := h.store.GetRun(ctx, "p1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, run.Prompt, got.Prompt)

	_, err = h.store.GetRun(ctx, "p2", run.ID)
	assert.ErrorIs(t, err, runs.ErrNotFound)
}

func TestStore_CreateRunStorageUnavailable(t *testing.T) {
	h := newHarness(t)
	h.kv.broken.Store(true)

	_, err := h.store.CreateRun(context.Background(), "p1", "Build me a bakery site")
	require.Error(t, err)
	assert.True(t, kv.IsStorageError(err))
	assert.False(t, errors.Is(err, runs.ErrValidation))
}

func TestStore_CreateRunEnqueueFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.kv.failSetPrefix = "queue:"

	run, err := h.store.CreateRun(ctx, "p1", "Build me a bakery site")
	require.Error(t, err)
	assert.Nil(t, run)
	assert.True(t, kv.IsStorageError(err))

	all, err := h.store.ListRuns(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, all, "no orphaned queued run is left behind")

	h.kv.failSetPrefix = ""

	retry := h.createRun(t, "p1", "Build me a bakery site")

	summary, err := h.ticker.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, runs.Summary{Processed: 1, Succeeded: 1}, summary)

	got, err := h.store.GetRun(ctx, "p1", retry.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSucceeded, got.Status)
}

func TestStore_ListRunsNewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	empty, err := h.store.ListRuns(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, empty)
	assert.Empty(t, empty)

	first := h.createRun(t, "p1", "one")
	second := h.createRun(t, "p1", "two")
	h.createRun(t, "p2", "elsewhere")
	third := h.createRun(t, "p1", "three")

	all, err := h.store.ListRuns(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, third.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)
	assert.Equal(t, first.ID, all[2].ID)
}

func TestStore_ListRunsHistoryCap(t *testing.T) {
	backend := kv.NewMemoryStore()
	store := runs.NewStore(newLogger(), backend, 2)
	ctx := context.Background()

	for _, p := range []string{"a", "b", "c"} {
		_, err := store.CreateRun(ctx, "p1", p)
		require.NoError(t, err)
	}

	all, err := store.ListRuns(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c", all[0].Prompt)
	assert.Equal(t, "b", all[1].Prompt)
}

func TestStore_LatestRunAndPointer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.LatestRun(ctx, "p1")
	require.ErrorIs(t, err, runs.ErrNotFound)

	_, err = h.store.LastTouched(ctx)
	require.ErrorIs(t, err, runs.ErrNotFound)

	h.createRun(t, "p1", "one")
	latest := h.createRun(t, "p1", "two")
	elsewhere := h.createRun(t, "p2", "three")

	got, err := h.store.LatestRun(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, latest.ID, got.ID)

	ptr, err := h.store.LastTouched(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p2", ptr.ProjectID)
	assert.Equal(t, elsewhere.ID, ptr.RunID)
}

func TestStore_LatestRunFallsBackWhenPointerMissing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.createRun(t, "p1", "one")
	latest := h.createRun(t, "p1", "two")

	require.NoError(t, h.kv.Delete(ctx, "latest-run:p1"))

	got, err := h.store.LatestRun(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, latest.ID, got.ID)
}

func TestStore_SaveRunOverwrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run := h.createRun(t, "p1", "one")
	started := time.Now().UTC()
	run.Status = runs.StatusRunning
	run.StartedAt = &started

	require.NoError(t, h.store.SaveRun(ctx, run))

	got, err := h.store.GetRun(ctx, "p1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))

	invalid := *got
	invalid.Status = runs.StatusSucceeded
	require.Error(t, h.store.SaveRun(ctx, &invalid), "terminal run without completedAt is rejected")
}

func TestStore_CorruptRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run := h.createRun(t, "p1", "one")

	tests := []struct {
		name string
		raw  string
	}{
		{name: "garbage", raw: "not json"},
		{name: "future schema", raw: `{"v":99,"id":"x","projectId":"p1","status":"queued"}`},
		{name: "unknown status", raw: `{"v":1,"id":"x","projectId":"p1","status":"paused"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, h.kv.Set(ctx, "run:p1:"+run.ID, []byte(tt.raw)))

			_, err := h.store.GetRun(ctx, "p1", run.ID)
			require.ErrorIs(t, err, kv.ErrCorrupt)
			assert.False(t, errors.Is(err, runs.ErrNotFound))

			_, err = h.store.ListRuns(ctx, "p1")
			require.ErrorIs(t, err, kv.ErrCorrupt)
		})
	}
}

func TestStore_ListQueuedOldestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.createRun(t, "p2", "one")
	second := h.createRun(t, "p1", "two")
	third := h.createRun(t, "p3", "three")

	queued, err := h.store.ListQueued(ctx, 2)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, first.ID, queued[0].ID)
	assert.Equal(t, second.ID, queued[1].ID)

	// A queue entry whose run moved on is pruned.
	started := time.Now().UTC()
	first.Status = runs.StatusRunning
	first.StartedAt = &started
	require.NoError(t, h.store.SaveRun(ctx, first))

	queued, err = h.store.ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, second.ID, queued[0].ID)
	assert.Equal(t, third.ID, queued[1].ID)

	entries, err := h.kv.List(ctx, "queue:")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	none, err := h.store.ListQueued(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_ListQueuedSkipsCorruptEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.kv.Set(ctx, "queue:00000000000000000000", []byte("???")))
	run := h.createRun(t, "p1", "one")

	queued, err := h.store.ListQueued(ctx, 5)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, run.ID, queued[0].ID)
}

func TestStore_ListQueuedSkipsCorruptRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := h.createRun(t, "p1", "one")
	good := h.createRun(t, "p2", "two")

	require.NoError(t, h.kv.Set(ctx, "run:p1:"+bad.ID, []byte("not json")))

	queued, err := h.store.ListQueued(ctx, 5)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, good.ID, queued[0].ID)
}

func TestStore_ListRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.createRun(t, "p1", "queued")
	running := h.createRun(t, "p2", "running")

	started := time.Now().UTC()
	running.Status = runs.StatusRunning
	running.StartedAt = &started
	require.NoError(t, h.store.SaveRun(ctx, running))

	got, err := h.store.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, running.ID, got[0].ID)
}
