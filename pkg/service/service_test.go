package service_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/config"
	"github.com/sitewright/sitewright/pkg/publish"
	"github.com/sitewright/sitewright/pkg/runs"
	"github.com/sitewright/sitewright/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.KV.Driver = "memory"
	cfg.Publish.MaxVersions = 2

	return cfg
}

func TestOpen_CreateTickPublish(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := testConfig(t)
	cfg.Metrics.Enabled = true

	ctx := context.Background()

	svc, err := service.Open(ctx, log, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, svc.Close()) })

	require.NotNil(t, svc.Metrics)

	run, err := svc.Runs.CreateRun(ctx, "p1", "A quiet tea house")
	require.NoError(t, err)

	summary, err := svc.Ticker.Tick(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, runs.Summary{Processed: 1, Succeeded: 1}, summary)

	done, err := svc.Runs.GetRun(ctx, "p1", run.ID)
	require.NoError(t, err)
	require.Equal(t, runs.StatusSucceeded, done.Status)

	for i := 0; i < 3; i++ {
		_, err := svc.Published.Publish(ctx, publish.Request{
			ProjectID: "p1",
			HTML:      done.Output,
			RunID:     done.ID,
		})
		require.NoError(t, err)
	}

	versions, err := svc.Published.ListVersions(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
	assert.Equal(t, int64(3), versions[0].Version)

	sweep, err := svc.Sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, runs.SweepSummary{}, sweep)
}

func TestOpen_MetricsDisabled(t *testing.T) {
	svc, err := service.Open(context.Background(), logrus.New(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	assert.Nil(t, svc.Metrics)
	assert.NotNil(t, svc.Scheduler())
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.KV.Driver = "cassandra"

	_, err := service.Open(context.Background(), logrus.New(), cfg)
	require.Error(t, err)
}

func TestOpen_UnsupportedProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.Provider = "oracle"

	_, err := service.Open(context.Background(), logrus.New(), cfg)
	require.ErrorContains(t, err, "creating generator")
}
