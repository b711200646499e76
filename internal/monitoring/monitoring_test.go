package monitoring_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/bucketcast/internal/database/testutil"
	"github.com/charlesng35/bucketcast/internal/monitoring"
	"github.com/charlesng35/bucketcast/internal/monitoring/checks"
)

func TestHealthManagerEvaluate(t *testing.T) {
	t.Parallel()

	manager := monitoring.NewHealthManager()
	manager.RegisterReadiness(monitoring.NewCheck("database", func(ctx context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{Status: monitoring.StatusUp}
	}))
	manager.RegisterReadiness(monitoring.NewCheck("redis", func(ctx context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: "connection refused"}
	}))

	report := manager.EvaluateReadiness(context.Background())
	require.False(t, report.Success)
	require.Equal(t, monitoring.StatusDown, report.Status)
	require.Len(t, report.Checks, 2)
	require.Equal(t, "redis", report.Checks[1].Component)

	live := manager.EvaluateLiveness(context.Background())
	require.True(t, live.Success)
	require.Empty(t, live.Checks)
}

func TestPanickingProbeIsDown(t *testing.T) {
	t.Parallel()

	manager := monitoring.NewHealthManager()
	manager.RegisterLiveness(monitoring.NewCheck("broken", func(context.Context) monitoring.ProbeResult {
		panic("boom")
	}))

	report := manager.Evaluate(context.Background())
	require.Equal(t, monitoring.StatusDown, report.Status)
	require.Equal(t, "broken", report.Checks[0].Component)
	require.Equal(t, "boom", report.Checks[0].Details)
}

func TestMaintenanceCheck(t *testing.T) {
	t.Parallel()

	tracker := monitoring.NewJobTracker()
	check := checks.Maintenance(tracker, 0)
	require.Equal(t, monitoring.StatusUp, check.Run(context.Background()).Status)

	tracker.Record("retry_sweep", nil, time.Second)
	require.Equal(t, monitoring.StatusUp, check.Run(context.Background()).Status)

	tracker.Record("quota_reset", errors.New("timeout"), time.Second)
	result := check.Run(context.Background())
	require.Equal(t, monitoring.StatusDown, result.Status)
	require.Contains(t, result.Details, "quota_reset: timeout")

	tracker.Record("quota_reset", nil, time.Second)
	jobs := tracker.Jobs()
	require.Len(t, jobs, 2)
	require.Equal(t, "quota_reset", jobs[0].Job)
	require.Zero(t, jobs[0].ConsecutiveFailures)
	require.Equal(t, uint64(2), jobs[0].TotalRuns)
}

func TestDependencyChecks(t *testing.T) {
	t.Parallel()

	db := testutil.MustOpenTestDB(t)
	require.Equal(t, monitoring.StatusUp, checks.Database(db, time.Second).Run(context.Background()).Status)
	require.Equal(t, monitoring.StatusDown, checks.Database(nil, time.Second).Run(context.Background()).Status)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.Equal(t, monitoring.StatusUp, checks.Redis(client, time.Second).Run(context.Background()).Status)

	mr.Close()
	require.NotEqual(t, monitoring.StatusUp, checks.Redis(client, 200*time.Millisecond).Run(context.Background()).Status)
	require.Equal(t, "redis disabled", checks.Redis(nil, 0).Run(context.Background()).Details)
}
