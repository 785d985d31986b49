package watchdog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dca-engine/controlplane/internal/config"
	"github.com/stretchr/testify/require"
)

func testConfig() config.WatchdogConfig {
	return config.WatchdogConfig{
		CheckInterval:    10 * time.Millisecond,
		HeartbeatTimeout: 50 * time.Millisecond,
		MaxRestarts:      2,
		RestartCooldown:  20 * time.Millisecond,
		ErrorThreshold:   3,
	}
}

func TestWatchdog_RestartsStalledCriticalTask(t *testing.T) {
	w := New(testConfig())
	var starts int32
	var heartbeat atomic.Value
	heartbeat.Store(time.Now().Add(-time.Hour)) // already stale

	w.Register("worker",
		func(ctx context.Context) error {
			atomic.AddInt32(&starts, 1)
			heartbeat.Store(time.Now())
			return nil
		},
		nil,
		func() (time.Time, int, string, bool) {
			return heartbeat.Load().(time.Time), 0, "", true
		},
		true,
	)

	w.checkOne(context.Background(), "worker")

	require.Equal(t, int32(1), atomic.LoadInt32(&starts))
	status := w.Summary()["worker"]
	require.Equal(t, 1, status.RestartCount)
}

func TestWatchdog_DoesNotRestartNonCriticalTask(t *testing.T) {
	w := New(testConfig())
	var starts int32
	stale := time.Now().Add(-time.Hour)

	w.Register("noncritical",
		func(ctx context.Context) error { atomic.AddInt32(&starts, 1); return nil },
		nil,
		func() (time.Time, int, string, bool) { return stale, 0, "", true },
		false,
	)

	w.checkOne(context.Background(), "noncritical")

	require.Equal(t, int32(0), atomic.LoadInt32(&starts))
	require.Equal(t, HealthStalled, w.Summary()["noncritical"].Health)
}

func TestWatchdog_StopsRestartingAfterMaxRestarts(t *testing.T) {
	w := New(testConfig())
	var starts int32

	w.Register("flapping",
		func(ctx context.Context) error { atomic.AddInt32(&starts, 1); return nil },
		nil,
		nil,
		true,
	)

	// Seed max_restarts worth of recent restart timestamps, all still
	// within the restart_cooldown*max_restarts window — the budget is spent.
	t0 := time.Now()
	w.mu.Lock()
	w.tasks["flapping"].restarts = []time.Time{t0, t0.Add(time.Millisecond)}
	w.mu.Unlock()

	w.restart(context.Background(), w.tasks["flapping"])

	require.Equal(t, int32(0), atomic.LoadInt32(&starts))
}

func TestWatchdog_HealthyTaskNeverRestarts(t *testing.T) {
	w := New(testConfig())
	var starts int32

	w.Register("healthy",
		func(ctx context.Context) error { atomic.AddInt32(&starts, 1); return nil },
		nil,
		func() (time.Time, int, string, bool) { return time.Now(), 0, "", true },
		true,
	)

	w.checkOne(context.Background(), "healthy")

	require.Equal(t, int32(0), atomic.LoadInt32(&starts))
	require.Equal(t, HealthHealthy, w.Summary()["healthy"].Health)
}
