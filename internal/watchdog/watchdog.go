// Package watchdog monitors the engine's background tasks (Queue Manager,
// Order Fill Monitor, Risk Engine) and restarts
// whichever one goes stale, within a bounded retry budget (§4.11).
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/dca-engine/controlplane/internal/config"
	"github.com/rs/zerolog/log"
)

// Health is a monitored task's health state.
type Health string

const (
	HealthHealthy Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthStalled Health = "stalled"
	HealthCrashed Health = "crashed"
	HealthStopped Health = "stopped"
	HealthUnknown Health = "unknown"
)

// Status is the point-in-time snapshot of one registered task.
type Status struct {
	Name          string
	Health        Health
	LastHeartbeat time.Time
	ErrorCount    int
	RestartCount  int
	LastError     string
	StartedAt     time.Time
}

type task struct {
	name       string
	start      func(ctx context.Context) error
	stop       func()
	healthFn   func() (heartbeat time.Time, errorCount int, lastErr string, ok bool)
	critical   bool
	status     Status
	restarts   []time.Time
}

// Watchdog runs the §4.11 monitoring loop on the leader only — a follower
// has nothing running to supervise.
type Watchdog struct {
	cfg       config.WatchdogConfig
	mu        sync.Mutex
	tasks     map[string]*task
	onRestart func(taskName string)
}

func New(cfg config.WatchdogConfig) *Watchdog {
	return &Watchdog{cfg: cfg, tasks: make(map[string]*task)}
}

// OnRestart registers a callback fired after a task is successfully
// restarted, used to feed an operator notification channel.
func (w *Watchdog) OnRestart(fn func(taskName string)) { w.onRestart = fn }

// Register adds a task to supervise. healthFn is polled once per check
// interval; it should report the task's own last-heartbeat time (typically
// fed by that task's OnHeartbeat callback) and any accumulated error count.
func (w *Watchdog) Register(name string, start func(ctx context.Context) error, stop func(), healthFn func() (time.Time, int, string, bool), critical bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks[name] = &task{
		name: name, start: start, stop: stop, healthFn: healthFn, critical: critical,
		status: Status{Name: name, Health: HealthUnknown, StartedAt: time.Now()},
	}
}

// Run blocks running the check loop until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkAll(ctx)
		}
	}
}

func (w *Watchdog) checkAll(ctx context.Context) {
	w.mu.Lock()
	names := make([]string, 0, len(w.tasks))
	for name := range w.tasks {
		names = append(names, name)
	}
	w.mu.Unlock()

	for _, name := range names {
		w.checkOne(ctx, name)
	}
}

func (w *Watchdog) checkOne(ctx context.Context, name string) {
	w.mu.Lock()
	t, ok := w.tasks[name]
	w.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now()
	prev := t.status.Health

	if t.healthFn != nil {
		if heartbeat, errCount, lastErr, reported := t.healthFn(); reported {
			t.status.LastHeartbeat = heartbeat
			t.status.ErrorCount = errCount
			t.status.LastError = lastErr

			switch {
			case !heartbeat.IsZero() && now.Sub(heartbeat) > w.cfg.HeartbeatTimeout:
				t.status.Health = HealthStalled
			case errCount >= w.cfg.ErrorThreshold:
				t.status.Health = HealthDegraded
			default:
				t.status.Health = HealthHealthy
			}
		} else {
			t.status.Health = HealthUnknown
		}
	} else if !t.status.LastHeartbeat.IsZero() && now.Sub(t.status.LastHeartbeat) > w.cfg.HeartbeatTimeout {
		t.status.Health = HealthStalled
	}

	if prev != t.status.Health {
		event := log.Info()
		if t.status.Health == HealthStalled || t.status.Health == HealthCrashed || t.status.Health == HealthDegraded {
			event = log.Warn()
		}
		event.Str("task", name).Str("from", string(prev)).Str("to", string(t.status.Health)).Msg("watchdog: task health changed")
	}

	if t.critical && (t.status.Health == HealthStalled || t.status.Health == HealthCrashed) {
		w.restart(ctx, t)
	}
}

// restart enforces the §4.11 bounded-restart policy: at most max_restarts
// within a restart_cooldown*max_restarts sliding window, with a per-restart
// cooldown on top of that.
func (w *Watchdog) restart(ctx context.Context, t *task) {
	now := time.Now()
	windowStart := now.Add(-w.cfg.RestartCooldown * time.Duration(w.cfg.MaxRestarts))
	kept := t.restarts[:0]
	for _, ts := range t.restarts {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	t.restarts = kept

	if len(t.restarts) >= w.cfg.MaxRestarts {
		log.Error().Str("task", t.name).Int("max_restarts", w.cfg.MaxRestarts).
			Msg("watchdog: task exceeded max restarts, manual intervention required")
		return
	}
	if len(t.restarts) > 0 && now.Sub(t.restarts[len(t.restarts)-1]) < w.cfg.RestartCooldown {
		return
	}

	log.Warn().Str("task", t.name).Msg("watchdog: restarting unhealthy task")
	if t.stop != nil {
		t.stop()
	}
	time.Sleep(time.Second)
	if t.start == nil {
		log.Error().Str("task", t.name).Msg("watchdog: no start function registered")
		return
	}
	if err := t.start(ctx); err != nil {
		log.Error().Err(err).Str("task", t.name).Msg("watchdog: restart failed")
		return
	}
	t.status.RestartCount++
	t.status.StartedAt = now
	t.restarts = append(t.restarts, now)
	log.Info().Str("task", t.name).Int("restart_count", t.status.RestartCount).Msg("watchdog: task restarted")
	if w.onRestart != nil {
		w.onRestart(t.name)
	}
}

// Summary backs the §6.2 /health/comprehensive operator endpoint.
func (w *Watchdog) Summary() map[string]Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]Status, len(w.tasks))
	for name, t := range w.tasks {
		out[name] = t.status
	}
	return out
}
