// Package leader implements cluster-wide leader election (§4.11, §5): a
// single process among any number of replicas holds the
// "background_task_leader" lock and alone runs the Queue Manager, Order
// Fill Monitor and Risk Engine ticks, renewing the lease until it either
// steps down or loses it.
package leader

import (
	"context"
	"time"

	"github.com/dca-engine/controlplane/internal/config"
	"github.com/dca-engine/controlplane/internal/coordination"
	"github.com/rs/zerolog/log"
)

const lockResource = "background_task_leader"

// Elector holds (or contends for) the cluster-wide leader lock.
type Elector struct {
	locks   *coordination.LockManager
	cfg     config.LeaderConfig
	workerID string

	token    string
	isLeader bool
}

func New(locks *coordination.LockManager, cfg config.LeaderConfig, workerID string) *Elector {
	return &Elector{locks: locks, cfg: cfg, workerID: workerID}
}

// IsLeader reports whether this process currently holds the lock.
func (e *Elector) IsLeader() bool { return e.isLeader }

// Run blocks, contending for leadership and renewing the lease, invoking
// onPromote when this process becomes leader and onDemote when it loses or
// releases leadership. It returns when ctx is cancelled, releasing the lock
// first if held.
func (e *Elector) Run(ctx context.Context, onPromote, onDemote func()) {
	ticker := time.NewTicker(e.cfg.RenewEvery)
	defer ticker.Stop()

	defer func() {
		if e.isLeader {
			_ = e.locks.Release(lockResource, e.token)
			e.isLeader = false
			if onDemote != nil {
				onDemote()
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx, onPromote, onDemote)
		}
	}
}

func (e *Elector) tick(ctx context.Context, onPromote, onDemote func()) {
	if !e.isLeader {
		token, err := e.locks.Acquire(ctx, lockResource, e.cfg.LockTTL, 0)
		if err != nil {
			return
		}
		e.token = token
		e.isLeader = true
		log.Info().Str("worker_id", e.workerID).Msg("leader: acquired leadership")
		if onPromote != nil {
			onPromote()
		}
		return
	}

	if err := e.locks.Extend(lockResource, e.token, e.cfg.LockTTL); err != nil {
		log.Warn().Err(err).Str("worker_id", e.workerID).Msg("leader: lease renewal failed, demoting")
		e.isLeader = false
		e.token = ""
		if onDemote != nil {
			onDemote()
		}
	}
}
