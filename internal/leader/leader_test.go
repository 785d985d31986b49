package leader

import (
	"context"
	"testing"
	"time"

	"github.com/dca-engine/controlplane/internal/config"
	"github.com/dca-engine/controlplane/internal/coordination"
	"github.com/stretchr/testify/require"
)

func TestElector_AcquiresAndRenewsLeadership(t *testing.T) {
	locks := coordination.NewLockManager(time.Millisecond)
	cfg := config.LeaderConfig{LockTTL: time.Second, RenewEvery: 10 * time.Millisecond}
	e := New(locks, cfg, "worker-a")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	promotions := 0
	e.Run(ctx, func() { promotions++ }, func() {})

	require.Equal(t, 1, promotions)
	require.False(t, e.IsLeader()) // released on ctx cancellation
}

func TestElector_SecondContenderDoesNotBecomeLeaderWhileFirstHoldsLock(t *testing.T) {
	locks := coordination.NewLockManager(time.Millisecond)
	cfg := config.LeaderConfig{LockTTL: time.Second, RenewEvery: 10 * time.Millisecond}

	a := New(locks, cfg, "worker-a")
	b := New(locks, cfg, "worker-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.tick(ctx, func() {}, func() {})
	require.True(t, a.IsLeader())

	bPromoted := false
	b.tick(ctx, func() { bPromoted = true }, func() {})

	require.False(t, bPromoted)
	require.False(t, b.IsLeader())
}
