package risk

import (
	"testing"
	"time"

	"github.com/dca-engine/controlplane/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestUpdateRiskTimer_StartsWhenPyramidsCompleteAndLossExceeded(t *testing.T) {
	now := time.Now()
	group := &model.PositionGroup{
		PyramidCount: 3, TotalDCALegs: 9, FilledDCALegs: 9,
		UnrealizedPnLPct: decimal.NewFromFloat(-6),
	}
	changed := UpdateRiskTimer(group, decimal.NewFromFloat(-5), 3, 15, now)

	require.True(t, changed)
	require.NotNil(t, group.RiskTimerStart)
	require.NotNil(t, group.RiskTimerExpires)
	require.False(t, group.RiskEligible)
	require.Equal(t, now.Add(15*time.Minute), *group.RiskTimerExpires)
}

func TestUpdateRiskTimer_NoOpWhenPyramidsIncomplete(t *testing.T) {
	group := &model.PositionGroup{
		PyramidCount: 1, TotalDCALegs: 9, FilledDCALegs: 3,
		UnrealizedPnLPct: decimal.NewFromFloat(-10),
	}
	changed := UpdateRiskTimer(group, decimal.NewFromFloat(-5), 3, 15, time.Now())

	require.False(t, changed)
	require.Nil(t, group.RiskTimerStart)
}

func TestUpdateRiskTimer_BecomesEligibleOncePastExpiry(t *testing.T) {
	now := time.Now()
	started := now.Add(-20 * time.Minute)
	expired := now.Add(-5 * time.Minute)
	group := &model.PositionGroup{
		PyramidCount: 3, TotalDCALegs: 9, FilledDCALegs: 9,
		UnrealizedPnLPct: decimal.NewFromFloat(-8),
		RiskTimerStart:   &started,
		RiskTimerExpires: &expired,
	}
	changed := UpdateRiskTimer(group, decimal.NewFromFloat(-5), 3, 15, now)

	require.True(t, changed)
	require.True(t, group.RiskEligible)
}

func TestUpdateRiskTimer_ResetsWhenLossRecovers(t *testing.T) {
	now := time.Now()
	started := now.Add(-5 * time.Minute)
	expires := now.Add(10 * time.Minute)
	group := &model.PositionGroup{
		PyramidCount: 3, TotalDCALegs: 9, FilledDCALegs: 9,
		UnrealizedPnLPct: decimal.NewFromFloat(2),
		RiskTimerStart:   &started,
		RiskTimerExpires: &expires,
		RiskEligible:     false,
	}
	changed := UpdateRiskTimer(group, decimal.NewFromFloat(-5), 3, 15, now)

	require.True(t, changed)
	require.Nil(t, group.RiskTimerStart)
	require.Nil(t, group.RiskTimerExpires)
	require.False(t, group.RiskEligible)
}

func TestRecoverStuckClosingPosition_RevertsToActiveWhenQuantityRemains(t *testing.T) {
	now := time.Now()
	startedClosing := now.Add(-5 * time.Minute)
	group := &model.PositionGroup{
		Status:           model.GroupClosing,
		ClosingStartedAt: &startedClosing,
		TotalFilledQty:   decimal.NewFromFloat(0.5),
	}
	changed := RecoverStuckClosingPosition(group, 2*time.Minute, now)

	require.True(t, changed)
	require.Equal(t, model.GroupActive, group.Status)
	require.Nil(t, group.ClosingStartedAt)
}

func TestRecoverStuckClosingPosition_ClosesWhenNoQuantityRemains(t *testing.T) {
	now := time.Now()
	startedClosing := now.Add(-5 * time.Minute)
	group := &model.PositionGroup{
		Status:           model.GroupClosing,
		ClosingStartedAt: &startedClosing,
		TotalFilledQty:   decimal.Zero,
	}
	changed := RecoverStuckClosingPosition(group, 2*time.Minute, now)

	require.True(t, changed)
	require.Equal(t, model.GroupClosed, group.Status)
	require.NotNil(t, group.ClosedAt)
}

func TestRecoverStuckClosingPosition_NoOpBeforeTimeout(t *testing.T) {
	now := time.Now()
	startedClosing := now.Add(-30 * time.Second)
	group := &model.PositionGroup{Status: model.GroupClosing, ClosingStartedAt: &startedClosing}
	changed := RecoverStuckClosingPosition(group, 2*time.Minute, now)

	require.False(t, changed)
	require.Equal(t, model.GroupClosing, group.Status)
}
