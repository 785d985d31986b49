package risk

import (
	"time"

	"github.com/dca-engine/controlplane/internal/model"
	"github.com/shopspring/decimal"
)

// UpdateRiskTimer implements §4.10 step 2: start the post-pyramids wait timer
// once a group's pyramids are complete and its loss exceeds the configured
// threshold, flip RiskEligible once the wait elapses, and reset the timer the
// moment the group recovers (no longer pyramids-complete, or no longer
// losing). Returns whether the group changed.
func UpdateRiskTimer(group *model.PositionGroup, lossThresholdPercent decimal.Decimal, requiredPyramids, postPyramidsWaitMinutes int, now time.Time) bool {
	pyramidsComplete := group.PyramidsComplete(requiredPyramids)
	lossExceeded := group.UnrealizedPnLPct.LessThanOrEqual(lossThresholdPercent)
	lossStillNegative := group.UnrealizedPnLPct.LessThan(decimal.Zero)

	if group.RiskTimerStart == nil {
		if !pyramidsComplete || !lossExceeded {
			return false
		}
		expires := now.Add(time.Duration(postPyramidsWaitMinutes) * time.Minute)
		group.RiskTimerStart = &now
		group.RiskTimerExpires = &expires
		group.RiskEligible = false
		return true
	}

	if pyramidsComplete && lossStillNegative {
		if !group.RiskEligible && group.RiskTimerExpires != nil && !now.Before(*group.RiskTimerExpires) {
			group.RiskEligible = true
			return true
		}
		return false
	}

	// Conditions no longer hold: the group recovered before the timer fired.
	group.RiskTimerStart = nil
	group.RiskTimerExpires = nil
	group.RiskEligible = false
	return true
}

// RecoverStuckClosingPosition implements §4.10 step 1: a group that has sat
// in `closing` past closingStuckTimeout either reverts to `active` (it still
// holds filled quantity — the close attempt must have failed partway) or is
// finalized as `closed` (nothing left to close). Returns whether it changed.
func RecoverStuckClosingPosition(group *model.PositionGroup, closingStuckTimeout time.Duration, now time.Time) bool {
	closingSince := group.UpdatedAt
	if group.ClosingStartedAt != nil {
		closingSince = *group.ClosingStartedAt
	}
	if now.Sub(closingSince) < closingStuckTimeout {
		return false
	}

	if group.TotalFilledQty.GreaterThan(decimal.Zero) {
		group.Status = model.GroupActive
		group.ClosingStartedAt = nil
		group.RiskTimerStart = nil
		group.RiskTimerExpires = nil
		group.RiskEligible = false
		return true
	}
	group.Status = model.GroupClosed
	group.ClosedAt = &now
	return true
}
