package risk

import (
	"sort"

	"github.com/dca-engine/controlplane/internal/model"
	"github.com/shopspring/decimal"
)

// winnerStatuses are the group statuses eligible to fund a loss offset — a
// winner need not be fully deployed, only holding filled, profitable
// quantity (§4.10 step 3).
var winnerStatuses = map[model.PositionGroupStatus]bool{
	model.GroupLive:            true,
	model.GroupPartiallyFilled: true,
	model.GroupActive:          true,
}

// SelectLoserAndWinners is the pure §4.10 step 3 selection: pick the single
// worst-eligible loser, then greedily fund it from the most profitable
// winners (capped at maxWinnersToCombine). Returns a nil loser when no group
// qualifies, or when the combined winner profit can't cover the loser.
func SelectLoserAndWinners(groups []model.PositionGroup, maxWinnersToCombine int) (*model.PositionGroup, []model.PositionGroup, decimal.Decimal) {
	loser := selectWorstEligibleLoser(groups)
	if loser == nil {
		return nil, nil, decimal.Zero
	}

	requiredUSD := loser.UnrealizedPnLUSD.Abs()

	candidates := make([]model.PositionGroup, 0, len(groups))
	for _, g := range groups {
		if g.ID == loser.ID {
			continue
		}
		if !winnerStatuses[g.Status] {
			continue
		}
		if g.UnrealizedPnLUSD.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if g.TotalFilledQty.LessThanOrEqual(decimal.Zero) {
			continue
		}
		candidates = append(candidates, g)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].UnrealizedPnLUSD.GreaterThan(candidates[j].UnrealizedPnLUSD)
	})
	if maxWinnersToCombine > 0 && len(candidates) > maxWinnersToCombine {
		candidates = candidates[:maxWinnersToCombine]
	}

	combined := decimal.Zero
	for _, g := range candidates {
		combined = combined.Add(g.UnrealizedPnLUSD)
	}
	if combined.LessThan(requiredUSD) {
		return nil, nil, decimal.Zero
	}
	return loser, candidates, requiredUSD
}

// selectWorstEligibleLoser filters to groups eligible for offsetting
// (active, unblocked, pyramids complete, past the risk timer) and picks the
// one with the deepest loss percent, breaking ties by deepest loss in USD,
// then oldest first.
func selectWorstEligibleLoser(groups []model.PositionGroup) *model.PositionGroup {
	var worst *model.PositionGroup
	for i := range groups {
		g := &groups[i]
		if g.Status != model.GroupActive || g.RiskBlocked || g.RiskSkipOnce || !g.RiskEligible {
			continue
		}
		if g.UnrealizedPnLPct.GreaterThanOrEqual(decimal.Zero) {
			continue
		}
		if worst == nil || isWorseLoser(g, worst) {
			worst = g
		}
	}
	return worst
}

func isWorseLoser(candidate, current *model.PositionGroup) bool {
	candidateLoss := candidate.UnrealizedPnLPct.Abs()
	currentLoss := current.UnrealizedPnLPct.Abs()
	if !candidateLoss.Equal(currentLoss) {
		return candidateLoss.GreaterThan(currentLoss)
	}
	candidateUSD := candidate.UnrealizedPnLUSD.Abs()
	currentUSD := current.UnrealizedPnLUSD.Abs()
	if !candidateUSD.Equal(currentUSD) {
		return candidateUSD.GreaterThan(currentUSD)
	}
	return candidate.CreatedAt.Before(current.CreatedAt)
}
