package position

import (
	"context"
	"time"

	"github.com/dca-engine/controlplane/internal/exchange"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CloseAction is one leg the take-profit evaluator decided should close.
type CloseAction struct {
	Leg      model.DCAOrder
	TPTarget decimal.Decimal
}

// EvaluateTakeProfit implements the §4.5 take-profit evaluator across the
// three tp_modes. hybrid is first-trigger-wins: per-leg hits close only the
// matching legs; only when none hit does the function fall back to checking
// the aggregate target.
func EvaluateTakeProfit(group *model.PositionGroup, entryLegs []model.DCAOrder, currentPrice decimal.Decimal) []CloseAction {
	filledUnhit := make([]model.DCAOrder, 0, len(entryLegs))
	for _, leg := range entryLegs {
		if leg.IsEntryLeg() && leg.Status == model.OrderFilled && !leg.TPHit {
			filledUnhit = append(filledUnhit, leg)
		}
	}
	if len(filledUnhit) == 0 {
		return nil
	}

	switch group.TPMode {
	case model.TPModePerLeg:
		return perLegHits(filledUnhit, currentPrice)
	case model.TPModeAggregate:
		return aggregateHits(group, filledUnhit, currentPrice)
	case model.TPModeHybrid:
		if hits := perLegHits(filledUnhit, currentPrice); len(hits) > 0 {
			return hits
		}
		return aggregateHits(group, filledUnhit, currentPrice)
	default:
		return nil
	}
}

func perLegHits(legs []model.DCAOrder, currentPrice decimal.Decimal) []CloseAction {
	var hits []CloseAction
	for _, leg := range legs {
		adjustedTP := leg.AvgFillPrice.Mul(hundred.Add(leg.TPPercent)).Div(hundred)
		if currentPrice.GreaterThanOrEqual(adjustedTP) {
			hits = append(hits, CloseAction{Leg: leg, TPTarget: adjustedTP})
		}
	}
	return hits
}

func aggregateHits(group *model.PositionGroup, legs []model.DCAOrder, currentPrice decimal.Decimal) []CloseAction {
	target := group.WeightedAvgEntry.Mul(hundred.Add(group.TPAggregatePercent)).Div(hundred)
	if currentPrice.LessThan(target) {
		return nil
	}
	hits := make([]CloseAction, 0, len(legs))
	for _, leg := range legs {
		hits = append(hits, CloseAction{Leg: leg, TPTarget: target})
	}
	return hits
}

// ExecuteTakeProfitCloses submits a close for each hit leg, marks it
// tp_hit=true, and persists a synthetic leg_index=999 DCAOrder carrying the
// TP fill record (excluded from entry-reconciliation queries, §4.9).
func (m *Manager) ExecuteTakeProfitCloses(ctx context.Context, conn exchange.Interface, group *model.PositionGroup, hits []CloseAction, maxSlippagePercent decimal.Decimal) error {
	for _, hit := range hits {
		result, err := m.orders.CloseMarketWithSlippageBound(ctx, conn, group.Symbol, hit.Leg.FilledQuantity, hit.TPTarget, maxSlippagePercent, "warn")
		if err != nil {
			return err
		}

		hit.Leg.TPHit = true
		hit.Leg.UpdatedAt = time.Now()
		if err := m.db.DCAOrders.Update(nil, &hit.Leg); err != nil {
			return err
		}

		realized := result.ExitPrice.Sub(hit.Leg.AvgFillPrice).Mul(result.Filled).Sub(result.Fee)
		group.RealizedPnLUSD = group.RealizedPnLUSD.Add(realized)

		tpFill := &model.DCAOrder{
			ID:             uuid.NewString(),
			GroupID:        group.ID,
			PyramidID:      hit.Leg.PyramidID,
			LegIndex:       model.TPFillLegIndex,
			Side:           model.SideSell,
			OrderType:      "market",
			Price:          result.ExitPrice,
			Quantity:       result.Filled,
			FilledQuantity: result.Filled,
			AvgFillPrice:   result.ExitPrice,
			Fee:            result.Fee,
			FeeCurrency:    result.FeeCurrency,
			Status:         model.OrderFilled,
			TPHit:          true,
		}
		if err := m.db.DCAOrders.Create(nil, tpFill); err != nil {
			return err
		}
	}
	group.UpdatedAt = time.Now()
	return m.db.PositionGroups.Update(group)
}
