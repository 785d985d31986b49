package risk

import (
	"github.com/dca-engine/controlplane/internal/gridcalc"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/shopspring/decimal"
)

// CloseItem is one winner's contribution to an offset, sized in §4.10 step 4.
type CloseItem struct {
	Group    model.PositionGroup
	Quantity decimal.Decimal
}

// CalculatePartialCloseQuantities is the pure §4.10 step 4 sizing pass:
// given each winner's current price and precision rule, take only what its
// unrealized profit can fund, rounded down to the venue's step_size, and
// stop once remainingUSD is covered. Winners whose contribution would fall
// below min_notional, or whose sizing produces a non-positive quantity, are
// skipped — their profit simply isn't used this cycle.
func CalculatePartialCloseQuantities(winners []model.PositionGroup, prices map[string]decimal.Decimal, precision map[string]model.PrecisionRule, remainingUSD decimal.Decimal) []CloseItem {
	var plan []CloseItem
	remaining := remainingUSD

	for _, w := range winners {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		currentPrice, ok := prices[w.Symbol]
		if !ok || currentPrice.LessThanOrEqual(decimal.Zero) {
			continue
		}
		rule, ok := precision[w.Symbol]
		if !ok {
			continue
		}
		profitPerUnit := currentPrice.Sub(w.WeightedAvgEntry)
		if profitPerUnit.LessThanOrEqual(decimal.Zero) {
			continue
		}

		availableProfit := w.UnrealizedPnLUSD
		maxQtyFromProfit := gridcalc.RoundStepDown(availableProfit.Div(currentPrice), rule.StepSize)
		if maxQtyFromProfit.LessThanOrEqual(decimal.Zero) {
			continue
		}
		maxCashContribution := maxQtyFromProfit.Mul(currentPrice)

		cashToTake := maxCashContribution
		if remaining.LessThan(cashToTake) {
			cashToTake = remaining
		}
		if cashToTake.LessThanOrEqual(decimal.Zero) {
			continue
		}

		quantity := gridcalc.RoundStepDown(cashToTake.Div(currentPrice), rule.StepSize)
		if quantity.LessThanOrEqual(decimal.Zero) || quantity.GreaterThan(w.TotalFilledQty) {
			continue
		}
		notional := quantity.Mul(currentPrice)
		if notional.LessThan(rule.MinNotional) {
			continue
		}

		plan = append(plan, CloseItem{Group: w, Quantity: quantity})
		remaining = remaining.Sub(notional)
	}
	return plan
}
