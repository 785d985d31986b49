// Package gridcalc computes DCA ladders: given a base price, a side, a
// per-pyramid DCA configuration and exchange precision rules it produces an
// ordered sequence of legs (price, quantity, weight, tp_price). It is a pure,
// deterministic, side-effect-free function — no I/O, no clock reads.
package gridcalc

import (
	"fmt"

	"github.com/dca-engine/controlplane/internal/apperr"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Leg is one resolved rung of a DCA ladder.
type Leg struct {
	LegIndex      int
	Price         decimal.Decimal
	GapPercent    decimal.Decimal
	WeightPercent decimal.Decimal
	TPPercent     decimal.Decimal
	TPPrice       decimal.Decimal
	Quantity      decimal.Decimal
}

// roundTickSizeDown rounds price to the nearest tick_size using round-half-down
// (§4.3 step 2): a price exactly halfway between two ticks resolves to the
// lower tick, anything past the midpoint to the upper one.
func roundTickSizeDown(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	steps := price.Div(tickSize)
	floor := steps.Floor()
	if steps.Sub(floor).GreaterThan(decimal.NewFromFloat(0.5)) {
		floor = floor.Add(decimal.NewFromInt(1))
	}
	return floor.Mul(tickSize)
}

// roundStepSizeDown truncates quantity down to the nearest step_size —
// always floor, never half-up, per the original reference implementation.
func roundStepSizeDown(qty, stepSize decimal.Decimal) decimal.Decimal {
	if stepSize.IsZero() {
		return qty
	}
	steps := qty.Div(stepSize).Floor()
	return steps.Mul(stepSize)
}

// RoundStepDown is the exported form of roundStepSizeDown, shared with
// callers outside this package that need the same step-size truncation
// (e.g. the Risk Engine's partial-close sizing, §4.10).
func RoundStepDown(qty, stepSize decimal.Decimal) decimal.Decimal {
	return roundStepSizeDown(qty, stepSize)
}

// CalculateDCALevels is the §4.3 Grid Calculator. pyramidIndex selects
// config.PyramidSpecificLevels[pyramidIndex] when present, else config.Levels.
func CalculateDCALevels(basePrice decimal.Decimal, config *model.DCAGridConfig, side model.Side, precision model.PrecisionRule, pyramidIndex int) ([]Leg, error) {
	levels := config.LevelsForPyramid(pyramidIndex)
	if len(levels) == 0 {
		return nil, apperr.Validation("dca grid config has no levels for pyramid")
	}

	legs := make([]Leg, 0, len(levels))
	for i, level := range levels {
		dcaPrice := basePrice.Mul(hundred.Add(level.GapPercent)).Div(hundred)
		tpPrice := dcaPrice.Mul(hundred.Add(level.TPPercent)).Div(hundred)

		dcaPrice = roundTickSizeDown(dcaPrice, precision.TickSize)
		tpPrice = roundTickSizeDown(tpPrice, precision.TickSize)

		legCapital := config.TotalCapitalUSD.Mul(level.WeightPercent).Div(hundred)
		if dcaPrice.IsZero() {
			return nil, apperr.Validation(fmt.Sprintf("leg %d resolved to zero price", i))
		}
		quantity := legCapital.Div(dcaPrice)
		quantity = roundStepSizeDown(quantity, precision.StepSize)

		if quantity.LessThan(precision.MinQty) {
			return nil, apperr.Validation(fmt.Sprintf("leg %d quantity %s below min_qty %s", i, quantity, precision.MinQty))
		}
		notional := quantity.Mul(dcaPrice)
		if notional.LessThan(precision.MinNotional) {
			return nil, apperr.Validation(fmt.Sprintf("leg %d notional %s below min_notional %s", i, notional, precision.MinNotional))
		}

		legs = append(legs, Leg{
			LegIndex:      i,
			Price:         dcaPrice,
			GapPercent:    level.GapPercent,
			WeightPercent: level.WeightPercent,
			TPPercent:     level.TPPercent,
			TPPrice:       tpPrice,
			Quantity:      quantity,
		})
	}
	return legs, nil
}

// CalculatePyramidLevels resolves the base price a new pyramid's ladder
// should be anchored to, offset from the group's current market price by
// pyramidGapPercent — used by Position Manager pyramid continuation (§4.5).
func CalculatePyramidLevels(currentPrice, pyramidGapPercent decimal.Decimal, side model.Side, precision model.PrecisionRule) decimal.Decimal {
	basePrice := currentPrice.Mul(hundred.Add(pyramidGapPercent)).Div(hundred)
	return roundTickSizeDown(basePrice, precision.TickSize)
}
