package risk

import (
	"testing"

	"github.com/dca-engine/controlplane/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func rule(step, minNotional float64) model.PrecisionRule {
	return model.PrecisionRule{
		StepSize: decimal.NewFromFloat(step), TickSize: decimal.NewFromFloat(0.01),
		MinQty: decimal.NewFromFloat(step), MinNotional: decimal.NewFromFloat(minNotional),
	}
}

func TestCalculatePartialCloseQuantities_SizesWithinAvailableProfit(t *testing.T) {
	winners := []model.PositionGroup{
		{ID: "w1", Symbol: "ETHUSDT", WeightedAvgEntry: decimal.NewFromInt(2000), UnrealizedPnLUSD: decimal.NewFromFloat(100), TotalFilledQty: decimal.NewFromFloat(1)},
	}
	prices := map[string]decimal.Decimal{"ETHUSDT": decimal.NewFromInt(2100)}
	precision := map[string]model.PrecisionRule{"ETHUSDT": rule(0.001, 10)}

	plan := CalculatePartialCloseQuantities(winners, prices, precision, decimal.NewFromFloat(50))

	require.Len(t, plan, 1)
	require.True(t, plan[0].Quantity.LessThanOrEqual(decimal.NewFromFloat(1)))
	require.True(t, plan[0].Quantity.GreaterThan(decimal.Zero))
	// cash_to_take is capped at remainingUSD (50), so quantity ~= 50/2100 rounded to step
	require.True(t, plan[0].Quantity.LessThanOrEqual(decimal.NewFromFloat(0.024)))
}

func TestCalculatePartialCloseQuantities_SkipsWinnerBelowMinNotional(t *testing.T) {
	winners := []model.PositionGroup{
		{ID: "w1", Symbol: "ETHUSDT", WeightedAvgEntry: decimal.NewFromInt(2000), UnrealizedPnLUSD: decimal.NewFromFloat(10), TotalFilledQty: decimal.NewFromFloat(1)},
	}
	prices := map[string]decimal.Decimal{"ETHUSDT": decimal.NewFromInt(2001)}
	precision := map[string]model.PrecisionRule{"ETHUSDT": rule(0.001, 50)}

	plan := CalculatePartialCloseQuantities(winners, prices, precision, decimal.NewFromFloat(50))

	require.Len(t, plan, 0)
}

func TestCalculatePartialCloseQuantities_SkipsWinnerWithNoProfitPerUnit(t *testing.T) {
	winners := []model.PositionGroup{
		{ID: "w1", Symbol: "ETHUSDT", WeightedAvgEntry: decimal.NewFromInt(2000), UnrealizedPnLUSD: decimal.NewFromFloat(50), TotalFilledQty: decimal.NewFromFloat(1)},
	}
	prices := map[string]decimal.Decimal{"ETHUSDT": decimal.NewFromInt(1900)} // price below entry
	precision := map[string]model.PrecisionRule{"ETHUSDT": rule(0.001, 10)}

	plan := CalculatePartialCloseQuantities(winners, prices, precision, decimal.NewFromFloat(50))

	require.Len(t, plan, 0)
}

func TestCalculatePartialCloseQuantities_StopsOnceRemainingCovered(t *testing.T) {
	winners := []model.PositionGroup{
		{ID: "w1", Symbol: "ETHUSDT", WeightedAvgEntry: decimal.NewFromInt(2000), UnrealizedPnLUSD: decimal.NewFromFloat(200), TotalFilledQty: decimal.NewFromFloat(1)},
		{ID: "w2", Symbol: "SOLUSDT", WeightedAvgEntry: decimal.NewFromInt(100), UnrealizedPnLUSD: decimal.NewFromFloat(200), TotalFilledQty: decimal.NewFromFloat(10)},
	}
	prices := map[string]decimal.Decimal{
		"ETHUSDT": decimal.NewFromInt(2100),
		"SOLUSDT": decimal.NewFromInt(110),
	}
	precision := map[string]model.PrecisionRule{
		"ETHUSDT": rule(0.001, 10),
		"SOLUSDT": rule(0.01, 10),
	}

	// requiredUSD exactly covered by the first winner's rounded contribution.
	plan := CalculatePartialCloseQuantities(winners, prices, precision, decimal.NewFromFloat(18.9))

	require.Len(t, plan, 1)
	require.Equal(t, "w1", plan[0].Group.ID)
}
