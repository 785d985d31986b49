package risk

import (
	"testing"
	"time"

	"github.com/dca-engine/controlplane/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func eligibleLoser(id string, lossPct, lossUSD float64, createdAt time.Time) model.PositionGroup {
	return model.PositionGroup{
		ID: id, Status: model.GroupActive, RiskEligible: true,
		UnrealizedPnLPct: decimal.NewFromFloat(lossPct),
		UnrealizedPnLUSD: decimal.NewFromFloat(lossUSD),
		CreatedAt:        createdAt,
	}
}

func winner(id, symbol string, profitUSD float64) model.PositionGroup {
	return model.PositionGroup{
		ID: id, Symbol: symbol, Status: model.GroupActive,
		UnrealizedPnLUSD: decimal.NewFromFloat(profitUSD),
		TotalFilledQty:   decimal.NewFromFloat(1),
	}
}

func TestSelectLoserAndWinners_PicksDeepestLossPercent(t *testing.T) {
	now := time.Now()
	groups := []model.PositionGroup{
		eligibleLoser("shallow", -5, -50, now),
		eligibleLoser("deep", -20, -30, now),
		winner("w1", "ETHUSDT", 100),
	}

	loser, winners, required := SelectLoserAndWinners(groups, 3)

	require.NotNil(t, loser)
	require.Equal(t, "deep", loser.ID)
	require.Len(t, winners, 1)
	require.True(t, required.Equal(decimal.NewFromFloat(30)))
}

func TestSelectLoserAndWinners_IgnoresIneligibleLosers(t *testing.T) {
	groups := []model.PositionGroup{
		{ID: "blocked", Status: model.GroupActive, RiskEligible: true, RiskBlocked: true, UnrealizedPnLPct: decimal.NewFromFloat(-10)},
		{ID: "skip", Status: model.GroupActive, RiskEligible: true, RiskSkipOnce: true, UnrealizedPnLPct: decimal.NewFromFloat(-10)},
		{ID: "not_ready", Status: model.GroupActive, RiskEligible: false, UnrealizedPnLPct: decimal.NewFromFloat(-10)},
		winner("w1", "ETHUSDT", 100),
	}

	loser, winners, _ := SelectLoserAndWinners(groups, 3)

	require.Nil(t, loser)
	require.Nil(t, winners)
}

func TestSelectLoserAndWinners_AbortsWhenWinnersCannotCoverLoss(t *testing.T) {
	now := time.Now()
	groups := []model.PositionGroup{
		eligibleLoser("deep", -20, -1000, now),
		winner("w1", "ETHUSDT", 5),
	}

	loser, winners, _ := SelectLoserAndWinners(groups, 3)

	require.Nil(t, loser)
	require.Nil(t, winners)
}

func TestSelectLoserAndWinners_CapsAtMaxWinnersAndSortsDescending(t *testing.T) {
	now := time.Now()
	groups := []model.PositionGroup{
		eligibleLoser("deep", -20, -30, now),
		winner("small", "ETHUSDT", 10),
		winner("big", "SOLUSDT", 25),
		winner("mid", "BNBUSDT", 15),
	}

	loser, winners, required := SelectLoserAndWinners(groups, 2)

	require.NotNil(t, loser)
	require.Len(t, winners, 2)
	require.Equal(t, "big", winners[0].ID)
	require.Equal(t, "mid", winners[1].ID)
	require.True(t, required.Equal(decimal.NewFromFloat(30)))
}
