package orderservice

import (
	"context"
	"testing"

	"github.com/dca-engine/controlplane/internal/exchange"
	"github.com/dca-engine/controlplane/internal/mockexchange"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/dca-engine/controlplane/internal/repo"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newFilledLeg(t *testing.T, db *repo.DB) *model.DCAOrder {
	t.Helper()
	leg := &model.DCAOrder{
		ID:             uuid.NewString(),
		GroupID:        uuid.NewString(),
		Side:           model.SideBuy,
		OrderType:      "limit",
		Price:          decimal.NewFromInt(100),
		Quantity:       decimal.NewFromInt(1),
		TPPercent:      decimal.NewFromInt(2),
		TPPrice:        decimal.NewFromFloat(102),
		Status:         model.OrderFilled,
		FilledQuantity: decimal.NewFromInt(1),
		AvgFillPrice:   decimal.NewFromInt(100),
	}
	require.NoError(t, db.DCAOrders.Create(nil, leg))
	return leg
}

func TestPlaceTakeProfit_PlacesRestingOrderWhenNoneExists(t *testing.T) {
	db, err := repo.Open(":memory:")
	require.NoError(t, err)
	svc := New(db)

	mock := mockexchange.New()
	mock.SetPrice("BTCUSDT", decimal.NewFromInt(100))
	conn, err := mockexchange.NewFactory(mock)(model.VenueCredential{})
	require.NoError(t, err)

	leg := newFilledLeg(t, db)
	require.NoError(t, svc.PlaceTakeProfit(context.Background(), conn, leg, "BTCUSDT", decimal.NewFromFloat(0.01)))

	require.NotEmpty(t, leg.TPOrderID)
	open, err := conn.FetchOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, model.SideSell, open[0].Side)
	require.True(t, open[0].Price.Equal(decimal.NewFromFloat(102)))
}

func TestPlaceTakeProfit_AdoptsExistingMatchingOrderInsteadOfDuplicating(t *testing.T) {
	db, err := repo.Open(":memory:")
	require.NoError(t, err)
	svc := New(db)

	mock := mockexchange.New()
	mock.SetPrice("BTCUSDT", decimal.NewFromInt(100))
	conn, err := mockexchange.NewFactory(mock)(model.VenueCredential{})
	require.NoError(t, err)

	// Simulate a prior run that placed the TP order on venue but crashed
	// before committing tp_order_id locally.
	price := decimal.NewFromFloat(102)
	existing, err := conn.PlaceOrder(context.Background(), "BTCUSDT", exchange.OrderTypeLimit, model.SideSell, decimal.NewFromInt(1), &price)
	require.NoError(t, err)

	leg := newFilledLeg(t, db)
	require.NoError(t, svc.PlaceTakeProfit(context.Background(), conn, leg, "BTCUSDT", decimal.NewFromFloat(0.01)))

	require.Equal(t, existing.ID, leg.TPOrderID)

	open, err := conn.FetchOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1, "dedup safeguard must not place a second TP order")
}

func TestPlaceTakeProfit_NoOpWhenAlreadyResolved(t *testing.T) {
	db, err := repo.Open(":memory:")
	require.NoError(t, err)
	svc := New(db)

	mock := mockexchange.New()
	conn, err := mockexchange.NewFactory(mock)(model.VenueCredential{})
	require.NoError(t, err)

	leg := newFilledLeg(t, db)
	leg.TPOrderID = "already-set"
	require.NoError(t, svc.PlaceTakeProfit(context.Background(), conn, leg, "BTCUSDT", decimal.NewFromFloat(0.01)))

	open, err := conn.FetchOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Empty(t, open)
}
