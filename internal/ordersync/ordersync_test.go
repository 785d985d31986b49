package ordersync

import (
	"context"
	"testing"
	"time"

	"github.com/dca-engine/controlplane/internal/coordination"
	"github.com/dca-engine/controlplane/internal/exchange"
	"github.com/dca-engine/controlplane/internal/mockexchange"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/dca-engine/controlplane/internal/orderservice"
	"github.com/dca-engine/controlplane/internal/position"
	"github.com/dca-engine/controlplane/internal/repo"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestHarness(t *testing.T) (*repo.DB, *position.Manager, *orderservice.Service, *mockexchange.Exchange, exchange.Interface) {
	t.Helper()
	db, err := repo.Open(":memory:")
	require.NoError(t, err)

	mock := mockexchange.New()
	mock.SetPrecision("BTCUSDT", model.PrecisionRule{
		TickSize: decimal.NewFromFloat(0.01), StepSize: decimal.NewFromFloat(0.0001),
		MinQty: decimal.NewFromFloat(0.0001), MinNotional: decimal.NewFromInt(10),
	})
	mock.SetPrice("BTCUSDT", decimal.NewFromInt(50100))

	locks := coordination.NewLockManager(10 * time.Millisecond)
	orders := orderservice.New(db)
	gateway := exchange.NewGateway(exchange.DefaultCircuitBreakerConfig(), 5*time.Minute, mockexchange.NewFactory(mock))
	pm := position.New(db, locks, orders, gateway)

	conn, err := gateway.Get("mock", model.VenueCredential{})
	require.NoError(t, err)

	return db, pm, orders, mock, conn
}

func makeLiveGroup(t *testing.T, db *repo.DB, pm *position.Manager, conn exchange.Interface) *model.PositionGroup {
	t.Helper()
	gridConfig := &model.DCAGridConfig{
		Levels: []model.DCALevel{
			{GapPercent: decimal.Zero, WeightPercent: decimal.NewFromInt(100), TPPercent: decimal.NewFromFloat(2)},
		},
		TotalCapitalUSD: decimal.NewFromInt(1000),
		TPMode:          model.TPModePerLeg,
		MaxPyramids:     3,
	}
	sig := position.Signal{
		UserID: "u1", Venue: "mock", Symbol: "BTCUSDT", Timeframe: 60,
		Side: model.SideBuy, EntryPrice: decimal.NewFromInt(50000),
		GridConfig: gridConfig, MaxSlippage: decimal.NewFromFloat(0.5),
	}
	precision := model.PrecisionRule{
		TickSize: decimal.NewFromFloat(0.01), StepSize: decimal.NewFromFloat(0.0001),
		MinQty: decimal.NewFromFloat(0.0001), MinNotional: decimal.NewFromInt(10),
	}
	group, err := pm.CreateFromSignal(context.Background(), conn, sig, precision)
	require.NoError(t, err)
	return group
}

func TestMonitor_Tick_ReconcilesFilledLegAndPlacesFollowUpCycle(t *testing.T) {
	db, pm, orders, mock, conn := newTestHarness(t)
	group := makeLiveGroup(t, db, pm, conn)

	resolver := func(ctx context.Context, userID, venue string) (exchange.Interface, error) {
		return conn, nil
	}
	mon := New(db, pm, orders, resolver)

	// Nothing has crossed yet: entry leg sits open, tick should be a no-op on status.
	mon.Tick(context.Background())
	legs, err := db.DCAOrders.GetByGroup(group.ID)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	require.Equal(t, model.OrderOpen, legs[0].Status)

	// Move the price down to cross the buy limit and fill the entry leg.
	mock.SetPrice("BTCUSDT", decimal.NewFromInt(49900))
	mon.Tick(context.Background())

	legs, err = db.DCAOrders.GetByGroup(group.ID)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	require.Equal(t, model.OrderFilled, legs[0].Status)

	refreshed, err := db.PositionGroups.Get(group.ID)
	require.NoError(t, err)
	require.Equal(t, model.GroupActive, refreshed.Status)
	require.Equal(t, 1, refreshed.FilledDCALegs)

	// §4.9 step 2c / invariant (f): a filled entry leg under tp_mode per_leg
	// must have exactly one resting TP order on venue, tp_order_id non-null.
	require.NotEmpty(t, legs[0].TPOrderID)
	open, err := conn.FetchOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, model.SideSell, open[0].Side)
	require.Equal(t, legs[0].TPOrderID, open[0].ID)
}

func TestMonitor_SyncOne_MarksCancelledWhenNotFoundOnExchange(t *testing.T) {
	db, pm, orders, _, conn := newTestHarness(t)
	group := makeLiveGroup(t, db, pm, conn)

	legs, err := db.DCAOrders.GetByGroup(group.ID)
	require.NoError(t, err)
	require.Len(t, legs, 1)

	// Simulate the order vanishing from the venue (e.g. manual cancel off-platform).
	order := legs[0]
	order.ExchangeOrderID = uuid.NewString() // an id the mock venue has never seen
	require.NoError(t, db.DCAOrders.Update(nil, &order))

	resolver := func(ctx context.Context, userID, venue string) (exchange.Interface, error) {
		return conn, nil
	}
	mon := New(db, pm, orders, resolver)
	mon.Tick(context.Background())

	reloaded, err := db.DCAOrders.Get(order.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderCancelled, reloaded.Status)
}

func TestMonitor_DetectOrphanedOrders(t *testing.T) {
	db, pm, orders, mock, conn := newTestHarness(t)
	makeLiveGroup(t, db, pm, conn)

	// Place an order directly on the venue, bypassing the position manager,
	// so it has no corresponding local DCAOrder row.
	price := decimal.NewFromInt(49000)
	_, err := mock.PlaceOrder(context.Background(), "BTCUSDT", exchange.OrderTypeLimit, model.SideBuy, decimal.NewFromFloat(0.01), &price)
	require.NoError(t, err)

	resolver := func(ctx context.Context, userID, venue string) (exchange.Interface, error) {
		return conn, nil
	}
	mon := New(db, pm, orders, resolver)

	orphans, err := mon.DetectOrphanedOrders(context.Background(), "u1", "mock", "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
}
