package ordersync

import (
	"context"
	"time"

	"github.com/dca-engine/controlplane/internal/model"
	"github.com/rs/zerolog/log"
)

// OrphanedOrder is an order that exists on the exchange but has no matching
// local record — supplemented from the original's
// `detect_orphaned_exchange_orders` (§C of SPEC_FULL.md).
type OrphanedOrder struct {
	ExchangeOrderID string
	Symbol          string
	Side            string
	Type            string
}

// DetectOrphanedOrders diffs the exchange's open orders for a symbol against
// the exchange_order_ids of that user's live, partially_filled and active
// groups on that symbol; orders of closing or closed groups are not counted
// as known.
func (m *Monitor) DetectOrphanedOrders(ctx context.Context, userID, venue, symbol string) ([]OrphanedOrder, error) {
	conn, err := m.resolve(ctx, userID, venue)
	if err != nil {
		return nil, err
	}
	exchangeOrders, err := conn.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool)
	groups, err := m.db.PositionGroups.GetAllActiveByUser(userID)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.Symbol != symbol {
			continue
		}
		orders, err := m.db.DCAOrders.GetByGroup(g.ID)
		if err != nil {
			continue
		}
		for _, o := range orders {
			if o.ExchangeOrderID != "" {
				known[o.ExchangeOrderID] = true
			}
		}
	}

	var orphans []OrphanedOrder
	for _, eo := range exchangeOrders {
		if !known[eo.ID] {
			orphans = append(orphans, OrphanedOrder{ExchangeOrderID: eo.ID, Symbol: symbol})
		}
	}
	if len(orphans) > 0 {
		log.Warn().Int("count", len(orphans)).Str("symbol", symbol).Msg("orphaned exchange orders detected")
	}
	return orphans, nil
}

// CleanupStaleLocalOrders re-syncs local orders stuck in `open` past
// staleAfter, which catches orders that silently filled or were cancelled on
// the venue without ever notifying the monitor's regular poll (§C).
func (m *Monitor) CleanupStaleLocalOrders(ctx context.Context, groupID string, staleAfter time.Duration) (checked, cleaned int, err error) {
	orders, err := m.db.DCAOrders.GetByGroup(groupID)
	if err != nil {
		return 0, 0, err
	}

	group, err := m.db.PositionGroups.Get(groupID)
	if err != nil {
		return 0, 0, err
	}

	threshold := time.Now().Add(-staleAfter)
	for i := range orders {
		order := &orders[i]
		if !order.IsEntryLeg() || order.Status != model.OrderOpen {
			continue
		}
		if order.SubmittedAt == nil || order.SubmittedAt.After(threshold) {
			continue
		}
		checked++
		_, changed := m.syncOne(ctx, group.UserID, order)
		if changed {
			cleaned++
		}
	}
	return checked, cleaned, nil
}
