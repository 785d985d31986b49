// Package ordersync implements the Order Fill Monitor (§4.9): a periodic
// reconciler that polls exchange order status for every open/unresolved-TP
// leg across all users in one batched query, maps venue status strings to
// the local OrderStatus enum, refreshes position aggregates, and places a
// resting take-profit for each filled entry leg under per_leg/hybrid tp_mode.
//
// It also carries the supplemented exchange-sync features from the Python
// original's exchange_sync service: orphan detection and stale-order
// cleanup, useful after a crash or a missed webhook.
package ordersync

import (
	"context"
	"strings"
	"time"

	"github.com/dca-engine/controlplane/internal/apperr"
	"github.com/dca-engine/controlplane/internal/exchange"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/dca-engine/controlplane/internal/orderservice"
	"github.com/dca-engine/controlplane/internal/position"
	"github.com/dca-engine/controlplane/internal/repo"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// statusMapping mirrors the original's exchange_sync status_mapping table
// (§4.9 step 2): any venue-native status not listed here leaves the local
// status untouched.
var statusMapping = map[string]model.OrderStatus{
	"open":     model.OrderOpen,
	"closed":   model.OrderFilled,
	"filled":   model.OrderFilled,
	"canceled": model.OrderCancelled,
	"cancelled": model.OrderCancelled,
	"expired":  model.OrderCancelled,
	"rejected": model.OrderFailed,
}

// ConnectorResolver resolves the exchange connector for a user and venue;
// satisfied by a thin adapter over exchange.Gateway plus venue credential
// lookup (kept out of this package to avoid depending on credential storage
// shape directly).
type ConnectorResolver func(ctx context.Context, userID, venue string) (exchange.Interface, error)

// Monitor runs the §4.9 reconciliation loop on the leader.
type Monitor struct {
	db        *repo.DB
	position  *position.Manager
	orders    *orderservice.Service
	resolve   ConnectorResolver
	onHeartbeat func()
}

func New(db *repo.DB, pm *position.Manager, orders *orderservice.Service, resolve ConnectorResolver) *Monitor {
	return &Monitor{db: db, position: pm, orders: orders, resolve: resolve}
}

// OnHeartbeat registers a callback invoked once per successful Tick, used to
// feed the Watchdog's liveness tracking for this task (§4.11).
func (m *Monitor) OnHeartbeat(fn func()) { m.onHeartbeat = fn }

// Tick implements one full §4.9 pass: the batched cross-user query, then
// per-order status polling and reconciliation, then an aggregate-stats
// refresh and take-profit evaluation for any group with a filled entry leg.
func (m *Monitor) Tick(ctx context.Context) {
	byUser, err := m.db.DCAOrders.GetAllOpenOrdersForAllUsers()
	if err != nil {
		log.Error().Err(err).Msg("order fill monitor: batched query failed")
		return
	}

	touchedGroups := make(map[string]bool)
	for userID, orders := range byUser {
		for i := range orders {
			order := &orders[i]
			groupID, changed := m.syncOne(ctx, userID, order)
			if changed {
				touchedGroups[groupID] = true
			}
		}
	}

	for groupID := range touchedGroups {
		m.reconcileGroup(ctx, groupID)
	}

	if m.onHeartbeat != nil {
		m.onHeartbeat()
	}
}

// syncOne implements §4.9's `_sync_single_order`: fetch exchange status, map
// it, and persist a change. Returns the owning group id and whether the
// order's local state changed.
func (m *Monitor) syncOne(ctx context.Context, userID string, order *model.DCAOrder) (string, bool) {
	if order.ExchangeOrderID == "" {
		return order.GroupID, false
	}

	group, err := m.db.PositionGroups.Get(order.GroupID)
	if err != nil {
		log.Warn().Err(err).Str("group_id", order.GroupID).Msg("order fill monitor: group lookup failed")
		return order.GroupID, false
	}

	conn, err := m.resolve(ctx, userID, group.Venue)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Str("venue", group.Venue).Msg("order fill monitor: connector resolve failed")
		return order.GroupID, false
	}

	result, err := conn.GetOrderStatus(ctx, order.ExchangeOrderID, group.Symbol)
	if err != nil {
		if isNotFoundErr(err) {
			return order.GroupID, m.markNotFound(order)
		}
		log.Warn().Err(err).Str("order_id", order.ExchangeOrderID).Msg("order fill monitor: get_order_status failed")
		return order.GroupID, false
	}

	newStatus, ok := statusMapping[result.Status]
	if !ok || newStatus == order.Status {
		return order.GroupID, false
	}

	order.Status = newStatus
	if newStatus == model.OrderFilled {
		if !result.Filled.IsZero() {
			order.FilledQuantity = result.Filled
		}
		if !result.AvgPrice.IsZero() {
			order.AvgFillPrice = result.AvgPrice
		}
		if order.FilledAt == nil {
			now := time.Now()
			order.FilledAt = &now
		}
	}
	order.UpdatedAt = time.Now()
	if err := m.db.DCAOrders.Update(nil, order); err != nil {
		log.Error().Err(err).Str("order_id", order.ID).Msg("order fill monitor: persist status change failed")
		return order.GroupID, false
	}
	return order.GroupID, true
}

// markNotFound implements §4.9's "mark as cancelled if not found on exchange"
// rule: only open/trigger_pending orders are demoted this way.
func (m *Monitor) markNotFound(order *model.DCAOrder) bool {
	if order.Status != model.OrderOpen && order.Status != model.OrderTriggerPending {
		return false
	}
	order.Status = model.OrderCancelled
	order.UpdatedAt = time.Now()
	if err := m.db.DCAOrders.Update(nil, order); err != nil {
		log.Error().Err(err).Str("order_id", order.ID).Msg("order fill monitor: persist not-found cancellation failed")
		return false
	}
	log.Warn().Str("order_id", order.ID).Msg("order not found on exchange, marked cancelled")
	return true
}

// reconcileGroup refreshes aggregate stats and places take-profit orders for
// any newly-filled legs (§4.5, §4.9).
func (m *Monitor) reconcileGroup(ctx context.Context, groupID string) {
	group, err := m.db.PositionGroups.Get(groupID)
	if err != nil {
		return
	}
	if group.Status != model.GroupLive && group.Status != model.GroupPartiallyFilled && group.Status != model.GroupActive {
		return
	}

	conn, err := m.resolve(ctx, group.UserID, group.Venue)
	if err != nil {
		return
	}
	currentPrice, err := conn.GetCurrentPrice(ctx, group.Symbol)
	if err != nil {
		return
	}

	if err := m.position.RefreshAggregateStats(group, currentPrice); err != nil {
		log.Warn().Err(err).Str("group_id", groupID).Msg("order fill monitor: aggregate refresh failed")
		return
	}

	if group.FilledDCALegs > 0 && group.Status == model.GroupLive {
		group.Status = model.GroupActive
		_ = m.db.PositionGroups.Update(group)
	}

	entryLegs, err := m.db.DCAOrders.GetByGroup(groupID)
	if err != nil {
		return
	}

	if group.TPMode == model.TPModePerLeg || group.TPMode == model.TPModeHybrid {
		m.placeRestingTakeProfits(ctx, conn, group, entryLegs)
	}

	hits := position.EvaluateTakeProfit(group, entryLegs, currentPrice)
	if len(hits) == 0 {
		return
	}
	if err := m.position.ExecuteTakeProfitCloses(ctx, conn, group, hits, group.MaxSlippagePercent); err != nil {
		log.Error().Err(err).Str("group_id", groupID).Msg("order fill monitor: take-profit close failed")
	}
}

// placeRestingTakeProfits implements §4.9 step 2c: any filled entry leg under
// tp_mode per_leg/hybrid that has no tp_order_id yet gets a resting TP limit
// order placed on venue, through the §4.4 dedup safeguard so a crash between
// a successful placement and the local commit never creates a second one.
func (m *Monitor) placeRestingTakeProfits(ctx context.Context, conn exchange.Interface, group *model.PositionGroup, entryLegs []model.DCAOrder) {
	var tickSize decimal.Decimal
	rulesFetched := false

	for i := range entryLegs {
		leg := &entryLegs[i]
		if !leg.IsEntryLeg() || leg.Status != model.OrderFilled || leg.TPOrderID != "" {
			continue
		}
		if !rulesFetched {
			rules, err := conn.GetPrecisionRules(ctx)
			if err != nil {
				log.Warn().Err(err).Str("group_id", group.ID).Msg("order fill monitor: precision rules fetch failed, skipping tp placement")
				return
			}
			if rule, ok := rules[group.Symbol]; ok {
				tickSize = rule.TickSize
			}
			rulesFetched = true
		}
		if err := m.orders.PlaceTakeProfit(ctx, conn, leg, group.Symbol, tickSize); err != nil {
			log.Error().Err(err).Str("leg_id", leg.ID).Str("group_id", group.ID).Msg("order fill monitor: tp placement failed")
		}
	}
}

// isNotFoundErr mirrors the original's string-sniffed "not found" /
// "order does not exist" detection — venue connectors don't agree on a
// structured not-found error, so the message itself is the signal.
func isNotFoundErr(err error) bool {
	if w, ok := err.(*apperr.Wrapped); ok && w.Sentinel == apperr.ErrVenuePermanent {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist")
}
