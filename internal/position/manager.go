// Package position implements the Position Manager (§4.5): creating
// position groups from signals, pyramid continuation, exit-signal market
// close, aggregate-statistics refresh and the take-profit evaluator.
package position

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dca-engine/controlplane/internal/apperr"
	"github.com/dca-engine/controlplane/internal/coordination"
	"github.com/dca-engine/controlplane/internal/exchange"
	"github.com/dca-engine/controlplane/internal/gridcalc"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/dca-engine/controlplane/internal/orderservice"
	"github.com/dca-engine/controlplane/internal/repo"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)
var estimatedExitFeeRate = decimal.NewFromFloat(0.001)

type Manager struct {
	db      *repo.DB
	locks   *coordination.LockManager
	orders  *orderservice.Service
	gateway *exchange.Gateway
}

func New(db *repo.DB, locks *coordination.LockManager, orders *orderservice.Service, gateway *exchange.Gateway) *Manager {
	return &Manager{db: db, locks: locks, orders: orders, gateway: gateway}
}

// Signal is the normalized intent the Signal Router hands to the Position
// Manager (derived from the webhook payload of §6.1).
type Signal struct {
	UserID       string
	Venue        string
	Symbol       string
	Timeframe    int
	Side         model.Side
	EntryPrice   decimal.Decimal
	GridConfig   *model.DCAGridConfig
	MaxSlippage  decimal.Decimal
}

func newPositionLockKey(userID, symbol string, timeframe int, side model.Side) string {
	return fmt.Sprintf("position:new:%s:%s:%d:%s", userID, symbol, timeframe, side)
}

func groupLockKey(groupID string) string {
	return "position:" + groupID
}

// CreateFromSignal implements §4.5 "Create-from-signal".
func (m *Manager) CreateFromSignal(ctx context.Context, conn exchange.Interface, sig Signal, precision model.PrecisionRule) (*model.PositionGroup, error) {
	lockKey := newPositionLockKey(sig.UserID, sig.Symbol, sig.Timeframe, sig.Side)
	token, err := m.locks.Acquire(ctx, lockKey, 30*time.Second, 10*time.Second)
	if err != nil {
		return nil, apperr.New(apperr.ErrConcurrency, "create-from-signal lock contended", err)
	}
	defer func() { _ = m.locks.Release(lockKey, token) }()

	if existing, err := m.db.PositionGroups.GetActivePositionGroupForSignal(nil, sig.UserID, sig.Symbol, sig.Venue, sig.Timeframe, sig.Side, false); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, apperr.Precondition("active group already exists for this signal key, expected pyramid continuation path")
	}

	legs, err := gridcalc.CalculateDCALevels(sig.EntryPrice, sig.GridConfig, sig.Side, precision, 0)
	if err != nil {
		return nil, err
	}

	groupID := uuid.NewString()
	now := time.Now()
	group := &model.PositionGroup{
		ID:               groupID,
		UserID:           sig.UserID,
		Venue:            sig.Venue,
		Symbol:           sig.Symbol,
		Timeframe:        sig.Timeframe,
		Side:             sig.Side,
		BaseEntryPrice:   sig.EntryPrice,
		TotalDCALegs:     len(legs),
		MaxPyramids:      sig.GridConfig.MaxPyramids,
		TPMode:           sig.GridConfig.TPMode,
		TPAggregatePercent: sig.GridConfig.TPAggregatePercent,
		MaxSlippagePercent: sig.MaxSlippage,
		Status:           model.GroupWaiting,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.db.PositionGroups.Create(group); err != nil {
		return nil, fmt.Errorf("persist position group: %w", err)
	}

	pyramid := &model.Pyramid{
		ID:             uuid.NewString(),
		GroupID:        groupID,
		PyramidIndex:   0,
		EntryPrice:     sig.EntryPrice,
		EntryTimestamp: now,
		Status:         model.PyramidPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.db.Pyramids.Create(nil, pyramid); err != nil {
		group.Status = model.GroupFailed
		_ = m.db.PositionGroups.Update(group)
		return nil, fmt.Errorf("persist pyramid: %w", err)
	}

	orderType := exchange.OrderTypeLimit
	if _, err := m.orders.SubmitLadder(ctx, conn, groupID, pyramid.ID, sig.Side, orderType, sig.Symbol, legs); err != nil {
		group.Status = model.GroupFailed
		_ = m.db.PositionGroups.Update(group)
		return nil, fmt.Errorf("submit ladder: %w", err)
	}

	group.Status = model.GroupLive
	group.UpdatedAt = time.Now()
	if err := m.db.PositionGroups.Update(group); err != nil {
		return nil, err
	}
	return group, nil
}

// PyramidContinuation implements §4.5 "Pyramid continuation": appends a new
// Pyramid when pyramid_count < max_pyramids, using the current market price
// as its base.
func (m *Manager) PyramidContinuation(ctx context.Context, conn exchange.Interface, group *model.PositionGroup, gridConfig *model.DCAGridConfig, precision model.PrecisionRule) error {
	lockKey := groupLockKey(group.ID)
	token, err := m.locks.Acquire(ctx, lockKey, 30*time.Second, 10*time.Second)
	if err != nil {
		return apperr.New(apperr.ErrConcurrency, "pyramid continuation lock contended", err)
	}
	defer func() { _ = m.locks.Release(lockKey, token) }()

	if group.PyramidCount >= group.MaxPyramids {
		return apperr.Precondition("pyramid_count already at max_pyramids")
	}

	currentPrice, err := conn.GetCurrentPrice(ctx, group.Symbol)
	if err != nil {
		return apperr.VenueTransient("get_current_price for pyramid base", err)
	}

	pyramidIndex := group.PyramidCount + 1
	basePrice := gridcalc.CalculatePyramidLevels(currentPrice, gridConfig.PyramidGapPercent, group.Side, precision)

	legs, err := gridcalc.CalculateDCALevels(basePrice, gridConfig, group.Side, precision, pyramidIndex)
	if err != nil {
		return err
	}

	now := time.Now()
	pyramid := &model.Pyramid{
		ID:             uuid.NewString(),
		GroupID:        group.ID,
		PyramidIndex:   pyramidIndex,
		EntryPrice:     basePrice,
		EntryTimestamp: now,
		Status:         model.PyramidPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.db.Pyramids.Create(nil, pyramid); err != nil {
		return fmt.Errorf("persist pyramid: %w", err)
	}

	if _, err := m.orders.SubmitLadder(ctx, conn, group.ID, pyramid.ID, group.Side, exchange.OrderTypeLimit, group.Symbol, legs); err != nil {
		return fmt.Errorf("submit pyramid ladder: %w", err)
	}

	newCount, err := m.db.PositionGroups.IncrementPyramidCount(nil, group.ID, len(legs))
	if err != nil {
		return fmt.Errorf("increment pyramid count: %w", err)
	}
	group.PyramidCount = newCount
	group.TotalDCALegs += len(legs)
	return nil
}

// ExitSignal implements §4.5 "Exit signal": cancels open entry/TP orders,
// market-closes the remaining filled quantity, and writes a RiskAction.
func (m *Manager) ExitSignal(ctx context.Context, conn exchange.Interface, group *model.PositionGroup, maxSlippagePercent decimal.Decimal, reason string) error {
	lockKey := groupLockKey(group.ID)
	token, err := m.locks.Acquire(ctx, lockKey, 30*time.Second, 10*time.Second)
	if err != nil {
		return apperr.New(apperr.ErrConcurrency, "exit signal lock contended", err)
	}
	defer func() { _ = m.locks.Release(lockKey, token) }()

	openOrders, err := m.db.DCAOrders.GetOpenByGroup(group.ID)
	if err != nil {
		return err
	}
	for _, o := range openOrders {
		if o.ExchangeOrderID == "" {
			continue
		}
		if err := conn.CancelOrder(ctx, o.ExchangeOrderID, group.Symbol); err != nil {
			log.Warn().Err(err).Str("order_id", o.ExchangeOrderID).Msg("cancel on exit failed, treating as no-op")
		}
	}
	legs, err := m.db.DCAOrders.GetByGroup(group.ID)
	if err != nil {
		return err
	}
	for _, o := range legs {
		if !o.IsEntryLeg() || o.TPOrderID == "" {
			continue
		}
		if err := conn.CancelOrder(ctx, o.TPOrderID, group.Symbol); err != nil {
			log.Warn().Err(err).Str("order_id", o.TPOrderID).Msg("tp cancel on exit failed, treating as no-op")
		}
	}

	if group.TotalFilledQty.LessThanOrEqual(decimal.Zero) {
		return m.finalizeClosed(group, decimal.Zero, decimal.Zero, reason)
	}

	result, err := m.orders.CloseMarketWithSlippageBound(ctx, conn, group.Symbol, group.TotalFilledQty, group.WeightedAvgEntry, maxSlippagePercent, "warn")
	if err != nil {
		if strings.Contains(err.Error(), "insufficient balance") {
			bal, balErr := conn.FetchBalance(ctx)
			if balErr == nil {
				result, err = m.orders.CloseMarketWithSlippageBound(ctx, conn, group.Symbol, bal.Free, group.WeightedAvgEntry, maxSlippagePercent, "warn")
			}
		}
		if err != nil {
			return err
		}
	}

	exitValue := result.ExitPrice.Mul(result.Filled)
	costBasis := group.WeightedAvgEntry.Mul(result.Filled)
	realized := exitValue.Sub(costBasis).Sub(result.Fee)

	return m.finalizeClosed(group, result.ExitPrice, realized, reason)
}

func (m *Manager) finalizeClosed(group *model.PositionGroup, exitPrice, realized decimal.Decimal, reason string) error {
	now := time.Now()
	group.Status = model.GroupClosed
	group.ClosedAt = &now
	group.RealizedPnLUSD = group.RealizedPnLUSD.Add(realized)
	group.UpdatedAt = now
	if err := m.db.PositionGroups.Update(group); err != nil {
		return err
	}

	action := &model.RiskAction{
		ID:             uuid.NewString(),
		GroupID:        group.ID,
		ActionType:     reason,
		ExitPrice:      exitPrice,
		EntryPrice:     group.WeightedAvgEntry,
		RealizedPnLUSD: realized,
		QuantityClosed: group.TotalFilledQty,
		Timestamp:      now,
	}
	if !group.CreatedAt.IsZero() {
		action.DurationSeconds = int64(now.Sub(group.CreatedAt).Seconds())
	}
	return m.db.RiskActions.Create(action)
}

// PartialClose market-sells a sub-quantity of a still-active group's filled
// position without touching its open entry/TP orders, and records a
// RiskAction for it. Used by the Risk Engine to realize a winner's profit
// toward offsetting a paired loser (§4.10 step 4).
func (m *Manager) PartialClose(ctx context.Context, conn exchange.Interface, group *model.PositionGroup, qty decimal.Decimal, maxSlippagePercent decimal.Decimal, reason string) (decimal.Decimal, error) {
	lockKey := groupLockKey(group.ID)
	token, err := m.locks.Acquire(ctx, lockKey, 30*time.Second, 10*time.Second)
	if err != nil {
		return decimal.Zero, apperr.New(apperr.ErrConcurrency, "partial close lock contended", err)
	}
	defer func() { _ = m.locks.Release(lockKey, token) }()

	if qty.LessThanOrEqual(decimal.Zero) || qty.GreaterThan(group.TotalFilledQty) {
		return decimal.Zero, apperr.Precondition("partial close quantity out of range")
	}

	result, err := m.orders.CloseMarketWithSlippageBound(ctx, conn, group.Symbol, qty, group.WeightedAvgEntry, maxSlippagePercent, reason)
	if err != nil {
		return decimal.Zero, err
	}

	exitValue := result.ExitPrice.Mul(result.Filled)
	costBasis := group.WeightedAvgEntry.Mul(result.Filled)
	realized := exitValue.Sub(costBasis).Sub(result.Fee)

	now := time.Now()
	group.TotalFilledQty = group.TotalFilledQty.Sub(result.Filled)
	group.RealizedPnLUSD = group.RealizedPnLUSD.Add(realized)
	group.TotalExitFeesUSD = group.TotalExitFeesUSD.Add(result.Fee)
	group.UpdatedAt = now
	if group.TotalFilledQty.LessThanOrEqual(decimal.Zero) {
		group.Status = model.GroupClosed
		group.ClosedAt = &now
	}
	if err := m.db.PositionGroups.Update(group); err != nil {
		return decimal.Zero, err
	}

	action := &model.RiskAction{
		ID:             uuid.NewString(),
		GroupID:        group.ID,
		ActionType:     reason,
		ExitPrice:      result.ExitPrice,
		EntryPrice:     group.WeightedAvgEntry,
		RealizedPnLUSD: realized,
		QuantityClosed: result.Filled,
		Timestamp:      now,
	}
	if !group.CreatedAt.IsZero() {
		action.DurationSeconds = int64(now.Sub(group.CreatedAt).Seconds())
	}
	if err := m.db.RiskActions.Create(action); err != nil {
		return decimal.Zero, err
	}
	return realized, nil
}

// RefreshAggregateStats implements §4.5 "Aggregate-statistics refresh":
// recompute weighted_avg_entry, total_filled_quantity, filled_dca_legs and
// unrealized PnL from the union of FILLED entry legs.
func (m *Manager) RefreshAggregateStats(group *model.PositionGroup, currentPrice decimal.Decimal) error {
	orders, err := m.db.DCAOrders.GetByGroup(group.ID)
	if err != nil {
		return err
	}

	var totalQty, totalCost decimal.Decimal
	filledLegs := 0
	for _, o := range orders {
		if !o.IsEntryLeg() || o.Status != model.OrderFilled {
			continue
		}
		filledLegs++
		totalQty = totalQty.Add(o.FilledQuantity)
		totalCost = totalCost.Add(o.FilledQuantity.Mul(o.AvgFillPrice)).Add(o.Fee)
	}

	group.FilledDCALegs = filledLegs
	group.TotalFilledQty = totalQty
	if totalQty.GreaterThan(decimal.Zero) {
		group.WeightedAvgEntry = totalCost.Div(totalQty)
	}
	group.TotalInvestedUSD = totalCost

	if totalQty.GreaterThan(decimal.Zero) && !currentPrice.IsZero() {
		exitValue := currentPrice.Mul(totalQty)
		estimatedExitFee := exitValue.Mul(estimatedExitFeeRate)
		group.UnrealizedPnLUSD = exitValue.Sub(totalCost).Sub(estimatedExitFee)
		if totalCost.GreaterThan(decimal.Zero) {
			group.UnrealizedPnLPct = group.UnrealizedPnLUSD.Div(totalCost).Mul(hundred)
		}
	}

	group.UpdatedAt = time.Now()
	return m.db.PositionGroups.Update(group)
}
