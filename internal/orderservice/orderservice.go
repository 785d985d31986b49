// Package orderservice places/cancels entry, TP and close orders (§4.4). Its
// centerpiece is the TP-duplicate-detection safeguard that guarantees
// at-most-once TP per entry leg even when a transaction rolls back after a
// remote success.
package orderservice

import (
	"context"
	"fmt"
	"time"

	"github.com/dca-engine/controlplane/internal/apperr"
	"github.com/dca-engine/controlplane/internal/exchange"
	"github.com/dca-engine/controlplane/internal/gridcalc"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/dca-engine/controlplane/internal/repo"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type Service struct {
	db *repo.DB
}

func New(db *repo.DB) *Service {
	return &Service{db: db}
}

// SubmitLadder places one order per leg emitted by the Grid Calculator,
// persisting each DCAOrder row as it transitions pending -> open (or failed).
func (s *Service) SubmitLadder(ctx context.Context, conn exchange.Interface, groupID, pyramidID string, side model.Side, orderType exchange.OrderType, symbol string, legs []gridcalc.Leg) ([]model.DCAOrder, error) {
	orders := make([]model.DCAOrder, 0, len(legs))

	for _, leg := range legs {
		now := time.Now()
		o := model.DCAOrder{
			ID:            uuid.NewString(),
			GroupID:       groupID,
			PyramidID:     pyramidID,
			LegIndex:      leg.LegIndex,
			Side:          side,
			OrderType:     string(orderType),
			Price:         leg.Price,
			Quantity:      leg.Quantity,
			GapPercent:    leg.GapPercent,
			WeightPercent: leg.WeightPercent,
			TPPercent:     leg.TPPercent,
			TPPrice:       leg.TPPrice,
			Status:        model.OrderPending,
		}
		if err := s.db.DCAOrders.Create(nil, &o); err != nil {
			return nil, fmt.Errorf("persist pending leg %d: %w", leg.LegIndex, err)
		}

		price := leg.Price
		placed, err := conn.PlaceOrder(ctx, symbol, orderType, side, leg.Quantity, &price)
		if err != nil {
			o.Status = model.OrderFailed
			_ = s.db.DCAOrders.Update(nil, &o)
			log.Warn().Err(err).Str("group_id", groupID).Int("leg", leg.LegIndex).Msg("entry order submission failed")
			orders = append(orders, o)
			continue
		}

		o.ExchangeOrderID = placed.ID
		o.Status = model.OrderOpen
		o.SubmittedAt = &now
		if err := s.db.DCAOrders.Update(nil, &o); err != nil {
			return nil, fmt.Errorf("persist submitted leg %d: %w", leg.LegIndex, err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

const (
	tpPriceToleranceFloor = 0.001 // 0.1%
	tpQuantityTolerance   = 0.005 // 0.5%
)

// PlaceTakeProfit implements the §4.4 "TP placement under replay" safeguard.
// Before calling place_order it scans the venue's open orders for one that
// already matches this leg's TP terms and adopts it instead of placing a
// duplicate.
func (s *Service) PlaceTakeProfit(ctx context.Context, conn exchange.Interface, leg *model.DCAOrder, symbol string, tickSize decimal.Decimal) error {
	if leg.TPOrderID != "" {
		return nil // already resolved
	}

	opposite := model.SideSell
	if leg.Side == model.SideSell {
		opposite = model.SideBuy
	}

	open, err := conn.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return apperr.VenueTransient("fetch_open_orders for tp dedup", err)
	}

	priceTolerance := tickSize
	minTolerance := leg.TPPrice.Mul(decimal.NewFromFloat(tpPriceToleranceFloor))
	if minTolerance.GreaterThan(priceTolerance) {
		priceTolerance = minTolerance
	}
	qtyTolerance := leg.FilledQuantity.Mul(decimal.NewFromFloat(tpQuantityTolerance))

	var matchID string
	matches := 0
	for _, o := range open {
		if o.Side != opposite {
			continue
		}
		priceDelta := o.Price.Sub(leg.TPPrice).Abs()
		qtyDelta := o.Quantity.Sub(leg.FilledQuantity).Abs()
		if priceDelta.LessThanOrEqual(priceTolerance) && qtyDelta.LessThanOrEqual(qtyTolerance) {
			matches++
			matchID = o.ID
		}
	}

	if matches == 1 {
		leg.TPOrderID = matchID
		log.Info().Str("leg_id", leg.ID).Str("tp_order_id", matchID).Msg("adopted existing tp order, dedup safeguard fired")
		return s.db.DCAOrders.Update(nil, leg)
	}

	price := leg.TPPrice
	placed, err := conn.PlaceOrder(ctx, symbol, exchange.OrderTypeLimit, opposite, leg.FilledQuantity, &price)
	if err != nil {
		return apperr.VenueTransient("place tp order", err)
	}
	leg.TPOrderID = placed.ID
	return s.db.DCAOrders.Update(nil, leg)
}

// CloseResult is the outcome of a market close.
type CloseResult struct {
	ExitPrice   decimal.Decimal
	Filled      decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
}

// CloseMarketWithSlippageBound implements §4.4's market close: fetch current
// price, compute slippage against expectedPrice, and either warn-and-continue
// or reject depending on action.
func (s *Service) CloseMarketWithSlippageBound(ctx context.Context, conn exchange.Interface, symbol string, qty, expectedPrice, maxSlippagePercent decimal.Decimal, action string) (*CloseResult, error) {
	current, err := conn.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, apperr.VenueTransient("get_current_price for close", err)
	}

	slippage := current.Sub(expectedPrice).Abs().Div(expectedPrice).Mul(hundred)
	if slippage.GreaterThan(maxSlippagePercent) {
		if action == "reject" {
			return nil, apperr.Slippage(fmt.Sprintf("slippage %s%% exceeds bound %s%%", slippage.StringFixed(2), maxSlippagePercent.StringFixed(2)))
		}
		log.Warn().Str("symbol", symbol).Str("slippage_pct", slippage.StringFixed(2)).Msg("slippage bound exceeded, continuing (warn mode)")
	}

	placed, err := conn.PlaceOrder(ctx, symbol, exchange.OrderTypeMarket, model.SideSell, qty, nil)
	if err != nil {
		return nil, apperr.VenueTransient("submit market close", err)
	}

	return &CloseResult{
		ExitPrice:   placed.AvgPrice,
		Filled:      placed.Filled,
		Fee:         placed.Fee,
		FeeCurrency: placed.FeeCurrency,
	}, nil
}
