// Package mockexchange is the packaged reference exchange of §6.3: a small
// in-memory venue over symbols/orders/balances/prices used by tests and by
// any user configured with venue "mock". Its matching engine fills limit
// orders when the configured price crosses, fills markets immediately, and
// reports a fee of 0.1% of the filled notional on orders that fill at placement.
package mockexchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dca-engine/controlplane/internal/exchange"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var defaultFeeRate = decimal.NewFromFloat(0.001)

type order struct {
	id        string
	symbol    string
	orderType exchange.OrderType
	side      model.Side
	quantity  decimal.Decimal
	price     decimal.Decimal
	status    string
	filled    decimal.Decimal
	avgPrice  decimal.Decimal
	createdAt time.Time
}

// Exchange is the mock venue connector. NewFactory hands the same shared
// instance to every User+venue pair; isolated state needs its own New().
type Exchange struct {
	mu         sync.Mutex
	prices     map[string]decimal.Decimal
	precision  map[string]model.PrecisionRule
	orders     map[string]*order
	balances   map[string]exchange.Balance
	injectErr  error
}

func New() *Exchange {
	return &Exchange{
		prices:    make(map[string]decimal.Decimal),
		precision: make(map[string]model.PrecisionRule),
		orders:    make(map[string]*order),
		balances: map[string]exchange.Balance{
			"USDT": {Total: decimal.NewFromInt(100000), Free: decimal.NewFromInt(100000)},
		},
	}
}

// NewFactory adapts a shared *Exchange into an exchange.VenueFactory, for
// registration with exchange.Gateway under venue type "mock".
func NewFactory(shared *Exchange) exchange.VenueFactory {
	return func(_ model.VenueCredential) (exchange.Interface, error) {
		return shared, nil
	}
}

// SetPrice is an admin endpoint used by tests to move the mock venue's
// last-traded price and trigger limit-order matching.
func (e *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
	e.matchLocked(symbol)
}

func (e *Exchange) SetPrecision(symbol string, rule model.PrecisionRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.precision[symbol] = rule
}

// InjectError makes PlaceOrder, GetOrderStatus, CancelOrder, FetchOpenOrders
// and GetCurrentPrice fail with err until cleared with InjectError(nil);
// GetAllTickers, FetchBalance, GetPrecisionRules and Close ignore it.
func (e *Exchange) InjectError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.injectErr = err
}

func (e *Exchange) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices = make(map[string]decimal.Decimal)
	e.precision = make(map[string]model.PrecisionRule)
	e.orders = make(map[string]*order)
	e.injectErr = nil
}

// matchLocked fills any open limit order whose price has been crossed by the
// current price. Must be called with mu held.
func (e *Exchange) matchLocked(symbol string) {
	price, ok := e.prices[symbol]
	if !ok {
		return
	}
	for _, o := range e.orders {
		if o.symbol != symbol || o.status != "open" || o.orderType != exchange.OrderTypeLimit {
			continue
		}
		crossed := (o.side == model.SideBuy && price.LessThanOrEqual(o.price)) ||
			(o.side == model.SideSell && price.GreaterThanOrEqual(o.price))
		if crossed {
			o.status = "closed"
			o.filled = o.quantity
			o.avgPrice = o.price
		}
	}
}

func (e *Exchange) PlaceOrder(ctx context.Context, symbol string, orderType exchange.OrderType, side model.Side, quantity decimal.Decimal, price *decimal.Decimal) (*exchange.PlacedOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.injectErr != nil {
		return nil, e.injectErr
	}

	id := uuid.NewString()
	o := &order{
		id:        id,
		symbol:    symbol,
		orderType: orderType,
		side:      side,
		quantity:  quantity,
		createdAt: time.Now(),
		status:    "open",
	}
	if price != nil {
		o.price = *price
	}

	if orderType == exchange.OrderTypeMarket {
		last, ok := e.prices[symbol]
		if !ok {
			return nil, fmt.Errorf("mockexchange: no price set for %s", symbol)
		}
		o.price = last
		o.status = "closed"
		o.filled = quantity
		o.avgPrice = last
	}

	e.orders[id] = o
	e.matchLocked(symbol)

	fee := decimal.Zero
	if o.filled.GreaterThan(decimal.Zero) {
		fee = o.filled.Mul(o.avgPrice).Mul(defaultFeeRate)
	}

	return &exchange.PlacedOrder{
		ID:          id,
		Status:      o.status,
		Filled:      o.filled,
		AvgPrice:    o.avgPrice,
		Fee:         fee,
		FeeCurrency: "USDT",
	}, nil
}

func (e *Exchange) GetOrderStatus(ctx context.Context, orderID, symbol string) (*exchange.OrderStatusResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.injectErr != nil {
		return nil, e.injectErr
	}
	o, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("mockexchange: order %s not found", orderID)
	}
	return &exchange.OrderStatusResult{ID: o.id, Status: o.status, Side: o.side, Price: o.price, Quantity: o.quantity, Filled: o.filled, AvgPrice: o.avgPrice}, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, orderID, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.injectErr != nil {
		return e.injectErr
	}
	o, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("mockexchange: order %s not found", orderID)
	}
	if o.status == "open" {
		o.status = "canceled"
	}
	return nil
}

func (e *Exchange) FetchOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderStatusResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.injectErr != nil {
		return nil, e.injectErr
	}
	var out []exchange.OrderStatusResult
	for _, o := range e.orders {
		if o.status == "open" && (symbol == "" || o.symbol == symbol) {
			out = append(out, exchange.OrderStatusResult{ID: o.id, Status: o.status, Side: o.side, Price: o.price, Quantity: o.quantity, Filled: o.filled, AvgPrice: o.avgPrice})
		}
	}
	return out, nil
}

func (e *Exchange) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.injectErr != nil {
		return decimal.Zero, e.injectErr
	}
	price, ok := e.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("mockexchange: no price set for %s", symbol)
	}
	return price, nil
}

func (e *Exchange) GetAllTickers(ctx context.Context) (map[string]decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(e.prices))
	for k, v := range e.prices {
		out[k] = v
	}
	return out, nil
}

func (e *Exchange) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances["USDT"], nil
}

func (e *Exchange) GetPrecisionRules(ctx context.Context) (map[string]model.PrecisionRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]model.PrecisionRule, len(e.precision))
	for k, v := range e.precision {
		out[k] = v
	}
	return out, nil
}

func (e *Exchange) Close() error { return nil }
