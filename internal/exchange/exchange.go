// Package exchange defines the uniform venue interface (§4.1, §6.3), the
// per-venue circuit breaker (§4.1.1) and the TTL connector cache that wraps
// every connector with breaker protection.
package exchange

import (
	"context"
	"crypto/md5"
	"fmt"
	"sync"
	"time"

	"github.com/dca-engine/controlplane/internal/model"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// PlacedOrder is the Exchange Gateway's normalized response to place_order.
type PlacedOrder struct {
	ID          string
	Status      string
	Filled      decimal.Decimal
	AvgPrice    decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
}

// OrderStatusResult is the normalized response to get_order_status.
type OrderStatusResult struct {
	ID       string
	Status   string // venue-native: open|closed|filled|canceled|cancelled|expired|rejected
	Side     model.Side
	Price    decimal.Decimal // limit price the order rests at; zero for a market order
	Quantity decimal.Decimal // original order quantity
	Filled   decimal.Decimal
	AvgPrice decimal.Decimal
}

type Balance struct {
	Total decimal.Decimal
	Free  decimal.Decimal
	Used  decimal.Decimal
}

// Interface is the uniform operation set every venue connector exposes
// (§4.1). Any venue with this surface and precision rules is pluggable.
type Interface interface {
	PlaceOrder(ctx context.Context, symbol string, orderType OrderType, side model.Side, quantity decimal.Decimal, price *decimal.Decimal) (*PlacedOrder, error)
	GetOrderStatus(ctx context.Context, orderID, symbol string) (*OrderStatusResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	FetchOpenOrders(ctx context.Context, symbol string) ([]OrderStatusResult, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetAllTickers(ctx context.Context) (map[string]decimal.Decimal, error)
	FetchBalance(ctx context.Context) (Balance, error)
	GetPrecisionRules(ctx context.Context) (map[string]model.PrecisionRule, error)
	Close() error
}

// VenueFactory constructs a fresh connector for one venue type, given the
// decrypted API key material and mode flags.
type VenueFactory func(cred model.VenueCredential) (Interface, error)

type cacheEntry struct {
	conn    Interface
	breaker *CircuitBreaker
	cachedAt time.Time
}

// Gateway is the connector cache plus circuit-breaker registry described in
// §4.1: connectors are keyed by (venue, first 8 chars of api-key, mode) and
// expire after ConnectorCacheTTL; the `mock` venue bypasses both the cache
// and the breaker.
type Gateway struct {
	mu          sync.Mutex
	cache       map[string]cacheEntry
	factories   map[string]VenueFactory
	breakers    *Registry
	cacheTTL    time.Duration
	sf          singleflight.Group
	mockFactory VenueFactory
}

func NewGateway(breakerConfig CircuitBreakerConfig, cacheTTL time.Duration, mockFactory VenueFactory) *Gateway {
	return &Gateway{
		cache:       make(map[string]cacheEntry),
		factories:   make(map[string]VenueFactory),
		breakers:    NewRegistry(breakerConfig),
		cacheTTL:    cacheTTL,
		mockFactory: mockFactory,
	}
}

func (g *Gateway) RegisterVenue(venueType string, factory VenueFactory) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.factories[venueType] = factory
}

func connectorCacheKey(venueType string, cred model.VenueCredential) string {
	prefix := cred.EncryptedAPIKey
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	raw := fmt.Sprintf("%s:%s:%t:%s:%s", venueType, prefix, cred.Testnet, cred.AccountType, cred.DefaultType)
	return fmt.Sprintf("%x", md5.Sum([]byte(raw)))
}

// Get resolves a (possibly cached) connector wrapped with its venue's
// circuit breaker. `mock` always bypasses the cache.
func (g *Gateway) Get(venueType string, cred model.VenueCredential) (*BreakerConn, error) {
	if venueType == "mock" {
		conn, err := g.mockFactory(cred)
		if err != nil {
			return nil, err
		}
		return &BreakerConn{Interface: conn, breaker: g.breakers.GetOrCreate("mock"), bypass: true}, nil
	}

	key := connectorCacheKey(venueType, cred)

	v, err, _ := g.sf.Do(key, func() (interface{}, error) {
		g.mu.Lock()
		if entry, ok := g.cache[key]; ok && time.Since(entry.cachedAt) < g.cacheTTL {
			g.mu.Unlock()
			return entry, nil
		}
		factory, ok := g.factories[venueType]
		g.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("unsupported exchange type %q", venueType)
		}
		conn, err := factory(cred)
		if err != nil {
			return nil, err
		}
		entry := cacheEntry{conn: conn, breaker: g.breakers.GetOrCreate(venueType), cachedAt: time.Now()}
		g.mu.Lock()
		g.cache[key] = entry
		g.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	entry := v.(cacheEntry)
	return &BreakerConn{Interface: entry.conn, breaker: entry.breaker}, nil
}

// CleanupExpired evicts and closes stale cache entries; call periodically.
func (g *Gateway) CleanupExpired() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, entry := range g.cache {
		if time.Since(entry.cachedAt) >= g.cacheTTL {
			_ = entry.conn.Close()
			delete(g.cache, key)
		}
	}
}

func (g *Gateway) ClearCache() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, entry := range g.cache {
		_ = entry.conn.Close()
		delete(g.cache, key)
	}
}

func (g *Gateway) Breakers() *Registry { return g.breakers }

// BreakerConn wraps an Interface so PlaceOrder, GetOrderStatus, CancelOrder
// and GetCurrentPrice first check the breaker and record success/failure.
// FetchOpenOrders, GetAllTickers, FetchBalance, GetPrecisionRules and Close
// pass straight through to the wrapped connector without touching the breaker.
type BreakerConn struct {
	Interface
	breaker *CircuitBreaker
	bypass  bool
}

func (b *BreakerConn) guard(err error) error {
	if b.bypass {
		return err
	}
	if err != nil {
		b.breaker.RecordFailure()
	} else {
		b.breaker.RecordSuccess()
	}
	return err
}

func (b *BreakerConn) PlaceOrder(ctx context.Context, symbol string, orderType OrderType, side model.Side, quantity decimal.Decimal, price *decimal.Decimal) (*PlacedOrder, error) {
	if !b.bypass {
		if err := b.breaker.CanExecute(); err != nil {
			return nil, err
		}
	}
	res, err := b.Interface.PlaceOrder(ctx, symbol, orderType, side, quantity, price)
	return res, b.guard(err)
}

func (b *BreakerConn) GetOrderStatus(ctx context.Context, orderID, symbol string) (*OrderStatusResult, error) {
	if !b.bypass {
		if err := b.breaker.CanExecute(); err != nil {
			return nil, err
		}
	}
	res, err := b.Interface.GetOrderStatus(ctx, orderID, symbol)
	return res, b.guard(err)
}

func (b *BreakerConn) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if !b.bypass {
		if err := b.breaker.CanExecute(); err != nil {
			return err
		}
	}
	return b.guard(b.Interface.CancelOrder(ctx, orderID, symbol))
}

func (b *BreakerConn) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if !b.bypass {
		if err := b.breaker.CanExecute(); err != nil {
			return decimal.Zero, err
		}
	}
	res, err := b.Interface.GetCurrentPrice(ctx, symbol)
	return res, b.guard(err)
}
