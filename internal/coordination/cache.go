package coordination

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type cacheEntry struct {
	value    interface{}
	expireAt time.Time
}

// Cache is the TTL key-value store of §4.2, backing the ticker/balance/
// dashboard/service-health caching helpers. Process-local, like LockManager.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expireAt: time.Now().Add(ttl)}
}

func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expireAt) {
		return nil, false
	}
	return entry.value, true
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func tickerKey(venue string) string  { return "ticker:" + venue }
func balanceKey(user, venue string) string { return "balance:" + user + ":" + venue }
func dashboardKey(user, view string) string { return "dashboard:" + user + ":" + view }
func healthKey(service string) string { return "health:" + service }

func (c *Cache) SetTickers(venue string, tickers map[string]decimal.Decimal, ttl time.Duration) {
	c.Set(tickerKey(venue), tickers, ttl)
}

func (c *Cache) GetTickers(venue string) (map[string]decimal.Decimal, bool) {
	v, ok := c.Get(tickerKey(venue))
	if !ok {
		return nil, false
	}
	tickers, ok := v.(map[string]decimal.Decimal)
	return tickers, ok
}

func (c *Cache) SetBalance(user, venue string, balance interface{}, ttl time.Duration) {
	c.Set(balanceKey(user, venue), balance, ttl)
}

func (c *Cache) GetBalance(user, venue string) (interface{}, bool) {
	return c.Get(balanceKey(user, venue))
}

func (c *Cache) SetDashboard(user, view string, data interface{}, ttl time.Duration) {
	c.Set(dashboardKey(user, view), data, ttl)
}

func (c *Cache) GetDashboard(user, view string) (interface{}, bool) {
	return c.Get(dashboardKey(user, view))
}

// ServiceHealth is the heartbeat record written by background loops and
// consumed by the Watchdog (§4.11).
type ServiceHealth struct {
	LastHeartbeat time.Time
	Status        string // ok|error|stopped
	ErrorCount    int
	LastError     string
}

func (c *Cache) SetServiceHealth(service string, health ServiceHealth) {
	// Heartbeats never expire on their own; staleness is judged by the
	// Watchdog comparing LastHeartbeat against its own clock.
	c.Set(healthKey(service), health, 365*24*time.Hour)
}

func (c *Cache) GetServiceHealth(service string) (ServiceHealth, bool) {
	v, ok := c.Get(healthKey(service))
	if !ok {
		return ServiceHealth{}, false
	}
	h, ok := v.(ServiceHealth)
	return h, ok
}
