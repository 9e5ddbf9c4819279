// Package quotes is the Quote Streaming Cache (C2): subscribe/unsubscribe
// per symbol, maintain the freshest {last, bid, ask, received_at}, and
// fall back to the Broker Client's REST snapshot on a stale or missing
// read. Grounded on the teacher's sync.RWMutex-guarded single-writer
// cache pattern (auto_trader.go's peakPnLCacheMutex).
package quotes

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optionflow/broker"
	"optionflow/logger"
)

// Quote is the cached market state for one symbol.
type Quote struct {
	Last       decimal.Decimal
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	ReceivedAt time.Time
}

func (q Quote) staleAt(now time.Time, staleAfter time.Duration) bool {
	return q.ReceivedAt.IsZero() || now.Sub(q.ReceivedAt) > staleAfter
}

// Cache is the single-writer-per-symbol quote store. Subscriptions are
// refcounts kept by Subscribe/Unsubscribe; the cache itself does not
// derive them from open trades or enabled strategies, and GetOrFetch
// stores the fetched quote of any symbol, subscribed or not.
type Cache struct {
	mu          sync.RWMutex
	quotes      map[string]Quote
	subscribers map[string]int // refcount, so overlapping owners don't unsubscribe each other

	staleAfter time.Duration
	brokerClient broker.Client
}

func NewCache(brokerClient broker.Client, staleAfter time.Duration) *Cache {
	return &Cache{
		quotes:       make(map[string]Quote),
		subscribers:  make(map[string]int),
		staleAfter:   staleAfter,
		brokerClient: brokerClient,
	}
}

// Subscribe increments the refcount for symbol; the first subscriber
// causes the symbol to start receiving pushed updates (via Update).
func (c *Cache) Subscribe(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers[symbol]++
}

// Unsubscribe decrements the refcount; at zero the symbol is dropped
// from both the subscriber set and the cached quote.
func (c *Cache) Unsubscribe(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribers[symbol] <= 1 {
		delete(c.subscribers, symbol)
		delete(c.quotes, symbol)
		return
	}
	c.subscribers[symbol]--
}

// Update is called by the streaming transport (out of scope here) to
// push a fresh tick into the cache.
func (c *Cache) Update(symbol string, last, bid, ask decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[symbol] = Quote{Last: last, Bid: bid, Ask: ask, ReceivedAt: time.Now().UTC()}
}

// Get returns the cached quote for symbol. The bool is false when the
// quote is missing or stale (older than staleAfter); callers must fall
// back to the Broker Client's REST equity_quote in that case.
func (c *Cache) Get(symbol string) (Quote, bool) {
	c.mu.RLock()
	q, ok := c.quotes[symbol]
	c.mu.RUnlock()
	if !ok || q.staleAt(time.Now().UTC(), c.staleAfter) {
		return Quote{}, false
	}
	return q, true
}

// GetOrFetch returns the cached quote if fresh, otherwise calls the
// Broker Client's REST fallback and updates the cache with the result.
func (c *Cache) GetOrFetch(ctx context.Context, symbol string) (Quote, error) {
	if q, ok := c.Get(symbol); ok {
		return q, nil
	}
	eq, err := c.brokerClient.EquityQuote(ctx, symbol)
	if err != nil {
		logger.Warnf("quotes: REST fallback failed for %s: %v", symbol, err)
		return Quote{}, err
	}
	q := Quote{Last: eq.Last, Bid: eq.Bid, Ask: eq.Ask, ReceivedAt: time.Now().UTC()}
	c.mu.Lock()
	c.quotes[symbol] = q
	c.mu.Unlock()
	return q, nil
}

// SubscribedSymbols returns the current subscription set, used by the
// streaming transport to decide what to (un)subscribe at the exchange.
func (c *Cache) SubscribedSymbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscribers))
	for sym := range c.subscribers {
		out = append(out, sym)
	}
	return out
}
