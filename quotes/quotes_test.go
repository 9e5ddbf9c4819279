package quotes

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"optionflow/broker"
)

func TestSubscribeUnsubscribeRefcounting(t *testing.T) {
	c := NewCache(broker.NewSimulator(), time.Minute)

	c.Subscribe("SPY")
	c.Subscribe("SPY")
	require.ElementsMatch(t, []string{"SPY"}, c.SubscribedSymbols())

	c.Unsubscribe("SPY")
	require.ElementsMatch(t, []string{"SPY"}, c.SubscribedSymbols(), "still referenced once")

	c.Unsubscribe("SPY")
	require.Empty(t, c.SubscribedSymbols())
}

func TestGetReturnsFalseWhenMissing(t *testing.T) {
	c := NewCache(broker.NewSimulator(), time.Minute)
	_, ok := c.Get("SPY")
	require.False(t, ok)
}

func TestGetReturnsFalseWhenStale(t *testing.T) {
	c := NewCache(broker.NewSimulator(), time.Millisecond)
	c.Update("SPY", decimal.NewFromFloat(694), decimal.NewFromFloat(693.9), decimal.NewFromFloat(694.1))
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("SPY")
	require.False(t, ok)
}

func TestGetReturnsFreshQuote(t *testing.T) {
	c := NewCache(broker.NewSimulator(), time.Minute)
	c.Update("SPY", decimal.NewFromFloat(694), decimal.NewFromFloat(693.9), decimal.NewFromFloat(694.1))
	q, ok := c.Get("SPY")
	require.True(t, ok)
	require.True(t, q.Last.Equal(decimal.NewFromFloat(694)))
}

func TestGetOrFetchFallsBackToBrokerOnMiss(t *testing.T) {
	sim := broker.NewSimulator()
	sim.SeedQuote("SPY", broker.EquityQuote{Last: decimal.NewFromFloat(700)})
	c := NewCache(sim, time.Minute)

	q, err := c.GetOrFetch(context.Background(), "SPY")
	require.NoError(t, err)
	require.True(t, q.Last.Equal(decimal.NewFromFloat(700)))

	cached, ok := c.Get("SPY")
	require.True(t, ok)
	require.True(t, cached.Last.Equal(decimal.NewFromFloat(700)), "fallback result populates the cache")
}

func TestGetOrFetchPrefersFreshCacheOverBroker(t *testing.T) {
	sim := broker.NewSimulator()
	sim.SeedQuote("SPY", broker.EquityQuote{Last: decimal.NewFromFloat(700)})
	c := NewCache(sim, time.Minute)
	c.Update("SPY", decimal.NewFromFloat(694), decimal.NewFromFloat(693.9), decimal.NewFromFloat(694.1))

	q, err := c.GetOrFetch(context.Background(), "SPY")
	require.NoError(t, err)
	require.True(t, q.Last.Equal(decimal.NewFromFloat(694)), "fresh cache entry wins over the REST fallback")
}
