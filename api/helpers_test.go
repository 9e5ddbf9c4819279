package api

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"optionflow/bars"
	"optionflow/broker"
	"optionflow/config"
	"optionflow/contract"
	"optionflow/engine"
	"optionflow/eventbus"
	"optionflow/metrics"
	"optionflow/quotes"
	"optionflow/risk"
	"optionflow/store"
)

// testTOTPSecret is a valid base32 TOTP secret used only in tests.
const testTOTPSecret = "JBSWY3DPEHPK3PXP"

func seedChainForAPITest(sim *broker.Simulator, underlying, symbol string, delta float64) {
	sim.SeedChain(underlying, []broker.ChainEntry{
		{Symbol: symbol, Strike: decimal.NewFromFloat(694), Bid: decimal.NewFromFloat(0.40), Ask: decimal.NewFromFloat(0.42), Delta: delta},
	})
}

// newTestServer wires a full Server against an in-memory store and the
// broker simulator, mirroring cmd/optionflow's composition order.
func newTestServer(t *testing.T, mutate func(cfg *config.Config)) (*Server, *broker.Simulator, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sim := broker.NewSimulator()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	cfg := &config.Config{
		Env:                  "test",
		HTTPAddr:             "127.0.0.1:0",
		WebhookSecret:        "s3cr3t",
		JWTSigningKey:        "test-signing-key",
		TOTPSecret:           testTOTPSecret,
		AllowedTickers:       []string{"SPY"},
		SessionWindowStart:   "00:00",
		SessionWindowEnd:     "23:59",
		EventAfternoonCutoff: "13:00",
		VIXCircuitBreaker:    28.0,
		DailyTradeCap:        10,
		ConsecutiveLossCap:   3,
		DailyLossCapDollars:  500.0,
		DefaultQuantity:      2,
		DoubleMinScore:       5.0,
		DoubleMinRelVolume:   2.0,
		HalfMaxScore:         2.0,
		MaxHoldMinutes:       180,
		ProfitTargetPercent:  50.0,
		TrailingStopPercent:  15.0,
		ForceExitTime:        "23:59",
		MaxSpreadPercent:     15.0,
		DeltaTarget:          0.45,
		BrokerTimeout:        5 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	quoteCache := quotes.NewCache(sim, time.Minute)
	aggregator := bars.NewAggregator(loc, 500)
	selector := contract.NewSelector(sim, 10, cfg.MaxSpreadPercent, cfg.DeltaTarget)
	overrides := config.NewOverrides()
	cal := &risk.EventCalendar{BlockedAfternoons: make(map[string]bool)}
	gate := risk.NewGate(cfg, st, quoteCache, sim, overrides, cal, loc)
	bus := eventbus.NewBus()
	m := metrics.New()

	eng := engine.New(cfg, st, sim, quoteCache, aggregator, selector, gate, bus, overrides, m, loc)
	sched := engine.NewScheduler(eng, loc)

	return New(cfg, eng, sched, bus), sim, st
}
