package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"optionflow/broker"
	"optionflow/config"
	"optionflow/errs"
	"optionflow/quotes"
	"optionflow/store"
)

func testGate(t *testing.T, mutate func(cfg *config.Config)) (*Gate, *store.Store, *broker.Simulator) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sim := broker.NewSimulator()
	cache := quotes.NewCache(sim, time.Minute)
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	cfg := &config.Config{
		WebhookSecret:        "s3cr3t",
		AllowedTickers:       []string{"SPY"},
		SessionWindowStart:   "09:35",
		SessionWindowEnd:     "15:45",
		EventAfternoonCutoff: "13:00",
		VIXCircuitBreaker:    28.0,
		DailyTradeCap:        10,
		ConsecutiveLossCap:   3,
		DailyLossCapDollars:  500.0,
	}
	if mutate != nil {
		mutate(cfg)
	}

	overrides := config.NewOverrides()
	cal := &EventCalendar{BlockedAfternoons: make(map[string]bool)}
	g := NewGate(cfg, st, cache, sim, overrides, cal, loc)
	return g, st, sim
}

func baseRequest(loc *time.Location) Request {
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, loc)
	return Request{
		Source:    store.SourceExternal,
		Secret:    "s3cr3t",
		Ticker:    "SPY",
		Action:    ActionOpen,
		TradeDate: "2026-07-29",
		Now:       now,
	}
}

func TestEvaluatePassesAllPredicates(t *testing.T) {
	g, _, _ := testGate(t, nil)
	loc, _ := time.LoadLocation("America/New_York")
	err := g.Evaluate(context.Background(), baseRequest(loc))
	require.Nil(t, err)
}

func TestEvaluateRejectsSecretMismatchForExternalSource(t *testing.T) {
	g, _, _ := testGate(t, nil)
	loc, _ := time.LoadLocation("America/New_York")
	req := baseRequest(loc)
	req.Secret = "wrong"

	err := g.Evaluate(context.Background(), req)
	require.NotNil(t, err)
	require.True(t, errs.Is(err, errs.KindAuth))
}

func TestEvaluateSkipsSecretCheckForInternalSource(t *testing.T) {
	g, _, _ := testGate(t, nil)
	loc, _ := time.LoadLocation("America/New_York")
	req := baseRequest(loc)
	req.Source = store.SourceInternalStrategy
	req.Secret = ""

	require.Nil(t, g.Evaluate(context.Background(), req))
}

func TestEvaluateRejectsTickerNotAllowed(t *testing.T) {
	g, _, _ := testGate(t, nil)
	loc, _ := time.LoadLocation("America/New_York")
	req := baseRequest(loc)
	req.Ticker = "QQQ"

	err := g.Evaluate(context.Background(), req)
	require.NotNil(t, err)
	require.True(t, errs.Is(err, errs.KindGateRejection))
}

func TestEvaluateRejectsOutsideSessionWindow(t *testing.T) {
	g, _, _ := testGate(t, nil)
	loc, _ := time.LoadLocation("America/New_York")
	req := baseRequest(loc)
	req.Now = time.Date(2026, 7, 29, 8, 0, 0, 0, loc)

	err := g.Evaluate(context.Background(), req)
	require.NotNil(t, err)
	require.Equal(t, "outside_session_window", errs.ReasonOf(err))
}

func TestEvaluateIgnoreSessionWindowOverrideBypassesPredicate3(t *testing.T) {
	g, _, _ := testGate(t, nil)
	g.overrides.SetIgnoreSessionWindow(true)
	loc, _ := time.LoadLocation("America/New_York")
	req := baseRequest(loc)
	req.Now = time.Date(2026, 7, 29, 8, 0, 0, 0, loc)

	require.Nil(t, g.Evaluate(context.Background(), req))
}

func TestEvaluateRejectsOnVIXCircuitBreaker(t *testing.T) {
	g, _, sim := testGate(t, nil)
	sim.SeedQuote("VIX", broker.EquityQuote{Last: decimal.NewFromFloat(30)})
	loc, _ := time.LoadLocation("America/New_York")

	err := g.Evaluate(context.Background(), baseRequest(loc))
	require.NotNil(t, err)
	require.Equal(t, "vix_circuit_breaker", errs.ReasonOf(err))
}

func TestEvaluateRejectsEventDayAfternoonBlock(t *testing.T) {
	g, _, _ := testGate(t, nil)
	g.calendar.BlockedAfternoons["2026-07-29"] = true
	loc, _ := time.LoadLocation("America/New_York")
	req := baseRequest(loc)
	req.Now = time.Date(2026, 7, 29, 14, 0, 0, 0, loc)

	err := g.Evaluate(context.Background(), req)
	require.NotNil(t, err)
	require.Equal(t, "event_day_afternoon_block", errs.ReasonOf(err))
}

func TestEvaluateRejectsDailyTradeCap(t *testing.T) {
	g, st, _ := testGate(t, func(cfg *config.Config) { cfg.DailyTradeCap = 1 })
	loc, _ := time.LoadLocation("America/New_York")

	alert, err := st.CreateAlert(`{}`, "SPY", "CALL", nil, store.SourceExternal)
	require.NoError(t, err)
	_, err = st.PromoteAlertToTrade(alert.ID, "2026-07-29", "CALL", "SPY-X", decimal.NewFromFloat(694), "2026-07-29", 1, "o-1", "external")
	require.NoError(t, err)

	err2 := g.Evaluate(context.Background(), baseRequest(loc))
	require.NotNil(t, err2)
	require.Equal(t, "daily_trade_limit", errs.ReasonOf(err2))
}

func TestEvaluateCloseRejectsWithNoOpenTrade(t *testing.T) {
	g, _, _ := testGate(t, nil)
	loc, _ := time.LoadLocation("America/New_York")
	req := baseRequest(loc)
	req.Action = ActionClose

	err := g.Evaluate(context.Background(), req)
	require.NotNil(t, err)
	require.Equal(t, "no_open_trade_to_close", errs.ReasonOf(err))
}

func TestEvaluateCloseAllowedWithOpenFilledTrade(t *testing.T) {
	g, st, _ := testGate(t, nil)
	loc, _ := time.LoadLocation("America/New_York")

	alert, err := st.CreateAlert(`{}`, "SPY", "CALL", nil, store.SourceExternal)
	require.NoError(t, err)
	trade, err := st.PromoteAlertToTrade(alert.ID, "2026-07-29", "CALL", "SPY-X", decimal.NewFromFloat(694), "2026-07-29", 1, "o-1", "external")
	require.NoError(t, err)
	_, err = st.RecordEntryFill(trade.ID, decimal.NewFromFloat(0.42), time.Now().UTC())
	require.NoError(t, err)

	req := baseRequest(loc)
	req.Action = ActionClose
	require.Nil(t, g.Evaluate(context.Background(), req))
}
