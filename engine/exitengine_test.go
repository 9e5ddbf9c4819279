package engine

import (
	"context"
	"testing"
	"time"

	gomonkey "github.com/agiledragon/gomonkey/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"optionflow/broker"
	"optionflow/config"
	"optionflow/store"
)

func seedQuote(sim *broker.Simulator, symbol string, last float64) {
	sim.SeedQuote(symbol, broker.EquityQuote{Last: decimal.NewFromFloat(last), Bid: decimal.NewFromFloat(last), Ask: decimal.NewFromFloat(last)})
}

func openAndFillTrade(t *testing.T, eng *Engine, entryFilledAt time.Time, entryPrice decimal.Decimal) *store.Trade {
	t.Helper()
	alert, err := eng.Store.CreateAlert(`{}`, "SPY", "CALL", nil, store.SourceExternal)
	require.NoError(t, err)
	trade, err := eng.Store.PromoteAlertToTrade(alert.ID, "2026-07-29", "CALL", "SPY260729C00694000", decimal.NewFromFloat(694), "2026-07-29", 1, "order-1", "external")
	require.NoError(t, err)
	trade, err = eng.Store.RecordEntryFill(trade.ID, entryPrice, entryFilledAt)
	require.NoError(t, err)
	trade, err = eng.Store.RecordStopPlacement(trade.ID, "stop-1", decimal.NewFromFloat(0.20))
	require.NoError(t, err)
	return trade
}

func TestEvaluateExitTriggersStopLoss(t *testing.T) {
	eng, sim := newTestEngine(t, func(cfg *config.Config) { cfg.ForceExitTime = "23:59" })
	trade := openAndFillTrade(t, eng, time.Now().UTC(), decimal.NewFromFloat(0.42))

	seedQuote(sim, trade.OptionSymbol, 0.18)

	err := eng.evaluateExit(context.Background(), trade)
	require.NoError(t, err)

	reloaded, rErr := eng.Store.GetTrade(trade.ID)
	require.NoError(t, rErr)
	require.Equal(t, store.StatusExiting, reloaded.Status)
	require.Equal(t, "STOP_LOSS", reloaded.ExitReason)
}

func TestEvaluateExitTriggersMaxHoldTime(t *testing.T) {
	eng, sim := newTestEngine(t, func(cfg *config.Config) {
		cfg.MaxHoldMinutes = 60
		cfg.ForceExitTime = "23:59"
	})
	old := time.Now().UTC().Add(-2 * time.Hour)
	trade := openAndFillTrade(t, eng, old, decimal.NewFromFloat(0.42))
	seedQuote(sim, trade.OptionSymbol, 0.42)

	err := eng.evaluateExit(context.Background(), trade)
	require.NoError(t, err)

	reloaded, rErr := eng.Store.GetTrade(trade.ID)
	require.NoError(t, rErr)
	require.Equal(t, "MAX_HOLD_TIME", reloaded.ExitReason)
}

func TestEvaluateExitTriggersProfitTarget(t *testing.T) {
	eng, sim := newTestEngine(t, func(cfg *config.Config) {
		cfg.ProfitTargetPercent = 50.0
		cfg.ForceExitTime = "23:59"
		cfg.MaxHoldMinutes = 0
	})
	trade := openAndFillTrade(t, eng, time.Now().UTC(), decimal.NewFromFloat(0.40))
	seedQuote(sim, trade.OptionSymbol, 0.65) // +62.5%, above the 50% target

	err := eng.evaluateExit(context.Background(), trade)
	require.NoError(t, err)

	reloaded, rErr := eng.Store.GetTrade(trade.ID)
	require.NoError(t, rErr)
	require.Equal(t, "PROFIT_TARGET", reloaded.ExitReason)
}

func TestEvaluateExitNoConditionHoldsLeavesTradeUntouched(t *testing.T) {
	eng, sim := newTestEngine(t, func(cfg *config.Config) {
		cfg.ProfitTargetPercent = 50.0
		cfg.MaxHoldMinutes = 180
		cfg.ForceExitTime = "23:59"
	})
	trade := openAndFillTrade(t, eng, time.Now().UTC(), decimal.NewFromFloat(0.40))
	seedQuote(sim, trade.OptionSymbol, 0.41)

	err := eng.evaluateExit(context.Background(), trade)
	require.NoError(t, err)

	reloaded, rErr := eng.Store.GetTrade(trade.ID)
	require.NoError(t, rErr)
	require.Equal(t, store.StatusStopLossPlaced, reloaded.Status, "no exit condition held, trade stays open")
}

func TestPlaceExitOrderUsesLimitByDefault(t *testing.T) {
	eng, sim := newTestEngine(t, nil)
	trade := openAndFillTrade(t, eng, time.Now().UTC(), decimal.NewFromFloat(0.40))
	seedQuote(sim, trade.OptionSymbol, 0.35)

	orderID, err := eng.placeExitOrder(context.Background(), trade)
	require.NoError(t, err)
	st, err := sim.OrderStatus(context.Background(), orderID)
	require.NoError(t, err)
	require.True(t, st.FilledPrice.Equal(decimal.NewFromFloat(0.35)), "limit exit fills at the quoted bid")
}

// TestEvaluateExitTriggersTimeBasedAtForceExitClock patches time.Now so
// the force-exit wall-clock check fires deterministically, instead of
// depending on the real clock being past ForceExitTime when the suite runs.
func TestEvaluateExitTriggersTimeBasedAtForceExitClock(t *testing.T) {
	eng, sim := newTestEngine(t, func(cfg *config.Config) { cfg.ForceExitTime = "09:00" })
	trade := openAndFillTrade(t, eng, time.Now().UTC(), decimal.NewFromFloat(0.40))
	seedQuote(sim, trade.OptionSymbol, 0.40)

	fixed := time.Date(2026, 7, 29, 15, 0, 0, 0, time.UTC) // 11:00 in America/New_York, past the 09:00 cutoff
	patches := gomonkey.ApplyFunc(time.Now, func() time.Time { return fixed })
	defer patches.Reset()

	err := eng.evaluateExit(context.Background(), trade)
	require.NoError(t, err)

	reloaded, err := eng.Store.GetTrade(trade.ID)
	require.NoError(t, err)
	require.Equal(t, "TIME_BASED", reloaded.ExitReason)
}

func TestEvaluateExitRecordsPriceSnapshot(t *testing.T) {
	eng, sim := newTestEngine(t, func(cfg *config.Config) { cfg.ForceExitTime = "23:59" })
	trade := openAndFillTrade(t, eng, time.Now().UTC(), decimal.NewFromFloat(0.40))
	seedQuote(sim, trade.OptionSymbol, 0.41)

	require.NoError(t, eng.evaluateExit(context.Background(), trade))

	snapshots, err := eng.Store.SnapshotsForTrade(trade.ID)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	require.True(t, snapshots[0].Price.Equal(decimal.NewFromFloat(0.41)))
}

func TestEvaluateExitSkipsSnapshotWithinInterval(t *testing.T) {
	eng, sim := newTestEngine(t, func(cfg *config.Config) {
		cfg.ForceExitTime = "23:59"
		cfg.PriceSnapshotIntervalSeconds = 3600
	})
	trade := openAndFillTrade(t, eng, time.Now().UTC(), decimal.NewFromFloat(0.40))
	seedQuote(sim, trade.OptionSymbol, 0.41)
	require.NoError(t, eng.evaluateExit(context.Background(), trade))

	seedQuote(sim, trade.OptionSymbol, 0.43)
	require.NoError(t, eng.evaluateExit(context.Background(), trade))

	snapshots, err := eng.Store.SnapshotsForTrade(trade.ID)
	require.NoError(t, err)
	require.Len(t, snapshots, 1, "second tick within the interval must not write a second snapshot")
}

func TestPlaceExitOrderUsesMarketWhenOverrideFlipped(t *testing.T) {
	eng, sim := newTestEngine(t, nil)
	eng.Overrides.SetUseMarketOrdersOnExit(true)
	trade := openAndFillTrade(t, eng, time.Now().UTC(), decimal.NewFromFloat(0.40))
	seedQuote(sim, trade.OptionSymbol, 0.35)

	orderID, err := eng.placeExitOrder(context.Background(), trade)
	require.NoError(t, err)
	require.NotEmpty(t, orderID)
}
