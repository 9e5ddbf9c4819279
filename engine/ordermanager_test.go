package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"optionflow/broker"
	"optionflow/config"
	"optionflow/errs"
	"optionflow/eventbus"
	"optionflow/risk"
	"optionflow/store"
)

func TestPollEntryOrderRecordsFillOnBrokerFilled(t *testing.T) {
	eng, sim := newTestEngine(t, nil)
	alert, err := eng.Store.CreateAlert(`{}`, "SPY", "CALL", nil, store.SourceExternal)
	require.NoError(t, err)
	orderID, err := sim.PlaceLimitEntry(context.Background(), "SPY260729C00694000", 2, decimal.NewFromFloat(0.40))
	require.NoError(t, err) // AutoFillLimitOrders defaults true, so this fills immediately
	trade, err := eng.Store.PromoteAlertToTrade(alert.ID, "2026-07-29", "CALL", "SPY260729C00694000", decimal.NewFromFloat(694), "2026-07-29", 2, orderID, "external")
	require.NoError(t, err)

	err = eng.pollEntryOrder(context.Background(), trade)
	require.NoError(t, err)

	reloaded, err := eng.Store.GetTrade(trade.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFilled, reloaded.Status)
}

func TestPollEntryOrderCancelsOnTimeout(t *testing.T) {
	eng, sim := newTestEngine(t, func(cfg *config.Config) { cfg.EntryLimitTimeout = time.Millisecond })
	sim.AutoFillLimitOrders = false
	alert, err := eng.Store.CreateAlert(`{}`, "SPY", "CALL", nil, store.SourceExternal)
	require.NoError(t, err)
	orderID, err := sim.PlaceLimitEntry(context.Background(), "SPY260729C00694000", 2, decimal.NewFromFloat(0.40))
	require.NoError(t, err)
	trade, err := eng.Store.PromoteAlertToTrade(alert.ID, "2026-07-29", "CALL", "SPY260729C00694000", decimal.NewFromFloat(694), "2026-07-29", 2, orderID, "external")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	err = eng.pollEntryOrder(context.Background(), trade)
	require.NoError(t, err)

	reloaded, err := eng.Store.GetTrade(trade.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCancelled, reloaded.Status)
}

func TestComputeStopPriceFallsBackToPercentWhenNoBarHistory(t *testing.T) {
	eng, _ := newTestEngine(t, func(cfg *config.Config) { cfg.StopLossPercentFallback = 10.0; cfg.MinStopPrice = 0.01 })
	trade := &store.Trade{OptionSymbol: "SPY260729C00694000", EntryPrice: decimal.NewFromFloat(0.40)}

	stop := eng.computeStopPrice(trade)
	require.True(t, stop.Equal(decimal.NewFromFloat(0.36)), "no bar history: falls back to entry * (1 - 10%%)")
}

func TestComputeStopPriceClampsAtMinStopPrice(t *testing.T) {
	eng, _ := newTestEngine(t, func(cfg *config.Config) { cfg.StopLossPercentFallback = 95.0; cfg.MinStopPrice = 0.05 })
	trade := &store.Trade{OptionSymbol: "SPY260729C00694000", EntryPrice: decimal.NewFromFloat(0.10)}

	stop := eng.computeStopPrice(trade)
	require.True(t, stop.Equal(decimal.NewFromFloat(0.05)), "a deep fallback discount is clamped at MinStopPrice")
}

func TestPollStopOrderRecordsStopLossHitOnBrokerFill(t *testing.T) {
	eng, sim := newTestEngine(t, nil)
	trade := openAndFillTrade(t, eng, time.Now().UTC(), decimal.NewFromFloat(0.40))
	require.NoError(t, sim.TriggerFill(trade.StopOrderID, decimal.NewFromFloat(0.20)))

	err := eng.pollStopOrder(context.Background(), trade)
	require.NoError(t, err)

	reloaded, err := eng.Store.GetTrade(trade.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusClosed, reloaded.Status)
	require.Equal(t, "STOP_LOSS_HIT", reloaded.ExitReason)
}

func TestPollStopOrderClearsStopActiveOnBrokerCancel(t *testing.T) {
	eng, sim := newTestEngine(t, nil)
	trade := openAndFillTrade(t, eng, time.Now().UTC(), decimal.NewFromFloat(0.40))
	require.NoError(t, sim.TriggerCancel(trade.StopOrderID, broker.OrderCancelled))

	err := eng.pollStopOrder(context.Background(), trade)
	require.NoError(t, err)

	reloaded, err := eng.Store.GetTrade(trade.ID)
	require.NoError(t, err)
	require.False(t, reloaded.StopActive)
}

func TestPollExitOrderRecordsFillAndPublishesClosed(t *testing.T) {
	eng, sim := newTestEngine(t, nil)
	trade := openAndFillTrade(t, eng, time.Now().UTC(), decimal.NewFromFloat(0.40))
	seedQuote(sim, trade.OptionSymbol, 0.65)
	require.NoError(t, eng.evaluateExit(context.Background(), trade))

	reloaded, err := eng.Store.GetTrade(trade.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusExiting, reloaded.Status)

	sub := eng.Bus.Subscribe()
	defer eng.Bus.Unsubscribe(sub)

	err = eng.pollExitOrder(context.Background(), reloaded)
	require.NoError(t, err)

	closed, err := eng.Store.GetTrade(trade.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusClosed, closed.Status)

	select {
	case evt := <-sub.C:
		require.Equal(t, eventbus.TradeClosed, evt.Name)
	case <-time.After(time.Second):
		t.Fatal("expected trade_closed event not published")
	}
}

func TestOrderManagerTickAdvancesEachNonTerminalTrade(t *testing.T) {
	eng, sim := newTestEngine(t, nil)
	seedChain(sim, "SPY", "SPY260729C00694000", 0.45)

	price := 694.0
	_, trade, err := eng.Admit(context.Background(), AlertInput{
		RawPayload: `{}`, Ticker: "SPY", Direction: "CALL",
		SignalPrice: &price, Source: store.SourceExternal, Secret: "s3cr3t", Action: risk.ActionOpen,
	})
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, trade.Status)

	eng.OrderManagerTick(context.Background(), &invariantGuard{})

	reloaded, err := eng.Store.GetTrade(trade.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFilled, reloaded.Status, "AutoFillLimitOrders means entry is already FILLED by the first tick")
}

func TestOrderManagerTickWrapsOffsetWhenPageRunsOut(t *testing.T) {
	eng, _ := newTestEngine(t, func(cfg *config.Config) { cfg.MaxTradesPerTick = 1 })
	guard := &invariantGuard{}
	eng.OrderManagerTick(context.Background(), guard)
	eng.OrderManagerTick(context.Background(), guard)
}

func TestOrderManagerTickSkipsWorkOnceGuardHasHalted(t *testing.T) {
	eng, sim := newTestEngine(t, nil)
	seedChain(sim, "SPY", "SPY260729C00694000", 0.45)

	price := 694.0
	_, trade, err := eng.Admit(context.Background(), AlertInput{
		RawPayload: `{}`, Ticker: "SPY", Direction: "CALL",
		SignalPrice: &price, Source: store.SourceExternal, Secret: "s3cr3t", Action: risk.ActionOpen,
	})
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, trade.Status)

	guard := &invariantGuard{}
	violation := errs.New(errs.KindInvariantViolation, "synthetic")
	guard.Record("order_manager", violation)
	guard.Record("order_manager", violation)
	guard.Record("order_manager", violation)
	require.True(t, guard.Halted())

	eng.OrderManagerTick(context.Background(), guard)

	reloaded, err := eng.Store.GetTrade(trade.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, reloaded.Status, "a halted guard must stop the tick from doing any work")
}
