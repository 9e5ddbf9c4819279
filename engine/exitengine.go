package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"optionflow/errs"
	"optionflow/logger"
	"optionflow/store"
)

// ExitEngineTick is the Exit Engine (C10)'s 10 s poll: for every
// STOP_LOSS_PLACED trade, refresh the trailing stop, evaluate the five
// exit conditions in strict priority order, and trigger the first one
// that holds. Grounded on auto_trader.go's checkPositionDrawdown /
// emergencyClosePosition pairing, generalized from a single drawdown
// check to the ranked condition list §4.10 specifies. guard is the
// scheduler's persistent exit_engine invariantGuard; its streak spans
// ticks, so the same guard must be passed on every call.
func (e *Engine) ExitEngineTick(ctx context.Context, guard *invariantGuard) {
	if guard.Halted() {
		return
	}
	trades, err := e.Store.ListOpenTradesByStatus(store.StatusStopLossPlaced)
	if err != nil {
		logger.Errorf("engine: exit engine could not list trades: %v", err)
		return
	}

	for _, t := range trades {
		var tickErr error
		e.withTradeLock(t.ID, func() {
			tickErr = e.evaluateExit(ctx, t)
		})
		if guard.Record("exit_engine", tickErr) {
			return
		}
	}
}

// exitCondition is one of the five ranked conditions §4.10 evaluates in
// order; the first that holds wins.
type exitCondition struct {
	reason string
	holds  func(t *store.Trade, current decimal.Decimal, now time.Time, cfg exitCfg) bool
}

type exitCfg struct {
	forceExitClock   string
	maxHoldMinutes   int
	profitTargetPct  float64
	trailingStopPct  float64
}

var exitConditions = []exitCondition{
	{
		reason: "TIME_BASED",
		holds: func(t *store.Trade, current decimal.Decimal, now time.Time, cfg exitCfg) bool {
			return false // superseded by the force-exit clock check in evaluateExit
		},
	},
	{
		reason: "MAX_HOLD_TIME",
		holds: func(t *store.Trade, current decimal.Decimal, now time.Time, cfg exitCfg) bool {
			return cfg.maxHoldMinutes > 0 && now.Sub(t.EntryFilledAt) >= time.Duration(cfg.maxHoldMinutes)*time.Minute
		},
	},
	{
		reason: "STOP_LOSS",
		holds: func(t *store.Trade, current decimal.Decimal, now time.Time, cfg exitCfg) bool {
			return t.StopActive && current.LessThanOrEqual(t.StopPrice)
		},
	},
	{
		reason: "PROFIT_TARGET",
		holds: func(t *store.Trade, current decimal.Decimal, now time.Time, cfg exitCfg) bool {
			if t.EntryPrice.IsZero() {
				return false
			}
			gainPct := current.Sub(t.EntryPrice).Div(t.EntryPrice).Mul(decimal.NewFromInt(100))
			target := decimal.NewFromFloat(cfg.profitTargetPct)
			return gainPct.GreaterThanOrEqual(target)
		},
	},
	{
		reason: "TRAILING_STOP",
		holds: func(t *store.Trade, current decimal.Decimal, now time.Time, cfg exitCfg) bool {
			return !t.TrailingStopPrice.IsZero() && current.LessThanOrEqual(t.TrailingStopPrice)
		},
	},
}

// evaluateExit fetches the current price, updates trailing state, walks
// exitConditions in §4.10's priority order (TIME_BASED highest, then
// MAX_HOLD_TIME, STOP_LOSS, PROFIT_TARGET, TRAILING_STOP), and triggers
// the first condition that holds.
func (e *Engine) evaluateExit(ctx context.Context, t *store.Trade) error {
	underlying := underlyingOf(t.OptionSymbol)
	quote, err := e.Quotes.GetOrFetch(ctx, t.OptionSymbol)
	if err != nil {
		quote, err = e.Quotes.GetOrFetch(ctx, underlying)
		if err != nil {
			return err
		}
	}
	current := quote.Last

	updated, err := e.Store.UpdateTrailingState(t.ID, current, e.Cfg.TrailingStopPercent)
	if err != nil {
		return err
	}
	t = updated

	if err := e.maybeRecordPriceSnapshot(t, current); err != nil {
		logger.Warnf("engine: price snapshot for trade %s failed: %v", t.ID, err)
	}

	now := time.Now().In(e.Loc)
	cfg := exitCfg{
		forceExitClock:  e.Cfg.ForceExitTime,
		maxHoldMinutes:  e.Cfg.MaxHoldMinutes,
		profitTargetPct: e.Cfg.ProfitTargetPercent,
		trailingStopPct: e.Cfg.TrailingStopPercent,
	}

	if pastForceExitClock(now, cfg.forceExitClock) {
		return e.triggerExit(ctx, t, "TIME_BASED")
	}

	for _, cond := range exitConditions {
		if cond.reason == "TIME_BASED" {
			continue // handled above against the wall clock, not per-trade state
		}
		if cond.holds(t, current, now, cfg) {
			return e.triggerExit(ctx, t, cond.reason)
		}
	}
	return nil
}

// maybeRecordPriceSnapshot writes at most one PriceSnapshot row per
// PriceSnapshotIntervalSeconds per trade, so a closed trade's chart can
// be reconstructed later without a live quote feed.
func (e *Engine) maybeRecordPriceSnapshot(t *store.Trade, current decimal.Decimal) error {
	last, err := e.Store.LastSnapshotTime(t.ID)
	if err != nil {
		return err
	}
	interval := time.Duration(e.Cfg.PriceSnapshotIntervalSeconds) * time.Second
	if interval > 0 && !last.IsZero() && time.Since(last) < interval {
		return nil
	}
	return e.Store.RecordPriceSnapshot(t.ID, current, t.HighestPriceSeen)
}

func pastForceExitClock(now time.Time, hhmm string) bool {
	t, err := time.ParseInLocation("15:04", hhmm, now.Location())
	if err != nil {
		return false
	}
	clock := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	return !now.Before(clock)
}

// triggerExit cancels the broker stop (best-effort), places a
// SELL_TO_CLOSE via placeExitOrder (limit at the bid, or market when the
// override is set or the quote is unavailable), and records the exit
// trigger.
func (e *Engine) triggerExit(ctx context.Context, t *store.Trade, reason string) error {
	if t.StopOrderID != "" {
		if err := e.Broker.Cancel(ctx, t.StopOrderID); err != nil {
			logger.Warnf("engine: best-effort cancel of stop %s failed: %v", t.StopOrderID, err)
		}
	}

	orderID, err := e.placeExitOrder(ctx, t)
	if err != nil {
		if errs.Is(err, errs.KindTransientBroker) {
			return err
		}
		_, markErr := e.Store.MarkTradeError(t.ID, "exit market order failed: "+err.Error())
		if markErr != nil {
			logger.Errorf("engine: could not mark trade %s error: %v", t.ID, markErr)
		}
		return err
	}

	_, err = e.Store.RecordExitTrigger(t.ID, reason, orderID)
	return err
}

// placeExitOrder honors the use_market_orders_on_exit override (§9):
// market by default is off, meaning exits place a limit order at the
// current quote; flipping the override switches to a market order.
func (e *Engine) placeExitOrder(ctx context.Context, t *store.Trade) (string, error) {
	_, useMarketOnExit := e.Overrides.Snapshot()
	if useMarketOnExit {
		return e.Broker.PlaceMarketExit(ctx, t.OptionSymbol, t.Quantity)
	}
	quote, err := e.Quotes.GetOrFetch(ctx, t.OptionSymbol)
	if err != nil {
		return e.Broker.PlaceMarketExit(ctx, t.OptionSymbol, t.Quantity)
	}
	return e.Broker.PlaceLimitExit(ctx, t.OptionSymbol, t.Quantity, quote.Bid)
}
