package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"optionflow/bars"
	"optionflow/broker"
	"optionflow/errs"
	"optionflow/eventbus"
	"optionflow/indicators"
	"optionflow/logger"
	"optionflow/store"
)

// atrStopPeriod is the ATR lookback used for stop-price computation,
// matching signal.DefaultParams' ATRPeriod.
const atrStopPeriod = 14

var omOffset int64

// OrderManagerTick is the Order Manager (C9)'s 5 s poll: for every
// non-terminal trade, advance its broker-side order toward the next
// Trade state. Grounded on auto_trader.go's runCycle dispatch-by-state
// shape; split out of the monolithic trader into its own tick function.
// guard is the scheduler's persistent order_manager invariantGuard: the
// streak it tracks spans ticks, so a caller must pass the same guard on
// every call rather than a fresh one per tick.
func (e *Engine) OrderManagerTick(ctx context.Context, guard *invariantGuard) {
	if guard.Halted() {
		return
	}
	offset := int(atomic.LoadInt64(&omOffset))
	trades, err := e.Store.ListNonTerminalTrades(e.Cfg.MaxTradesPerTick, offset)
	if err != nil {
		logger.Errorf("engine: order manager could not list trades: %v", err)
		return
	}
	if len(trades) == 0 && offset > 0 {
		// ran off the end of the rotation; wrap back to the start instead
		// of starving every trade for a full cycle.
		atomic.StoreInt64(&omOffset, 0)
		trades, err = e.Store.ListNonTerminalTrades(e.Cfg.MaxTradesPerTick, 0)
		if err != nil || len(trades) == 0 {
			return
		}
		offset = 0
	}

	if len(trades) < e.Cfg.MaxTradesPerTick {
		atomic.StoreInt64(&omOffset, 0)
	} else {
		atomic.StoreInt64(&omOffset, int64(offset+len(trades)))
	}

	for _, t := range trades {
		var tickErr error
		e.withTradeLock(t.ID, func() {
			tickErr = e.processOrderManagerTrade(ctx, t)
		})
		if guard.Record("order_manager", tickErr) {
			return
		}
	}
}

func (e *Engine) processOrderManagerTrade(ctx context.Context, t *store.Trade) error {
	switch t.Status {
	case store.StatusPending:
		return e.pollEntryOrder(ctx, t)
	case store.StatusFilled:
		return e.placeInitialStop(ctx, t)
	case store.StatusStopLossPlaced:
		return e.pollStopOrder(ctx, t)
	case store.StatusExiting:
		return e.pollExitOrder(ctx, t)
	default:
		return nil
	}
}

// pollEntryOrder advances PENDING: fetch order status, and on FILLED
// record entry fill; on a terminal broker rejection cancel_pending; on
// a live order past the timeout, cancel without price-chasing.
func (e *Engine) pollEntryOrder(ctx context.Context, t *store.Trade) error {
	status, err := e.withRetry(ctx, "entry_status", func() (broker.OrderStatus, error) {
		return e.Broker.OrderStatus(ctx, t.EntryOrderID)
	})
	if err != nil {
		return err
	}

	switch status.State {
	case broker.OrderFilled:
		_, err := e.Store.RecordEntryFill(t.ID, status.FilledPrice, status.FilledAt)
		if err != nil {
			return err
		}
		e.Bus.Publish(eventbus.Event{Name: eventbus.TradeFilled, Payload: t.ID})
		return nil
	case broker.OrderCancelled, broker.OrderRejected, broker.OrderExpired:
		_, err := e.Store.CancelPending(t.ID, fmt.Sprintf("broker order %s", status.State))
		return err
	default: // WORKING
		if time.Since(t.CreatedAt) > e.Cfg.EntryLimitTimeout {
			if cancelErr := e.Broker.Cancel(ctx, t.EntryOrderID); cancelErr != nil {
				logger.Warnf("engine: cancel of timed-out entry %s failed: %v", t.EntryOrderID, cancelErr)
			}
			_, err := e.Store.CancelPending(t.ID, "LIMIT_TIMEOUT")
			return err
		}
		return nil
	}
}

// placeInitialStop advances FILLED: compute the stop price (ATR-primary,
// percent fallback, clamped at MinStopPrice), place it, and record
// placement.
func (e *Engine) placeInitialStop(ctx context.Context, t *store.Trade) error {
	stopPrice := e.computeStopPrice(t)

	stopOrderID, err := e.Broker.PlaceStopExit(ctx, t.OptionSymbol, t.Quantity, stopPrice)
	if err != nil {
		return err
	}
	_, err = e.Store.RecordStopPlacement(t.ID, stopOrderID, stopPrice)
	return err
}

// computeStopPrice implements §4.9: entry_price - atr_stop_multiplier *
// ATR_at_entry when ATR is available from the underlying's bar history,
// otherwise entry_price * (1 - StopLossPercentFallback/100); the result
// is clamped at MinStopPrice so a deep-OTM entry never gets a zero or
// negative stop.
func (e *Engine) computeStopPrice(t *store.Trade) decimal.Decimal {
	underlying := underlyingOf(t.OptionSymbol)
	stop := t.EntryPrice.Mul(decimal.NewFromFloat(1 - e.Cfg.StopLossPercentFallback/100))

	for _, tf := range []bars.Timeframe{bars.Timeframe5Min, bars.Timeframe1Min} {
		b := e.Aggregator.LastBars(underlying, tf, atrStopPeriod+1)
		if atr, ok := indicators.ATR(b, atrStopPeriod); ok {
			candidate := t.EntryPrice.Sub(decimal.NewFromFloat(e.Cfg.ATRStopMultiplier * atr))
			stop = candidate
			break
		}
	}

	minStop := decimal.NewFromFloat(e.Cfg.MinStopPrice)
	if stop.LessThan(minStop) {
		stop = minStop
	}
	return stop
}

// pollStopOrder advances STOP_LOSS_PLACED: if the broker stop itself
// filled (no Exit Engine trigger preceded it), treat it as an exit with
// reason STOP_LOSS_HIT (scenario 6).
func (e *Engine) pollStopOrder(ctx context.Context, t *store.Trade) error {
	status, err := e.withRetry(ctx, "stop_status", func() (broker.OrderStatus, error) {
		return e.Broker.OrderStatus(ctx, t.StopOrderID)
	})
	if err != nil {
		return err
	}

	switch status.State {
	case broker.OrderFilled:
		if _, err := e.Store.MarkStopLossHit(t.ID, t.StopOrderID); err != nil {
			return err
		}
		if _, err := e.Store.RecordExitFill(t.ID, status.FilledPrice, status.FilledAt); err != nil {
			return err
		}
		e.publishTradeClosed(t.ID, t.OptionSymbol, "STOP_LOSS_HIT")
		return nil
	case broker.OrderCancelled, broker.OrderRejected, broker.OrderExpired:
		return e.Store.ClearStopActive(t.ID)
	default:
		return nil
	}
}

// pollExitOrder advances EXITING: on FILLED, record the exit fill and
// broadcast trade_closed.
func (e *Engine) pollExitOrder(ctx context.Context, t *store.Trade) error {
	status, err := e.withRetry(ctx, "exit_status", func() (broker.OrderStatus, error) {
		return e.Broker.OrderStatus(ctx, t.ExitOrderID)
	})
	if err != nil {
		return err
	}

	if status.State != broker.OrderFilled {
		return nil
	}
	closed, err := e.Store.RecordExitFill(t.ID, status.FilledPrice, status.FilledAt)
	if err != nil {
		return err
	}
	e.publishTradeClosed(t.ID, t.OptionSymbol, closed.ExitReason)
	return nil
}

func (e *Engine) publishTradeClosed(tradeID, optionSymbol, exitReason string) {
	e.Bus.Publish(eventbus.Event{Name: eventbus.TradeClosed, Payload: tradeID})
	if e.Metrics != nil {
		trade, err := e.Store.GetTrade(tradeID)
		if err == nil {
			pnl, _ := trade.PnLDollars.Float64()
			e.Metrics.RecordExit(underlyingOf(optionSymbol), exitReason, pnl)
		}
		e.Metrics.OpenPositionsGauge.Dec()
	}
}

// backoffSchedule is §4.9's exponential backoff for transient broker
// errors: up to four retries after the first call, waiting 0.5s, 1s,
// 2s and 4s before each.
var backoffSchedule = []time.Duration{500 * time.Millisecond, 1 * time.Second, 2 * time.Second, 4 * time.Second}

// withRetry calls fn, retrying on a KindTransientBroker error per
// backoffSchedule; a KindPermanentBroker or any other error returns
// immediately.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() (broker.OrderStatus, error)) (broker.OrderStatus, error) {
	var last error
	for attempt := 0; attempt < len(backoffSchedule)+1; attempt++ {
		status, err := fn()
		if err == nil {
			return status, nil
		}
		last = err
		if e.Metrics != nil {
			e.Metrics.BrokerErrorsTotal.WithLabelValues(op, errs.ReasonOf(err)).Inc()
		}
		if !errs.Is(err, errs.KindTransientBroker) || attempt >= len(backoffSchedule) {
			return broker.OrderStatus{}, err
		}
		select {
		case <-ctx.Done():
			return broker.OrderStatus{}, ctx.Err()
		case <-time.After(backoffSchedule[attempt]):
		}
	}
	return broker.OrderStatus{}, last
}
