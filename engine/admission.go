package engine

import (
	"context"
	"fmt"
	"time"

	"optionflow/errs"
	"optionflow/eventbus"
	"optionflow/logger"
	"optionflow/risk"
	"optionflow/signal"
	"optionflow/store"
)

// AlertInput is everything the Admission Pipeline (C12) needs to turn an
// incoming webhook payload, confirmed internal signal, or manual test
// request into a persisted Alert and (on success) a Trade.
type AlertInput struct {
	RawPayload      string
	Ticker          string
	Direction       string // "CALL" | "PUT", empty for a CLOSE action
	SignalPrice     *float64
	Source          store.AlertSource
	Secret          string
	Action          risk.Action
	ConfluenceScore *float64
	RelativeVolume  *float64
}

// Admit runs the full Admission Pipeline (§4.12): persist Alert{RECEIVED},
// evaluate the Risk Gate, then branch to the OPEN or CLOSE procedure.
func (e *Engine) Admit(ctx context.Context, in AlertInput) (*store.Alert, *store.Trade, error) {
	alert, err := e.Store.CreateAlert(in.RawPayload, in.Ticker, in.Direction, in.SignalPrice, in.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("create alert: %w", err)
	}
	if e.Metrics != nil {
		e.Metrics.AlertsReceivedTotal.WithLabelValues(string(in.Source)).Inc()
	}

	now := time.Now()
	tradeDate := now.In(e.Loc).Format("2006-01-02")

	gateErr := e.Gate.Evaluate(ctx, risk.Request{
		Source: in.Source, Secret: in.Secret, Ticker: in.Ticker,
		Action: in.Action, TradeDate: tradeDate, Now: now,
	})
	if gateErr != nil {
		reason := errs.ReasonOf(gateErr)
		if _, rejErr := e.Store.RejectAlert(alert.ID, reason); rejErr != nil {
			logger.Errorf("engine: could not record rejection for alert %s: %v", alert.ID, rejErr)
		}
		if e.Metrics != nil {
			e.Metrics.AlertsRejectedTotal.WithLabelValues(reason).Inc()
			if errs.Is(gateErr, errs.KindGateRejection) {
				e.Metrics.RiskGateRejections.WithLabelValues(reason).Inc()
			}
		}
		return alert, nil, gateErr
	}

	if in.Action == risk.ActionClose {
		trade, err := e.admitClose(ctx, alert, in)
		return alert, trade, err
	}
	trade, err := e.admitOpen(ctx, alert, in, tradeDate)
	return alert, trade, err
}

func (e *Engine) admitOpen(ctx context.Context, alert *store.Alert, in AlertInput, tradeDate string) (*store.Trade, error) {
	direction := signal.Direction(in.Direction)

	underlyingPrice, err := e.resolveUnderlyingPrice(ctx, in.Ticker, in.SignalPrice)
	if err != nil {
		e.markAlertErrorf(alert.ID, "underlying_price_unavailable: %v", err)
		return nil, err
	}

	result, err := e.Selector.Select(ctx, in.Ticker, direction, underlyingPrice)
	if err != nil {
		if errs.Is(err, errs.KindNoLiquidContract) {
			_ = e.Store.CancelPendingBeforePromotion(alert.ID, errs.ReasonOf(err))
			if e.Metrics != nil {
				e.Metrics.AlertsRejectedTotal.WithLabelValues("no_liquid_contract").Inc()
			}
			return nil, err
		}
		e.markAlertErrorf(alert.ID, "contract_selection_failed: %v", err)
		return nil, err
	}

	quantity := e.computeQuantity(in.ConfluenceScore, in.RelativeVolume)

	orderID, err := e.Broker.PlaceLimitEntry(ctx, result.OptionSymbol, quantity, result.Ask)
	if err != nil {
		e.markAlertErrorf(alert.ID, "entry_order_placement_failed: %v", err)
		if e.Metrics != nil {
			e.Metrics.BrokerErrorsTotal.WithLabelValues("place_limit_entry", errs.ReasonOf(err)).Inc()
		}
		return nil, err
	}

	trade, err := e.Store.PromoteAlertToTrade(alert.ID, tradeDate, string(direction), result.OptionSymbol, result.Strike, result.Expiry, quantity, orderID, string(in.Source))
	if err != nil {
		return nil, fmt.Errorf("promote alert to trade: %w", err)
	}

	e.Bus.Publish(eventbus.Event{Name: eventbus.TradeCreated, Payload: trade})
	if e.Metrics != nil {
		e.Metrics.TradesOpenedTotal.WithLabelValues(in.Ticker, string(direction)).Inc()
		e.Metrics.OpenPositionsGauge.Inc()
	}
	return trade, nil
}

// admitClose locates the ticker's most recent open trade, cancels any
// working stop best-effort, places a SELL_TO_CLOSE via placeExitOrder
// (limit at the bid unless the market-on-exit override is set), and
// records the exit trigger. The Risk Gate's predicate 9 already guaranteed an
// open trade exists.
func (e *Engine) admitClose(ctx context.Context, alert *store.Alert, in AlertInput) (*store.Trade, error) {
	trade, err := e.Store.MostRecentOpenTrade(in.Ticker)
	if err != nil {
		e.markAlertErrorf(alert.ID, "no_open_trade_found: %v", err)
		return nil, err
	}

	var result *store.Trade
	e.withTradeLock(trade.ID, func() {
		if trade.StopOrderID != "" {
			if cancelErr := e.Broker.Cancel(ctx, trade.StopOrderID); cancelErr != nil {
				logger.Warnf("engine: best-effort cancel of stop %s failed: %v", trade.StopOrderID, cancelErr)
			}
			if clearErr := e.Store.ClearStopActive(trade.ID); clearErr != nil {
				logger.Warnf("engine: could not clear stop_active for %s: %v", trade.ID, clearErr)
			}
		}

		orderID, placeErr := e.placeExitOrder(ctx, trade)
		if placeErr != nil {
			err = placeErr
			_, _ = e.Store.MarkTradeError(trade.ID, fmt.Sprintf("close signal market exit failed: %v", placeErr))
			return
		}

		updated, trigErr := e.Store.RecordExitTrigger(trade.ID, "SIGNAL", orderID)
		if trigErr != nil {
			err = trigErr
			return
		}
		result = updated
	})
	if err != nil {
		return nil, err
	}

	if linkErr := e.Store.LinkAlertToExistingTrade(alert.ID, trade.ID); linkErr != nil {
		logger.Errorf("engine: could not link close alert %s to trade %s: %v", alert.ID, trade.ID, linkErr)
	}
	return result, nil
}

// resolveUnderlyingPrice prefers the alert's carried signal price,
// falling back to the Quote Cache/broker for a fresh read.
func (e *Engine) resolveUnderlyingPrice(ctx context.Context, ticker string, signalPrice *float64) (float64, error) {
	if signalPrice != nil {
		return *signalPrice, nil
	}
	q, err := e.Quotes.GetOrFetch(ctx, ticker)
	if err != nil {
		return 0, fmt.Errorf("resolve underlying price: %w", err)
	}
	last, _ := q.Last.Float64()
	return last, nil
}

// computeQuantity applies §4.12's confluence/relative-volume sizing
// rule. The adjustment only applies when confluence_score is present:
// double when score and relative volume both clear their minimums,
// halve on a weak score alone, default otherwise.
func (e *Engine) computeQuantity(confluenceScore, relativeVolume *float64) int {
	qty := e.Cfg.DefaultQuantity
	if confluenceScore == nil {
		return qty
	}
	switch {
	case *confluenceScore >= e.Cfg.DoubleMinScore && relativeVolume != nil && *relativeVolume >= e.Cfg.DoubleMinRelVolume:
		qty *= 2
	case *confluenceScore <= e.Cfg.HalfMaxScore:
		qty = maxInt(1, qty/2)
	}
	return qty
}

func (e *Engine) markAlertErrorf(alertID, format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	if _, err := e.Store.MarkAlertError(alertID, reason); err != nil {
		logger.Errorf("engine: could not mark alert %s error (%s): %v", alertID, reason, err)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
