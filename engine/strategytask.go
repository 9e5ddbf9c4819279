package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"optionflow/bars"
	"optionflow/logger"
	"optionflow/risk"
	"optionflow/signal"
	"optionflow/store"
)

// strategyKey identifies one running Strategy Signal Task worker.
func strategyKey(ticker, timeframe, signalType string) string {
	return ticker + "|" + timeframe + "|" + signalType
}

func parseTimeframe(s string) (bars.Timeframe, error) {
	switch s {
	case "1m":
		return bars.Timeframe1Min, nil
	case "5m":
		return bars.Timeframe5Min, nil
	case "15m":
		return bars.Timeframe15Min, nil
	default:
		return 0, fmt.Errorf("unknown timeframe %q", s)
	}
}

// strategyWorker watches one (ticker, timeframe, signal_type) tuple: on
// every bar close it evaluates the configured strategy, tracks an
// N-bar confirmation window when configured, and on confirmation pushes
// a synthesized Alert through the Admission Pipeline. Grounded on
// decision/engine.go's per-symbol evaluation loop, adapted from a
// polling loop to bar-close-driven dispatch since bars.Aggregator
// already fires synchronously at bar close.
type strategyWorker struct {
	eng    *Engine
	es     *store.EnabledStrategy
	params signal.Params
	tf     bars.Timeframe

	mu      sync.Mutex
	pending *signal.PendingConfirmation
	stopped bool
}

// startStrategyWorker registers bar-close dispatch for one EnabledStrategy.
// Aggregator handlers cannot be unregistered once added; stopCh closing
// only suppresses further processing by this worker, leaving a no-op
// handler registered.
func (e *Engine) startStrategyWorker(es *store.EnabledStrategy, stopCh <-chan struct{}) {
	tf, err := parseTimeframe(es.Timeframe)
	if err != nil {
		logger.Errorf("engine: strategy worker %s: %v", strategyKey(es.Ticker, es.Timeframe, es.SignalType), err)
		return
	}

	params := signal.DefaultParams(signal.Type(es.SignalType))
	if es.Params != "" {
		if err := json.Unmarshal([]byte(es.Params), &params); err != nil {
			logger.Warnf("engine: strategy worker %s: could not parse params blob, using defaults: %v", strategyKey(es.Ticker, es.Timeframe, es.SignalType), err)
			params = signal.DefaultParams(signal.Type(es.SignalType))
		}
	}

	w := &strategyWorker{eng: e, es: es, params: params, tf: tf}
	go func() {
		<-stopCh
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
	}()

	e.Aggregator.OnBarClose(es.Ticker, tf, w.onBarClose)
}

func (w *strategyWorker) onBarClose(symbol string, tf bars.Timeframe, b []bars.Bar) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	sig := signal.Evaluate(w.params, b)

	w.mu.Lock()
	pending := w.pending
	w.mu.Unlock()

	if pending != nil {
		confirmed, stillPending := signal.AdvanceConfirmation(pending, b[len(b)-1], sig)
		w.mu.Lock()
		w.pending = stillPending
		w.mu.Unlock()
		if confirmed {
			w.admit(pending.Direction, pending.SignalClose, nil, nil)
		}
		// A pending confirmation already consumed this bar's signal (as
		// either supporting evidence or an opposing void); it never also
		// starts a second, independent confirmation window.
		return
	}

	if sig == nil {
		return
	}

	if w.params.ConfirmationBars > 0 {
		w.mu.Lock()
		w.pending = &signal.PendingConfirmation{Direction: sig.Direction, SignalClose: sig.UnderlyingPrice, RequiredBars: w.params.ConfirmationBars}
		w.mu.Unlock()
		return
	}

	w.admit(sig.Direction, sig.UnderlyingPrice, sig.ConfluenceScore, sig.RelativeVolume)
}

// admit synthesizes an internal Alert and pushes it through the
// Admission Pipeline, which re-runs Risk Gate predicates 2-8 (predicate
// 1 is a no-op for an empty Secret on an internal source, predicate 9
// never applies to an OPEN action).
func (w *strategyWorker) admit(direction signal.Direction, price float64, confluenceScore, relativeVolume *float64) {
	ctx, cancel := context.WithTimeout(context.Background(), w.eng.Cfg.BrokerTimeout)
	defer cancel()

	payload := fmt.Sprintf(`{"ticker":%q,"direction":%q,"price":%f,"signal_type":%q}`, w.es.Ticker, direction, price, w.es.SignalType)

	_, trade, err := w.eng.Admit(ctx, AlertInput{
		RawPayload:      payload,
		Ticker:          w.es.Ticker,
		Direction:       string(direction),
		SignalPrice:     &price,
		Source:          store.SourceInternalStrategy,
		Action:          risk.ActionOpen,
		ConfluenceScore: confluenceScore,
		RelativeVolume:  relativeVolume,
	})
	if err != nil {
		logger.Infof("engine: strategy %s signal for %s not admitted: %v", w.es.SignalType, w.es.Ticker, err)
		return
	}
	logger.Infof("engine: strategy %s opened trade %s for %s", w.es.SignalType, trade.ID, w.es.Ticker)
}
