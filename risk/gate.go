// Package risk is the Risk Gate (C7): nine ordered predicates evaluated
// in strict order, first failure rejects the alert with a specific
// reason code. Grounded on store.RiskControlConfig (MaxPositions,
// MaxMarginUsage, UseDailyLossLimit/DailyLossLimitPct,
// UseMarketHoursFilter) and auto_trader.go's enforceMaxPositions /
// enforcePositionValueRatio / enforceMinPositionSize — the teacher's
// "CODE ENFORCED" ordered-check style becomes this predicate chain.
package risk

import (
	"context"
	"time"

	"optionflow/broker"
	"optionflow/config"
	"optionflow/errs"
	"optionflow/quotes"
	"optionflow/store"
)

// Action distinguishes a directional open request from a close request,
// since predicate 9 only applies to CLOSE.
type Action string

const (
	ActionOpen  Action = "OPEN"
	ActionClose Action = "CLOSE"
)

// Gate evaluates Alerts against the ordered predicate chain.
type Gate struct {
	cfg          *config.Config
	store        *store.Store
	quoteCache   *quotes.Cache
	brokerClient broker.Client
	overrides    *config.Overrides
	calendar     *EventCalendar
	loc          *time.Location
	vixSymbol    string
}

func NewGate(cfg *config.Config, st *store.Store, quoteCache *quotes.Cache, brokerClient broker.Client, overrides *config.Overrides, calendar *EventCalendar, loc *time.Location) *Gate {
	return &Gate{cfg: cfg, store: st, quoteCache: quoteCache, brokerClient: brokerClient, overrides: overrides, calendar: calendar, loc: loc, vixSymbol: "VIX"}
}

// Request bundles everything a predicate might need; Secret is empty for
// internal/manual_test/retake sources (predicate 1 only applies to
// external).
type Request struct {
	Source    store.AlertSource
	Secret    string
	Ticker    string
	Action    Action
	TradeDate string // session date, YYYY-MM-DD
	Now       time.Time
}

// Evaluate runs predicates 1-9 (skipping 9 for ActionOpen) in order and
// returns the first failure as an *errs.Error (KindAuth for predicate 1,
// KindGateRejection otherwise), or nil if every predicate passes.
func (g *Gate) Evaluate(ctx context.Context, req Request) *errs.Error {
	if req.Source == store.SourceExternal {
		if req.Secret != g.cfg.WebhookSecret {
			return errs.New(errs.KindAuth, "secret_mismatch")
		}
	}

	if !contains(g.cfg.AllowedTickers, req.Ticker) {
		return errs.New(errs.KindGateRejection, "ticker_not_allowed")
	}

	ignoreWindow, _ := g.overrides.Snapshot()
	if !ignoreWindow {
		if !g.insideSessionWindow(req.Now) {
			return errs.New(errs.KindGateRejection, "outside_session_window")
		}
	}

	if vix, ok := g.readVIX(ctx); ok && vix >= g.cfg.VIXCircuitBreaker {
		return errs.New(errs.KindGateRejection, "vix_circuit_breaker")
	}

	today := dateString(req.Now, g.loc)
	cutoff := g.afternoonCutoff(req.Now)
	if g.calendar.IsBlockedAfternoon(today) && req.Now.In(g.loc).After(cutoff) {
		return errs.New(errs.KindGateRejection, "event_day_afternoon_block")
	}

	count, err := g.store.CountNonCancelledTradesToday(req.TradeDate)
	if err != nil {
		return errs.Wrap(errs.KindGateRejection, "daily_trade_limit_check_failed", err)
	}
	if count >= g.cfg.DailyTradeCap {
		return errs.New(errs.KindGateRejection, "daily_trade_limit")
	}

	losses, err := g.store.ConsecutiveLosses(req.TradeDate)
	if err != nil {
		return errs.Wrap(errs.KindGateRejection, "consecutive_loss_check_failed", err)
	}
	if losses >= g.cfg.ConsecutiveLossCap {
		return errs.New(errs.KindGateRejection, "consecutive_loss_cap")
	}

	pnl, err := g.store.SumPnLToday(req.TradeDate)
	if err != nil {
		return errs.Wrap(errs.KindGateRejection, "daily_loss_check_failed", err)
	}
	pnlFloat, _ := pnl.Float64()
	if pnlFloat <= -g.cfg.DailyLossCapDollars {
		return errs.New(errs.KindGateRejection, "daily_loss_cap")
	}

	if req.Action == ActionClose {
		filled, err := g.store.ListOpenTradesByStatus(store.StatusFilled)
		if err != nil {
			return errs.Wrap(errs.KindGateRejection, "close_precondition_check_failed", err)
		}
		stopPlaced, err := g.store.ListOpenTradesByStatus(store.StatusStopLossPlaced)
		if err != nil {
			return errs.Wrap(errs.KindGateRejection, "close_precondition_check_failed", err)
		}
		if len(filled) == 0 && len(stopPlaced) == 0 {
			return errs.New(errs.KindGateRejection, "no_open_trade_to_close")
		}
	}

	return nil
}

func (g *Gate) insideSessionWindow(now time.Time) bool {
	local := now.In(g.loc)
	start := parseClock(local, g.cfg.SessionWindowStart)
	end := parseClock(local, g.cfg.SessionWindowEnd)
	return !local.Before(start) && !local.After(end)
}

func (g *Gate) afternoonCutoff(now time.Time) time.Time {
	local := now.In(g.loc)
	return parseClock(local, g.cfg.EventAfternoonCutoff)
}

// readVIX fetches VIX via the Quote Cache, falling back to the Broker
// Client; on read failure it permits (predicate 4's explicit fail-open).
func (g *Gate) readVIX(ctx context.Context) (float64, bool) {
	if q, ok := g.quoteCache.Get(g.vixSymbol); ok {
		v, _ := q.Last.Float64()
		return v, true
	}
	q, err := g.brokerClient.EquityQuote(ctx, g.vixSymbol)
	if err != nil {
		return 0, false
	}
	v, _ := q.Last.Float64()
	return v, true
}

func parseClock(ref time.Time, hhmm string) time.Time {
	t, err := time.ParseInLocation("15:04", hhmm, ref.Location())
	if err != nil {
		return ref
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), 0, 0, ref.Location())
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
