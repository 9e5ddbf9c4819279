// Package engine hosts the Order Manager (C9), Exit Engine (C10),
// Strategy Signal Task (C11), Admission Pipeline (C12) and Periodic
// Scheduler (C14) — one file per responsibility instead of the
// teacher's single 2500-line trader/auto_trader.go, which this package
// is grounded on for its Run/runCycle ticker-loop-with-shutdown-channel
// shape.
package engine

import (
	"regexp"
	"sort"
	"sync"
	"time"

	"optionflow/bars"
	"optionflow/broker"
	"optionflow/config"
	"optionflow/contract"
	"optionflow/errs"
	"optionflow/eventbus"
	"optionflow/logger"
	"optionflow/metrics"
	"optionflow/quotes"
	"optionflow/risk"
	"optionflow/store"
)

// Engine is the shared context every periodic task and the admission
// pipeline close over. It owns no goroutines itself — Scheduler does.
type Engine struct {
	Cfg          *config.Config
	Store        *store.Store
	Broker       broker.Client
	Quotes       *quotes.Cache
	Aggregator   *bars.Aggregator
	Selector     *contract.Selector
	Gate         *risk.Gate
	Bus          *eventbus.Bus
	Overrides    *config.Overrides
	Metrics      *metrics.Metrics
	Loc          *time.Location

	tradeLocks sync.Map // trade.id -> *sync.Mutex
}

func New(cfg *config.Config, st *store.Store, brokerClient broker.Client, quoteCache *quotes.Cache, aggregator *bars.Aggregator, selector *contract.Selector, gate *risk.Gate, bus *eventbus.Bus, overrides *config.Overrides, m *metrics.Metrics, loc *time.Location) *Engine {
	return &Engine{
		Cfg: cfg, Store: st, Broker: brokerClient, Quotes: quoteCache,
		Aggregator: aggregator, Selector: selector, Gate: gate, Bus: bus,
		Overrides: overrides, Metrics: m, Loc: loc,
	}
}

// lockFor returns (creating if necessary) the mutex guarding tradeID.
func (e *Engine) lockFor(tradeID string) *sync.Mutex {
	v, _ := e.tradeLocks.LoadOrStore(tradeID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// withTradeLock runs fn with tradeID's lock held, per §5's per-trade
// mutual exclusion requirement.
func (e *Engine) withTradeLock(tradeID string, fn func()) {
	l := e.lockFor(tradeID)
	l.Lock()
	defer l.Unlock()
	fn()
}

// lockTrades acquires locks for every id in ascending order (§5's lock
// acquisition order contract) and returns an unlock-all function.
func (e *Engine) lockTrades(ids ...string) func() {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	seen := make(map[string]bool, len(sorted))
	var locked []*sync.Mutex
	for _, id := range sorted {
		if seen[id] {
			continue
		}
		seen[id] = true
		l := e.lockFor(id)
		l.Lock()
		locked = append(locked, l)
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}

var occUnderlyingRE = regexp.MustCompile(`^([A-Z]+)\d{6}[CP]\d+$`)

// underlyingOf extracts the equity ticker from an OCC-style option
// symbol (e.g. "SPY260729C00694000" -> "SPY").
func underlyingOf(optionSymbol string) string {
	if m := occUnderlyingRE.FindStringSubmatch(optionSymbol); m != nil {
		return m[1]
	}
	return optionSymbol
}

// invariantGuard wraps a component's tick-failure counter so three
// consecutive InvariantViolations halt that loop and raise an operator
// alert, per §7's propagation rule. A guard is created once per
// scheduler loop and reused across every tick, since the streak it
// tracks is a property of the loop's history, not of any single tick.
type invariantGuard struct {
	mu                sync.Mutex
	consecutiveErrors int
	halted            bool
}

const maxConsecutiveInvariantViolations = 3

// Record reports err (nil clears the streak) for one trade's worth of
// work within a tick, and returns true once the component has accrued
// three consecutive InvariantViolations and must halt. Once halted, a
// guard stays halted; it does not self-heal on a later nil.
func (g *invariantGuard) Record(component string, err error) (shouldHalt bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.halted {
		return true
	}
	if err == nil {
		g.consecutiveErrors = 0
		return false
	}
	if !errs.Is(err, errs.KindInvariantViolation) {
		return false
	}
	g.consecutiveErrors++
	if g.consecutiveErrors >= maxConsecutiveInvariantViolations {
		g.halted = true
		logger.Errorf("engine: %s halted after %d consecutive invariant violations: %v", component, g.consecutiveErrors, err)
		return true
	}
	return false
}

// Halted reports whether this guard has already tripped, so a caller
// can skip a tick's work entirely instead of rebuilding the streak.
func (g *invariantGuard) Halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted
}
