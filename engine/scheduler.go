package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"optionflow/logger"
)

// Scheduler owns the periodic background loops (C14): Order Monitor,
// Exit Engine, one Strategy Signal Task per enabled strategy, and the
// end-of-session Daily Summary task. Grounded on auto_trader.go's
// Run/runCycle ticker-loop-with-shutdown-channel shape, split across
// independently stoppable loops instead of one monolithic select.
type Scheduler struct {
	eng *Engine
	loc *time.Location

	stopCh chan struct{}
	wg     sync.WaitGroup

	strategyMu      sync.Mutex
	strategyStopper map[string]chan struct{}

	guards map[string]*invariantGuard
}

func NewScheduler(eng *Engine, loc *time.Location) *Scheduler {
	return &Scheduler{
		eng:             eng,
		loc:             loc,
		strategyStopper: make(map[string]chan struct{}),
		guards: map[string]*invariantGuard{
			"order_manager": {},
			"exit_engine":   {},
		},
	}
}

// Start launches every loop. It does not block.
func (s *Scheduler) Start() {
	s.stopCh = make(chan struct{})

	omGuard := s.guards["order_manager"]
	s.runLoop("order_manager", s.eng.Cfg.OrderMonitorInterval, omGuard, func(ctx context.Context) {
		s.eng.OrderManagerTick(ctx, omGuard)
	})
	exitGuard := s.guards["exit_engine"]
	s.runLoop("exit_engine", s.eng.Cfg.ExitMonitorInterval, exitGuard, func(ctx context.Context) {
		s.eng.ExitEngineTick(ctx, exitGuard)
	})
	s.runDailySummaryLoop()
	s.rebuildStrategyWorkers()

	logger.Info("engine: scheduler started")
}

// Stop halts strategy workers first, since they feed the admission
// pipeline the order manager and exit engine act on; it then closes the
// one shared stop channel, so the order manager, exit engine and
// daily-summary loops stop together with no ordering among them. It
// waits up to 10s for clean shutdown.
func (s *Scheduler) Stop() {
	s.strategyMu.Lock()
	for _, ch := range s.strategyStopper {
		close(ch)
	}
	s.strategyStopper = make(map[string]chan struct{})
	s.strategyMu.Unlock()

	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("engine: scheduler stopped cleanly")
	case <-time.After(10 * time.Second):
		logger.Warnf("engine: scheduler stop timed out after 10s, some loops may still be running")
	}
}

// runLoop runs fn every interval (±10%% jitter) until Stop is called or
// guard trips after three consecutive InvariantViolations, per §7's
// propagation rule: a halted component's loop actually stops running,
// it does not just skip individual ticks forever.
func (s *Scheduler) runLoop(name string, interval time.Duration, guard *invariantGuard, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.eng.Metrics != nil {
			s.eng.Metrics.SchedulerLoopRunning.WithLabelValues(name).Set(1)
			defer s.eng.Metrics.SchedulerLoopRunning.WithLabelValues(name).Set(0)
		}

		timer := time.NewTimer(jitter(interval))
		defer timer.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-timer.C:
				start := time.Now()
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				fn(ctx)
				cancel()
				if s.eng.Metrics != nil {
					s.eng.Metrics.SchedulerTickDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
				}
				if guard.Halted() {
					logger.Errorf("engine: %s loop stopping, invariant guard is halted", name)
					return
				}
				timer.Reset(jitter(interval))
			}
		}
	}()
}

func jitter(interval time.Duration) time.Duration {
	spread := float64(interval) * 0.1
	delta := (rand.Float64()*2 - 1) * spread
	return interval + time.Duration(delta)
}

// runDailySummaryLoop sleeps until the next configured end-of-session
// time (default 16:05 local) and upserts the Daily Summary, then
// repeats for the following session day.
func (s *Scheduler) runDailySummaryLoop() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			wait := s.untilNextDailySummary()
			timer := time.NewTimer(wait)
			select {
			case <-s.stopCh:
				timer.Stop()
				return
			case <-timer.C:
				date := time.Now().In(s.loc).Format("2006-01-02")
				if _, err := s.eng.Store.UpsertDailySummary(date); err != nil {
					logger.Errorf("engine: daily summary upsert failed for %s: %v", date, err)
				} else {
					logger.Infof("engine: daily summary recorded for %s", date)
				}
				s.eng.Aggregator.ResetSession()
			}
		}
	}()
}

func (s *Scheduler) untilNextDailySummary() time.Duration {
	now := time.Now().In(s.loc)
	target := parseClockLocal(now, s.eng.Cfg.EndOfSessionTime, s.loc)
	if !target.After(now) {
		target = target.Add(24 * time.Hour)
	}
	return target.Sub(now)
}

func parseClockLocal(ref time.Time, hhmm string, loc *time.Location) time.Time {
	t, err := time.ParseInLocation("15:04", hhmm, loc)
	if err != nil {
		return ref
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), 0, 0, loc)
}

// rebuildStrategyWorkers reconciles the running Strategy Signal Task
// workers against enabled_strategies, starting workers for newly
// enabled strategies and stopping ones that were disabled. Copy-on-write:
// callers (admin API) invoke this after any EnabledStrategy mutation.
func (s *Scheduler) rebuildStrategyWorkers() {
	enabled, err := s.eng.Store.ListEnabledStrategies()
	if err != nil {
		logger.Errorf("engine: could not list enabled strategies: %v", err)
		return
	}

	want := make(map[string]bool, len(enabled))
	for _, es := range enabled {
		want[strategyKey(es.Ticker, es.Timeframe, es.SignalType)] = true
	}

	s.strategyMu.Lock()
	defer s.strategyMu.Unlock()

	for key, ch := range s.strategyStopper {
		if !want[key] {
			close(ch)
			delete(s.strategyStopper, key)
		}
	}

	for _, es := range enabled {
		key := strategyKey(es.Ticker, es.Timeframe, es.SignalType)
		if _, running := s.strategyStopper[key]; running {
			continue
		}
		stopCh := make(chan struct{})
		s.strategyStopper[key] = stopCh
		s.eng.startStrategyWorker(es, stopCh)
	}
}

// RebuildStrategyWorkers is the exported entry point the admin API
// calls after enabling/disabling a strategy.
func (s *Scheduler) RebuildStrategyWorkers() {
	s.rebuildStrategyWorkers()
}
