package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"optionflow/config"
)

func newTestScheduler(t *testing.T, mutate func(cfg *config.Config)) (*Scheduler, *Engine) {
	t.Helper()
	eng, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.OrderMonitorInterval = 20 * time.Millisecond
		cfg.ExitMonitorInterval = 20 * time.Millisecond
		cfg.EndOfSessionTime = "23:59"
		if mutate != nil {
			mutate(cfg)
		}
	})
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return NewScheduler(eng, loc), eng
}

func TestSchedulerStartRunsLoopsUntilStop(t *testing.T) {
	sched, _ := newTestScheduler(t, nil)
	sched.Start()

	time.Sleep(80 * time.Millisecond) // let the order manager / exit engine tick a few times

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return: loops failed to drain")
	}
}

func TestRebuildStrategyWorkersStartsAndStopsOnStateChange(t *testing.T) {
	sched, eng := newTestScheduler(t, nil)

	_, err := eng.Store.EnableStrategy("SPY", "1m", "ema_cross", "")
	require.NoError(t, err)
	sched.RebuildStrategyWorkers()

	sched.strategyMu.Lock()
	_, running := sched.strategyStopper["SPY|1m|ema_cross"]
	sched.strategyMu.Unlock()
	require.True(t, running, "enabling a strategy should start its worker")

	require.NoError(t, eng.Store.DisableStrategy("SPY", "1m", "ema_cross"))
	sched.RebuildStrategyWorkers()

	sched.strategyMu.Lock()
	_, stillRunning := sched.strategyStopper["SPY|1m|ema_cross"]
	sched.strategyMu.Unlock()
	require.False(t, stillRunning, "disabling a strategy should stop its worker")
}

func TestRebuildStrategyWorkersIsIdempotentForUnchangedSet(t *testing.T) {
	sched, eng := newTestScheduler(t, nil)

	_, err := eng.Store.EnableStrategy("SPY", "1m", "ema_cross", "")
	require.NoError(t, err)
	sched.RebuildStrategyWorkers()

	sched.strategyMu.Lock()
	stopCh := sched.strategyStopper["SPY|1m|ema_cross"]
	sched.strategyMu.Unlock()

	sched.RebuildStrategyWorkers()

	sched.strategyMu.Lock()
	stopCh2 := sched.strategyStopper["SPY|1m|ema_cross"]
	sched.strategyMu.Unlock()
	require.Equal(t, stopCh, stopCh2, "re-running rebuild without state change must not restart the worker")
}

func TestUntilNextDailySummaryWrapsToNextDayWhenTargetAlreadyPassed(t *testing.T) {
	sched, _ := newTestScheduler(t, func(cfg *config.Config) { cfg.EndOfSessionTime = "00:00" })

	wait := sched.untilNextDailySummary()
	require.Greater(t, wait, time.Duration(0))
	require.LessOrEqual(t, wait, 24*time.Hour)
}
