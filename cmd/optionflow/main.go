// Command optionflow is the process entrypoint: it loads Config, opens
// the Trade Store, wires every component the engine package closes
// over, starts the Scheduler and HTTP server, and shuts both down
// cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"optionflow/api"
	"optionflow/bars"
	"optionflow/broker"
	"optionflow/config"
	"optionflow/contract"
	"optionflow/engine"
	"optionflow/eventbus"
	"optionflow/logger"
	"optionflow/metrics"
	"optionflow/quotes"
	"optionflow/risk"
	"optionflow/store"
)

// Not exposed via Config: both bound an in-memory working set, not a
// trading rule, so they don't belong among the risk/sizing knobs an
// operator tunes per deployment.
const (
	maxBarsPerSeries    = 500
	contractStrikeCount = 10
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	logger.Configure(cfg.Env, cfg.LogLevel)

	loc, err := time.LoadLocation(cfg.MarketTimezone)
	if err != nil {
		logger.Warnf("main: could not load timezone %q, falling back to UTC: %v", cfg.MarketTimezone, err)
		loc = time.UTC
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatalf("store: %v", err)
	}
	defer st.Close()

	var brokerClient broker.Client
	if cfg.Env == "production" {
		brokerClient = broker.NewAlpacaClient(cfg.BrokerBaseURL, cfg.BrokerAPIKeyID, cfg.BrokerAPISecret, cfg.BrokerTimeout)
	} else {
		brokerClient = broker.NewSimulator()
		logger.Warnf("main: running with the in-memory broker simulator (env=%q); no live orders will be placed", cfg.Env)
	}

	quoteCache := quotes.NewCache(brokerClient, cfg.QuoteStaleAfter)
	aggregator := bars.NewAggregator(loc, maxBarsPerSeries)
	selector := contract.NewSelector(brokerClient, contractStrikeCount, cfg.MaxSpreadPercent, cfg.DeltaTarget)
	calendar := risk.LoadEventCalendar(cfg.EventCalendarPath)
	overrides := config.NewOverrides()
	gate := risk.NewGate(cfg, st, quoteCache, brokerClient, overrides, calendar, loc)
	bus := eventbus.NewBus()
	m := metrics.New()

	eng := engine.New(cfg, st, brokerClient, quoteCache, aggregator, selector, gate, bus, overrides, m, loc)
	sched := engine.NewScheduler(eng, loc)
	srv := api.New(cfg, eng, sched, bus)

	sched.Start()

	go func() {
		if err := srv.Run(); err != nil {
			logger.Fatalf("api: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("main: shutdown signal received, draining")
	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("api: shutdown error: %v", err)
	}
}
