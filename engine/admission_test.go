package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"optionflow/broker"
	"optionflow/config"
	"optionflow/errs"
	"optionflow/risk"
	"optionflow/store"
)

func seedChain(sim *broker.Simulator, underlying, symbol string, delta float64) {
	sim.SeedChain(underlying, []broker.ChainEntry{
		{Symbol: symbol, Strike: decimal.NewFromFloat(694), Bid: decimal.NewFromFloat(0.40), Ask: decimal.NewFromFloat(0.42), Delta: delta},
	})
}

func TestAdmitOpenHappyPathCreatesPendingTrade(t *testing.T) {
	eng, sim := newTestEngine(t, nil)
	seedChain(sim, "SPY", "SPY260729C00694000", 0.45)

	price := 694.0
	alert, trade, err := eng.Admit(context.Background(), AlertInput{
		RawPayload: `{"ticker":"SPY"}`, Ticker: "SPY", Direction: "CALL",
		SignalPrice: &price, Source: store.SourceExternal, Secret: "s3cr3t", Action: risk.ActionOpen,
	})
	require.NoError(t, err)
	require.NotNil(t, alert)
	require.NotNil(t, trade)
	require.Equal(t, store.StatusPending, trade.Status)
	require.Equal(t, "SPY260729C00694000", trade.OptionSymbol)
}

func TestAdmitOpenRejectedBySecretMismatchRecordsAlertRejection(t *testing.T) {
	eng, sim := newTestEngine(t, nil)
	seedChain(sim, "SPY", "SPY260729C00694000", 0.45)

	price := 694.0
	alert, trade, err := eng.Admit(context.Background(), AlertInput{
		RawPayload: `{}`, Ticker: "SPY", Direction: "CALL",
		SignalPrice: &price, Source: store.SourceExternal, Secret: "wrong", Action: risk.ActionOpen,
	})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindAuth))
	require.Nil(t, trade)
	require.NotNil(t, alert)

	reloaded, rErr := eng.Store.GetAlert(alert.ID)
	require.NoError(t, rErr)
	require.Equal(t, store.AlertRejected, reloaded.Status)
}

func TestAdmitOpenNoLiquidContractCancelsAlert(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	// no chain seeded at all: Contract Selector finds nothing liquid

	price := 694.0
	_, trade, err := eng.Admit(context.Background(), AlertInput{
		RawPayload: `{}`, Ticker: "SPY", Direction: "CALL",
		SignalPrice: &price, Source: store.SourceExternal, Secret: "s3cr3t", Action: risk.ActionOpen,
	})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindNoLiquidContract))
	require.Nil(t, trade)
}

func TestAdmitCloseWithNoOpenTradeIsGateRejected(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	_, trade, err := eng.Admit(context.Background(), AlertInput{
		RawPayload: `{}`, Ticker: "SPY", Source: store.SourceExternal,
		Secret: "s3cr3t", Action: risk.ActionClose,
	})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindGateRejection))
	require.Nil(t, trade)
}

func TestAdmitCloseHappyPathTriggersExit(t *testing.T) {
	eng, sim := newTestEngine(t, nil)
	seedChain(sim, "SPY", "SPY260729C00694000", 0.45)

	price := 694.0
	_, opened, err := eng.Admit(context.Background(), AlertInput{
		RawPayload: `{}`, Ticker: "SPY", Direction: "CALL",
		SignalPrice: &price, Source: store.SourceExternal, Secret: "s3cr3t", Action: risk.ActionOpen,
	})
	require.NoError(t, err)
	_, err = eng.Store.RecordEntryFill(opened.ID, decimal.NewFromFloat(0.42), opened.CreatedAt)
	require.NoError(t, err)

	_, closed, err := eng.Admit(context.Background(), AlertInput{
		RawPayload: `{}`, Ticker: "SPY", Source: store.SourceExternal,
		Secret: "s3cr3t", Action: risk.ActionClose,
	})
	require.NoError(t, err)
	require.NotNil(t, closed)
	require.Equal(t, store.StatusExiting, closed.Status)
}

func TestComputeQuantityDoublesOnStrongConfluenceAndRelativeVolume(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	score := 6.0
	relVol := 3.0
	require.Equal(t, 4, eng.computeQuantity(&score, &relVol))
}

func TestComputeQuantityDoesNotDoubleOnStrongScoreWithoutRelativeVolume(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	score := 6.0
	require.Equal(t, 2, eng.computeQuantity(&score, nil), "doubling requires both score and relative volume together")
}

func TestComputeQuantityDoesNotDoubleOnStrongScoreWithWeakRelativeVolume(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	score := 6.0
	relVol := 1.0
	require.Equal(t, 2, eng.computeQuantity(&score, &relVol))
}

func TestComputeQuantityHalvesOnWeakConfluence(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	score := 1.0
	require.Equal(t, 1, eng.computeQuantity(&score, nil))
}

func TestComputeQuantityDefaultsWithoutSignals(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	require.Equal(t, 2, eng.computeQuantity(nil, nil))
}

func TestComputeQuantityIgnoresRelativeVolumeWithoutConfluenceScore(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	relVol := 3.0
	require.Equal(t, 2, eng.computeQuantity(nil, &relVol), "the adjustment is gated on confluence_score being present")
}
