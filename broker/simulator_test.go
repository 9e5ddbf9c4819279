package broker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSimulatorLimitEntryAutoFills(t *testing.T) {
	s := NewSimulator()
	id, err := s.PlaceLimitEntry(context.Background(), "SPY260729C00694000", 1, decimal.NewFromFloat(0.42))
	require.NoError(t, err)

	st, err := s.OrderStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, OrderFilled, st.State)
	require.True(t, st.FilledPrice.Equal(decimal.NewFromFloat(0.42)))
}

func TestSimulatorLimitEntryStaysWorkingWhenAutoFillDisabled(t *testing.T) {
	s := NewSimulator()
	s.AutoFillLimitOrders = false
	id, err := s.PlaceLimitEntry(context.Background(), "SPY260729C00694000", 1, decimal.NewFromFloat(0.42))
	require.NoError(t, err)

	st, err := s.OrderStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, OrderWorking, st.State)
}

func TestSimulatorStopExitTriggeredManually(t *testing.T) {
	s := NewSimulator()
	id, err := s.PlaceStopExit(context.Background(), "SPY260729C00694000", 1, decimal.NewFromFloat(0.22))
	require.NoError(t, err)

	st, err := s.OrderStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, OrderWorking, st.State)

	require.NoError(t, s.TriggerFill(id, decimal.NewFromFloat(0.20)))
	st, err = s.OrderStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, OrderFilled, st.State)
	require.True(t, st.FilledPrice.Equal(decimal.NewFromFloat(0.20)))
}

func TestSimulatorLimitExitAutoFillsAtLimitPrice(t *testing.T) {
	s := NewSimulator()
	id, err := s.PlaceLimitExit(context.Background(), "SPY260729C00694000", 1, decimal.NewFromFloat(0.51))
	require.NoError(t, err)

	st, err := s.OrderStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, OrderFilled, st.State)
	require.True(t, st.FilledPrice.Equal(decimal.NewFromFloat(0.51)))
}

func TestSimulatorMarketExitFillsAtSeededLast(t *testing.T) {
	s := NewSimulator()
	s.SeedQuote("SPY260729C00694000", EquityQuote{Last: decimal.NewFromFloat(0.33)})

	id, err := s.PlaceMarketExit(context.Background(), "SPY260729C00694000", 1)
	require.NoError(t, err)

	st, err := s.OrderStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, OrderFilled, st.State)
	require.True(t, st.FilledPrice.Equal(decimal.NewFromFloat(0.33)))
}

func TestSimulatorCancelOnlyAffectsWorkingOrders(t *testing.T) {
	s := NewSimulator()
	s.AutoFillLimitOrders = false
	id, err := s.PlaceLimitEntry(context.Background(), "SPY260729C00694000", 1, decimal.NewFromFloat(0.42))
	require.NoError(t, err)

	require.NoError(t, s.Cancel(context.Background(), id))
	st, err := s.OrderStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, OrderCancelled, st.State)
}

func TestSimulatorOrderStatusUnknownID(t *testing.T) {
	s := NewSimulator()
	_, err := s.OrderStatus(context.Background(), "missing")
	require.Error(t, err)
}

func TestSimulatorOptionChainReturnsSeededCopy(t *testing.T) {
	s := NewSimulator()
	seeded := []ChainEntry{{Symbol: "SPY260729C00694000", Strike: decimal.NewFromFloat(694), Delta: 0.45}}
	s.SeedChain("SPY", seeded)

	chain, err := s.OptionChain(context.Background(), "SPY", OptionCall, 10, true)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	require.Equal(t, "SPY260729C00694000", chain[0].Symbol)

	chain[0].Symbol = "mutated"
	chain2, err := s.OptionChain(context.Background(), "SPY", OptionCall, 10, true)
	require.NoError(t, err)
	require.Equal(t, "SPY260729C00694000", chain2[0].Symbol)
}

func TestWithDefaultDeadlineAppliesOnlyWhenMissing(t *testing.T) {
	ctx, cancel := WithDefaultDeadline(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	require.WithinDuration(t, deadline, deadline, 0)

	withDeadline, cancel2 := context.WithTimeout(context.Background(), DefaultDeadline)
	defer cancel2()
	ctx2, cancel3 := WithDefaultDeadline(withDeadline)
	defer cancel3()
	require.Equal(t, withDeadline, ctx2)
}
