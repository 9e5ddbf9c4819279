// Package broker is the Broker Client (C1): typed operations against an
// external options broker, pluggable with a deterministic simulator.
// Grounded on trader/alpaca_trader.go's doRequest + APCA-API-KEY-ID /
// APCA-API-SECRET-KEY header pattern, generalized to the options
// endpoints. Every method takes a context.Context carrying the 5 s
// default deadline; transient failures (network, 5xx, rate limit) are
// surfaced distinctly from protocol rejections via errs.KindTransientBroker
// / errs.KindPermanentBroker.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderState is the broker's reported order lifecycle state.
type OrderState string

const (
	OrderWorking   OrderState = "WORKING"
	OrderFilled    OrderState = "FILLED"
	OrderCancelled OrderState = "CANCELLED"
	OrderRejected  OrderState = "REJECTED"
	OrderExpired   OrderState = "EXPIRED"
)

// OrderStatus is the result of a status poll.
type OrderStatus struct {
	State       OrderState
	FilledPrice decimal.Decimal
	FilledAt    time.Time
}

// ChainEntry is one option chain row, pre-liquidity-filter.
type ChainEntry struct {
	Symbol string
	Strike decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Delta  float64
}

// EquityQuote is a REST snapshot used as the Quote Cache's fallback.
type EquityQuote struct {
	Last           decimal.Decimal
	Bid            decimal.Decimal
	Ask            decimal.Decimal
	Change         decimal.Decimal
	ChangePercent  float64
}

// OptionType selects calls or puts from the chain.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// Client is the Broker Client contract. Both AlpacaClient and Simulator
// implement it; the engine package only ever depends on this interface.
type Client interface {
	PlaceLimitEntry(ctx context.Context, symbol string, qty int, price decimal.Decimal) (orderID string, err error)
	PlaceStopExit(ctx context.Context, symbol string, qty int, stopPrice decimal.Decimal) (orderID string, err error)
	PlaceLimitExit(ctx context.Context, symbol string, qty int, price decimal.Decimal) (orderID string, err error)
	PlaceMarketExit(ctx context.Context, symbol string, qty int) (orderID string, err error)
	Cancel(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	OptionChain(ctx context.Context, underlying string, optionType OptionType, strikeCount int, onlyToday bool) ([]ChainEntry, error)
	EquityQuote(ctx context.Context, symbol string) (EquityQuote, error)
}

// DefaultDeadline is applied by callers that don't already carry a
// context deadline, per §4.1's "all network calls carry a deadline
// (default 5 s)".
const DefaultDeadline = 5 * time.Second

// WithDefaultDeadline returns ctx unchanged if it already has a
// deadline, otherwise attaches DefaultDeadline.
func WithDefaultDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultDeadline)
}
