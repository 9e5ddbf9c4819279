package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"optionflow/errs"
)

// simOrder is the Simulator's in-memory order record.
type simOrder struct {
	symbol      string
	qty         int
	side        string // "buy" | "sell"
	orderType   string // "limit" | "stop" | "market"
	limitOrStop decimal.Decimal
	state       OrderState
	filledPrice decimal.Decimal
	filledAt    time.Time
}

// Simulator implements Client with deterministic fills: limit orders
// fill immediately at the limit price, market orders fill immediately at
// a caller-seeded last price, and stop orders stay WORKING until the
// test explicitly triggers them via TriggerFill. Grounded on the
// teacher's PlaceLimitOrder / WaitForFill polling shape, but returns
// canned state transitions instead of calling out to an exchange.
type Simulator struct {
	mu     sync.Mutex
	orders map[string]*simOrder
	chain  map[string][]ChainEntry
	quotes map[string]EquityQuote

	// AutoFillLimitOrders, when true (the default), fills limit entries
	// immediately at the limit price. Tests that exercise
	// LIMIT_TIMEOUT set this false and never call TriggerFill.
	AutoFillLimitOrders bool
}

func NewSimulator() *Simulator {
	return &Simulator{
		orders:              make(map[string]*simOrder),
		chain:               make(map[string][]ChainEntry),
		quotes:              make(map[string]EquityQuote),
		AutoFillLimitOrders: true,
	}
}

// SeedChain lets a test install a canned option chain for an underlying.
func (s *Simulator) SeedChain(underlying string, entries []ChainEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chain[underlying] = entries
}

// SeedQuote lets a test install a canned equity quote.
func (s *Simulator) SeedQuote(symbol string, q EquityQuote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = q
}

// TriggerFill manually fills a still-WORKING order at price, used to
// simulate a stop order being hit at the broker.
func (s *Simulator) TriggerFill(orderID string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("no such simulated order %s", orderID)
	}
	o.state = OrderFilled
	o.filledPrice = price
	o.filledAt = time.Now().UTC()
	return nil
}

// TriggerCancel sets an order to the given state (e.g. CANCELLED), simulating a
// broker-side expiry/reject; the order's current state is not checked.
func (s *Simulator) TriggerCancel(orderID string, state OrderState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("no such simulated order %s", orderID)
	}
	o.state = state
	return nil
}

func (s *Simulator) PlaceLimitEntry(ctx context.Context, symbol string, qty int, price decimal.Decimal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New().String()
	o := &simOrder{symbol: symbol, qty: qty, side: "buy", orderType: "limit", limitOrStop: price, state: OrderWorking}
	if s.AutoFillLimitOrders {
		o.state = OrderFilled
		o.filledPrice = price
		o.filledAt = time.Now().UTC()
	}
	s.orders[id] = o
	return id, nil
}

func (s *Simulator) PlaceStopExit(ctx context.Context, symbol string, qty int, stopPrice decimal.Decimal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New().String()
	s.orders[id] = &simOrder{symbol: symbol, qty: qty, side: "sell", orderType: "stop", limitOrStop: stopPrice, state: OrderWorking}
	return id, nil
}

func (s *Simulator) PlaceLimitExit(ctx context.Context, symbol string, qty int, price decimal.Decimal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New().String()
	o := &simOrder{symbol: symbol, qty: qty, side: "sell", orderType: "limit", limitOrStop: price, state: OrderWorking}
	if s.AutoFillLimitOrders {
		o.state = OrderFilled
		o.filledPrice = price
		o.filledAt = time.Now().UTC()
	}
	s.orders[id] = o
	return id, nil
}

func (s *Simulator) PlaceMarketExit(ctx context.Context, symbol string, qty int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New().String()
	price := s.quotes[symbol].Last
	s.orders[id] = &simOrder{symbol: symbol, qty: qty, side: "sell", orderType: "market", state: OrderFilled, filledPrice: price, filledAt: time.Now().UTC()}
	return id, nil
}

func (s *Simulator) Cancel(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return errs.New(errs.KindPermanentBroker, "no such simulated order")
	}
	if o.state == OrderWorking {
		o.state = OrderCancelled
	}
	return nil
}

func (s *Simulator) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return OrderStatus{}, errs.New(errs.KindPermanentBroker, "no such simulated order")
	}
	return OrderStatus{State: o.state, FilledPrice: o.filledPrice, FilledAt: o.filledAt}, nil
}

func (s *Simulator) OptionChain(ctx context.Context, underlying string, optionType OptionType, strikeCount int, onlyToday bool) ([]ChainEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.chain[underlying]
	if !ok {
		return nil, nil
	}
	out := make([]ChainEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Simulator) EquityQuote(ctx context.Context, symbol string) (EquityQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotes[symbol], nil
}
