// Package contract is the Contract Selector (C6): given (underlying,
// direction, current price), choose the single best 0-DTE option
// contract by |delta - delta_target| + spread_percent/100, subject to
// liquidity filters. New relative to the teacher (which trades the
// underlying directly); grounded on the teacher's liquidity-filter style
// in auto_trader.go's enforceMinPositionSize/enforceMaxPositions —
// the "reject anything too thin to trade safely" pattern generalized
// from position sizing to option-chain liquidity.
package contract

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"optionflow/broker"
	"optionflow/errs"
	"optionflow/signal"
)

// Result is the Contract Selection Result, §3. Ephemeral — never persisted
// on its own, only folded into the Trade row it produces.
type Result struct {
	OptionSymbol string
	Strike       decimal.Decimal
	Expiry       string
	Delta        float64
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	SpreadPercent float64
}

// Selector runs the five-step procedure in §4.6 against a Broker Client.
type Selector struct {
	brokerClient broker.Client
	strikeCount  int
	maxSpreadPercent float64
	deltaTarget      float64
}

func NewSelector(brokerClient broker.Client, strikeCount int, maxSpreadPercent, deltaTarget float64) *Selector {
	return &Selector{brokerClient: brokerClient, strikeCount: strikeCount, maxSpreadPercent: maxSpreadPercent, deltaTarget: deltaTarget}
}

// Select implements §4.6 steps 1-5 exactly: fetch today's chain around
// ATM, reject illiquid entries, score survivors, return the lowest-score
// entry (ties: smaller spread, then strike closest to underlying), or
// fail with errs.KindNoLiquidContract.
func (sel *Selector) Select(ctx context.Context, underlying string, direction signal.Direction, underlyingPrice float64) (*Result, error) {
	optType := broker.OptionCall
	if direction == signal.Put {
		optType = broker.OptionPut
	}

	chain, err := sel.brokerClient.OptionChain(ctx, underlying, optType, sel.strikeCount, true)
	if err != nil {
		return nil, fmt.Errorf("fetch option chain: %w", err)
	}

	type scored struct {
		entry         broker.ChainEntry
		score         float64
		spreadPercent float64
	}
	var survivors []scored

	for _, e := range chain {
		bid, _ := e.Bid.Float64()
		ask, _ := e.Ask.Float64()
		if bid <= 0 || ask <= 0 {
			continue
		}
		mid := (ask + bid) / 2
		spreadPercent := (ask - bid) / mid * 100
		if spreadPercent > sel.maxSpreadPercent {
			continue
		}
		score := absf(e.Delta-sel.deltaTarget) + spreadPercent/100
		survivors = append(survivors, scored{entry: e, score: score, spreadPercent: spreadPercent})
	}

	if len(survivors) == 0 {
		return nil, errs.New(errs.KindNoLiquidContract, fmt.Sprintf("no liquid %s contract for %s", optType, underlying))
	}

	best := survivors[0]
	for _, s := range survivors[1:] {
		if s.score < best.score {
			best = s
			continue
		}
		if s.score == best.score {
			if s.spreadPercent < best.spreadPercent {
				best = s
				continue
			}
			if s.spreadPercent == best.spreadPercent {
				strikeF, _ := s.entry.Strike.Float64()
				bestStrikeF, _ := best.entry.Strike.Float64()
				if absf(strikeF-underlyingPrice) < absf(bestStrikeF-underlyingPrice) {
					best = s
				}
			}
		}
	}

	return &Result{
		OptionSymbol:  best.entry.Symbol,
		Strike:        best.entry.Strike,
		Expiry:        time.Now().UTC().Format("2006-01-02"),
		Delta:         best.entry.Delta,
		Bid:           best.entry.Bid,
		Ask:           best.entry.Ask,
		SpreadPercent: best.spreadPercent,
	}, nil
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
