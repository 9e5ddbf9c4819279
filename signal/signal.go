// Package signal is the Signal Evaluator (C5): given parameters and
// bars, emits directional Signals at the close of each bar across eight
// named strategies plus a multi-factor confluence scorer. Grounded on
// decision/engine.go's calculateVWAPSlopeStretch(WithAnalysis) checklist
// pattern and vwap_collector.go's CheckEntryConditions.
package signal

import (
	"optionflow/bars"
	"optionflow/indicators"
)

// Direction is the Signal's side.
type Direction string

const (
	Call Direction = "CALL"
	Put  Direction = "PUT"
)

func opposite(d Direction) Direction {
	if d == Call {
		return Put
	}
	return Call
}

// Signal is emitted at bar close; consumed exactly once by the caller
// (Strategy Signal Task).
type Signal struct {
	Direction        Direction
	UnderlyingPrice  float64
	Reason           string
	ConfluenceScore  *float64
	ConfluenceMax    *float64
	RelativeVolume   *float64
}

// Type names the eight named strategies plus the confluence scorer.
type Type string

const (
	EMACross        Type = "ema_cross"
	VWAPCross       Type = "vwap_cross"
	EMAVWAP         Type = "ema_vwap"
	ORB             Type = "orb"
	ORBDirectional  Type = "orb_directional"
	VWAPRSI         Type = "vwap_rsi"
	BBSqueeze       Type = "bb_squeeze"
	RSIReversal     Type = "rsi_reversal"
	Confluence      Type = "confluence"
)

// Params configures one (ticker, timeframe, signal_type) evaluation,
// matching the EnabledStrategy.params JSON blob.
type Params struct {
	Type Type

	FastEMA, SlowEMA int
	RSIPeriod        int
	ATRPeriod        int
	MACDFast, MACDSlow, MACDSignal int
	BBPeriod         int
	BBStdDev         float64
	ORBMinutes       int
	ORBBodyThresholdPercent float64
	RelVolumePeriod  int

	OversoldRSI, OverboughtRSI float64
	RelVolumeThreshold         float64
	MinConfluenceScore         float64

	// ConfirmationBars: 0 disables N-bar confirmation.
	ConfirmationBars int
}

// DefaultParams returns reasonable defaults; a strategy's stored params
// blob overrides individual fields.
func DefaultParams(t Type) Params {
	return Params{
		Type: t, FastEMA: 9, SlowEMA: 21, RSIPeriod: 14, ATRPeriod: 14,
		MACDFast: 12, MACDSlow: 26, MACDSignal: 9,
		BBPeriod: 20, BBStdDev: 2.0,
		ORBMinutes: 15, ORBBodyThresholdPercent: 50,
		RelVolumePeriod: 20,
		OversoldRSI: 30, OverboughtRSI: 70,
		RelVolumeThreshold: 1.5, MinConfluenceScore: 4,
	}
}

// Evaluate runs the configured strategy against b (all completed bars
// for this timeframe, oldest first) and returns a Signal if one fires
// at the close of the last bar. A nil return means "no signal this bar";
// callers must not synthesize one from a zero value.
func Evaluate(p Params, b []bars.Bar) *Signal {
	switch p.Type {
	case EMACross:
		return evalEMACross(p, b)
	case VWAPCross:
		return evalVWAPCross(p, b)
	case EMAVWAP:
		return evalEMAVWAP(p, b)
	case ORB:
		return evalORB(p, b)
	case ORBDirectional:
		return evalORBDirectional(p, b)
	case VWAPRSI:
		return evalVWAPRSI(p, b)
	case BBSqueeze:
		return evalBBSqueeze(p, b)
	case RSIReversal:
		return evalRSIReversal(p, b)
	case Confluence:
		return evalConfluence(p, b)
	default:
		return nil
	}
}

func last(b []bars.Bar) bars.Bar { return b[len(b)-1] }

func evalEMACross(p Params, b []bars.Bar) *Signal {
	fast, okFast := indicators.EMASeries(b, p.FastEMA)
	slow, okSlow := indicators.EMASeries(b, p.SlowEMA)
	if !okFast || !okSlow || len(b) < 2 {
		return nil
	}
	i := len(b) - 1
	prevFast, prevSlow := fast[i-1], slow[i-1]
	curFast, curSlow := fast[i], slow[i]

	if prevFast <= prevSlow && curFast > curSlow {
		return &Signal{Direction: Call, UnderlyingPrice: last(b).Close, Reason: "fast EMA crossed above slow EMA"}
	}
	if prevFast >= prevSlow && curFast < curSlow {
		return &Signal{Direction: Put, UnderlyingPrice: last(b).Close, Reason: "fast EMA crossed below slow EMA"}
	}
	return nil
}

func evalVWAPCross(p Params, b []bars.Bar) *Signal {
	if len(b) < 2 {
		return nil
	}
	vwapPrev, okPrev := indicators.AnchoredVWAP(b[:len(b)-1])
	vwapCur, okCur := indicators.AnchoredVWAP(b)
	if !okPrev || !okCur {
		return nil
	}
	prevClose, curClose := b[len(b)-2].Close, last(b).Close

	if prevClose <= vwapPrev && curClose > vwapCur {
		return &Signal{Direction: Call, UnderlyingPrice: curClose, Reason: "close crossed above VWAP"}
	}
	if prevClose >= vwapPrev && curClose < vwapCur {
		return &Signal{Direction: Put, UnderlyingPrice: curClose, Reason: "close crossed below VWAP"}
	}
	return nil
}

func evalEMAVWAP(p Params, b []bars.Bar) *Signal {
	emaSig := evalEMACross(p, b)
	if emaSig == nil {
		return nil
	}
	vwap, ok := indicators.AnchoredVWAP(b)
	if !ok {
		return nil
	}
	cur := last(b).Close
	if emaSig.Direction == Call && cur > vwap {
		emaSig.Reason = "EMA cross CALL confirmed above VWAP"
		return emaSig
	}
	if emaSig.Direction == Put && cur < vwap {
		emaSig.Reason = "EMA cross PUT confirmed below VWAP"
		return emaSig
	}
	return nil
}

func evalORB(p Params, b []bars.Bar) *Signal {
	k := p.ORBMinutes
	if k <= 0 {
		k = 15
	}
	high, _, ok := indicators.OpeningRange(b, k)
	if !ok || len(b) <= k {
		return nil
	}
	cur := last(b)
	prev := b[len(b)-2]
	if prev.Close <= high && cur.Close > high {
		return &Signal{Direction: Call, UnderlyingPrice: cur.Close, Reason: "close broke above opening range high"}
	}
	_, low, _ := indicators.OpeningRange(b, k)
	if prev.Close >= low && cur.Close < low {
		return &Signal{Direction: Put, UnderlyingPrice: cur.Close, Reason: "close broke below opening range low"}
	}
	return nil
}

func evalORBDirectional(p Params, b []bars.Bar) *Signal {
	orbSig := evalORB(p, b)
	if orbSig == nil {
		return nil
	}
	cur := last(b)
	bodyPct, ok := indicators.CandleBodyPercent(cur)
	if !ok || bodyPct < p.ORBBodyThresholdPercent {
		return nil
	}
	vwap, ok := indicators.AnchoredVWAP(b)
	if !ok {
		return nil
	}
	if orbSig.Direction == Call && cur.Close <= vwap {
		return nil
	}
	if orbSig.Direction == Put && cur.Close >= vwap {
		return nil
	}
	// Gap-fade filter: reject a breakout that merely closes a session
	// open gap back toward yesterday's range rather than extending it.
	if cur.Open != 0 {
		gapPct := (cur.Open - b[0].Open) / b[0].Open * 100
		if orbSig.Direction == Call && gapPct < -1.0 && cur.Close < b[0].Open {
			return nil
		}
		if orbSig.Direction == Put && gapPct > 1.0 && cur.Close > b[0].Open {
			return nil
		}
	}
	orbSig.Reason = "ORB breakout with strong body, VWAP-aligned, gap-fade filter passed"
	return orbSig
}

func evalVWAPRSI(p Params, b []bars.Bar) *Signal {
	if len(b) < 2 {
		return nil
	}
	vwap, ok := indicators.AnchoredVWAP(b)
	if !ok {
		return nil
	}
	cur := last(b)
	if cur.Close <= vwap {
		return nil
	}
	rsiPrev, okPrev := indicators.RSI(b[:len(b)-1], p.RSIPeriod)
	rsiCur, okCur := indicators.RSI(b, p.RSIPeriod)
	if !okPrev || !okCur {
		return nil
	}
	if rsiPrev <= p.OversoldRSI && rsiCur > p.OversoldRSI {
		return &Signal{Direction: Call, UnderlyingPrice: cur.Close, Reason: "close above VWAP, RSI crossed up through oversold"}
	}
	return nil
}

func evalBBSqueeze(p Params, b []bars.Bar) *Signal {
	if len(b) < p.BBPeriod+5 {
		return nil
	}
	_, upperCur, _, okCur := indicators.BollingerBands(b, p.BBPeriod, p.BBStdDev)
	_, upperPrior, lowerPrior, okPrior := indicators.BollingerBands(b[:len(b)-1], p.BBPeriod, p.BBStdDev)
	if !okCur || !okPrior {
		return nil
	}
	priorBandWidth := upperPrior - lowerPrior
	isCompressed := isLowVolatilityCompression(b, p.BBPeriod, priorBandWidth)
	cur := last(b)
	if isCompressed && cur.Close > upperCur && b[len(b)-2].Close <= upperPrior {
		return &Signal{Direction: Call, UnderlyingPrice: cur.Close, Reason: "close broke above upper band after compression"}
	}
	return nil
}

// isLowVolatilityCompression compares the current band width against its
// rolling average over the same lookback; "compressed" means materially
// narrower than usual, the BB-squeeze precondition.
func isLowVolatilityCompression(b []bars.Bar, period int, currentWidth float64) bool {
	if len(b) < period*2 {
		return false
	}
	var sum float64
	count := 0
	for i := period; i < len(b); i++ {
		_, u, l, ok := indicators.BollingerBands(b[:i], period, 2.0)
		if !ok {
			continue
		}
		sum += u - l
		count++
	}
	if count == 0 {
		return false
	}
	avgWidth := sum / float64(count)
	return currentWidth < avgWidth*0.6
}

func evalRSIReversal(p Params, b []bars.Bar) *Signal {
	if len(b) < 2 {
		return nil
	}
	rsiPrev, okPrev := indicators.RSI(b[:len(b)-1], p.RSIPeriod)
	rsiCur, okCur := indicators.RSI(b, p.RSIPeriod)
	if !okPrev || !okCur {
		return nil
	}
	cur := last(b)
	if rsiPrev <= p.OversoldRSI && rsiCur > p.OversoldRSI {
		return &Signal{Direction: Call, UnderlyingPrice: cur.Close, Reason: "RSI crossed back above oversold"}
	}
	if rsiPrev >= p.OverboughtRSI && rsiCur < p.OverboughtRSI {
		return &Signal{Direction: Put, UnderlyingPrice: cur.Close, Reason: "RSI crossed back below overbought"}
	}
	return nil
}

// evalConfluence tallies bullish/bearish factors across EMA side, VWAP
// side, RSI state, MACD histogram sign, relative volume, and candle body
// direction. CALL counts bullish factors, PUT counts bearish; a tie
// yields no signal.
func evalConfluence(p Params, b []bars.Bar) *Signal {
	i := len(b) - 1
	if i < 0 {
		return nil
	}
	cur := last(b)

	var bullish, bearish, maxFactors float64

	if fast, okFast := indicators.EMA(b, p.FastEMA); okFast {
		if slow, okSlow := indicators.EMA(b, p.SlowEMA); okSlow {
			maxFactors++
			if fast > slow {
				bullish++
			} else if fast < slow {
				bearish++
			}
		}
	}

	if vwap, ok := indicators.AnchoredVWAP(b); ok {
		maxFactors++
		if cur.Close > vwap {
			bullish++
		} else if cur.Close < vwap {
			bearish++
		}
	}

	if rsi, ok := indicators.RSI(b, p.RSIPeriod); ok {
		maxFactors++
		if rsi > 50 {
			bullish++
		} else if rsi < 50 {
			bearish++
		}
	}

	if macd, sig, hist, ok := indicators.MACD(b, p.MACDFast, p.MACDSlow, p.MACDSignal); ok {
		_ = macd
		_ = sig
		maxFactors++
		if hist > 0 {
			bullish++
		} else if hist < 0 {
			bearish++
		}
	}

	var relVol float64
	var haveRelVol bool
	if rv, ok := indicators.RelativeVolume(b, i, p.RelVolumePeriod); ok {
		relVol = rv
		haveRelVol = true
		maxFactors++
		if rv >= p.RelVolumeThreshold {
			if cur.Close >= cur.Open {
				bullish++
			} else {
				bearish++
			}
		}
	}

	if bodyPct, ok := indicators.CandleBodyPercent(cur); ok && bodyPct > 0 {
		maxFactors++
		if cur.Close > cur.Open {
			bullish++
		} else if cur.Close < cur.Open {
			bearish++
		}
	}

	var dir Direction
	var score float64
	switch {
	case bullish > bearish && bullish >= p.MinConfluenceScore:
		dir, score = Call, bullish
	case bearish > bullish && bearish >= p.MinConfluenceScore:
		dir, score = Put, bearish
	default:
		return nil
	}

	sig := &Signal{
		Direction:       dir,
		UnderlyingPrice: cur.Close,
		Reason:          "confluence score met threshold",
		ConfluenceScore: &score,
		ConfluenceMax:   &maxFactors,
	}
	if haveRelVol {
		sig.RelativeVolume = &relVol
	}
	return sig
}

// PendingConfirmation tracks an N-bar confirmation window for a signal
// that fired but has not yet been confirmed. While awaiting
// confirmation, a signal of the opposite direction voids it.
type PendingConfirmation struct {
	Direction    Direction
	SignalClose  float64
	BarsElapsed  int
	RequiredBars int
}

// AdvanceConfirmation folds in the next completed bar. Returns
// (confirmed, stillPending). A nil pending with stillPending=false means
// the confirmation was voided by an opposing signal and should be
// dropped.
func AdvanceConfirmation(pc *PendingConfirmation, nextBar bars.Bar, opposingSignal *Signal) (confirmed bool, stillPending *PendingConfirmation) {
	if opposingSignal != nil && opposingSignal.Direction == opposite(pc.Direction) {
		return false, nil
	}

	holds := (pc.Direction == Call && nextBar.Close > pc.SignalClose) ||
		(pc.Direction == Put && nextBar.Close < pc.SignalClose)
	if !holds {
		return false, nil
	}

	pc.BarsElapsed++
	if pc.BarsElapsed >= pc.RequiredBars {
		return true, nil
	}
	return false, pc
}
