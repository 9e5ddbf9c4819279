// Package indicators is the Indicator Library (C4): pure, deterministic
// functions over bar sequences. Every function returns (value, ok) so
// warmup ("insufficient data") is an explicit result the Signal
// Evaluator must gate on, never a zero value masquerading as real data.
// Grounded on market/data.go's calculateEMA/calculateRSI/calculateATR/
// calculateAnchoredVWAP, rewritten as pure functions.
package indicators

import (
	"math"

	"optionflow/bars"
)

// EMA computes the exponential moving average of the last `period`
// closes, seeded by a simple average of the first `period` closes.
// Requires len(b) >= period.
func EMA(b []bars.Bar, period int) (float64, bool) {
	if period <= 0 || len(b) < period {
		return 0, false
	}
	k := 2.0 / float64(period+1)

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += b[i].Close
	}
	ema := sum / float64(period)
	for i := period; i < len(b); i++ {
		ema = b[i].Close*k + ema*(1-k)
	}
	return ema, true
}

// EMASeries returns the EMA value trailing each bar from `period-1`
// onward, used by EMA-cross detection which needs this bar's and the
// prior bar's EMA.
func EMASeries(b []bars.Bar, period int) ([]float64, bool) {
	if period <= 0 || len(b) < period {
		return nil, false
	}
	k := 2.0 / float64(period+1)
	out := make([]float64, len(b))

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += b[i].Close
	}
	ema := sum / float64(period)
	out[period-1] = ema
	for i := period; i < len(b); i++ {
		ema = b[i].Close*k + ema*(1-k)
		out[i] = ema
	}
	return out, true
}

// AnchoredVWAP computes the volume-weighted average typical price over
// all bars given, anchored to session open: callers must pass only the
// bars since the session boundary, since the aggregator resets its ring
// at that boundary (§4.4 — VWAP resets at the session boundary even if
// bars are missing).
func AnchoredVWAP(b []bars.Bar) (float64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	var pv, v float64
	for _, bar := range b {
		pv += bar.TypicalPrice() * bar.Volume
		v += bar.Volume
	}
	if v == 0 {
		return 0, false
	}
	return pv / v, true
}

// RSI computes the Wilder-style relative strength index over `period`
// bars of close-to-close change. Requires len(b) >= period+1.
func RSI(b []bars.Bar, period int) (float64, bool) {
	if period <= 0 || len(b) < period+1 {
		return 0, false
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		delta := b[i].Close - b[i-1].Close
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum += -delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)

	for i := period + 1; i < len(b); i++ {
		delta := b[i].Close - b[i-1].Close
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), true
}

// ATR computes the Wilder-smoothed average true range over `period`
// bars. Requires len(b) >= period+1 (one extra bar for the first true
// range's previous close).
func ATR(b []bars.Bar, period int) (float64, bool) {
	if period <= 0 || len(b) < period+1 {
		return 0, false
	}

	trueRange := func(i int) float64 {
		hl := b[i].High - b[i].Low
		hc := absf(b[i].High - b[i-1].Close)
		lc := absf(b[i].Low - b[i-1].Close)
		return maxf(hl, maxf(hc, lc))
	}

	var sum float64
	for i := 1; i <= period; i++ {
		sum += trueRange(i)
	}
	atr := sum / float64(period)
	for i := period + 1; i < len(b); i++ {
		atr = (atr*float64(period-1) + trueRange(i)) / float64(period)
	}
	return atr, true
}

// BollingerBands computes the middle (SMA), upper and lower bands over
// `period` bars at `stdDevMultiplier` standard deviations.
func BollingerBands(b []bars.Bar, period int, stdDevMultiplier float64) (middle, upper, lower float64, ok bool) {
	if period <= 0 || len(b) < period {
		return 0, 0, 0, false
	}
	window := b[len(b)-period:]

	var sum float64
	for _, bar := range window {
		sum += bar.Close
	}
	mean := sum / float64(period)

	var variance float64
	for _, bar := range window {
		d := bar.Close - mean
		variance += d * d
	}
	stdDev := math.Sqrt(variance / float64(period))

	return mean, mean + stdDevMultiplier*stdDev, mean - stdDevMultiplier*stdDev, true
}

// MACD computes the MACD line (fastEMA - slowEMA), its signal line
// (EMA of the MACD line over signalPeriod) and the histogram
// (macd - signal). Requires enough bars for the slow EMA plus the
// signal period.
func MACD(b []bars.Bar, fastPeriod, slowPeriod, signalPeriod int) (macd, signal, histogram float64, ok bool) {
	fastSeries, okFast := EMASeries(b, fastPeriod)
	slowSeries, okSlow := EMASeries(b, slowPeriod)
	if !okFast || !okSlow {
		return 0, 0, 0, false
	}

	start := slowPeriod - 1
	if start >= len(b) {
		return 0, 0, 0, false
	}
	macdSeries := make([]float64, 0, len(b)-start)
	for i := start; i < len(b); i++ {
		macdSeries = append(macdSeries, fastSeries[i]-slowSeries[i])
	}
	if len(macdSeries) < signalPeriod {
		return 0, 0, 0, false
	}

	k := 2.0 / float64(signalPeriod+1)
	sum := 0.0
	for i := 0; i < signalPeriod; i++ {
		sum += macdSeries[i]
	}
	sig := sum / float64(signalPeriod)
	for i := signalPeriod; i < len(macdSeries); i++ {
		sig = macdSeries[i]*k + sig*(1-k)
	}

	macdVal := macdSeries[len(macdSeries)-1]
	return macdVal, sig, macdVal - sig, true
}

// OpeningRange returns the high/low of the first k bars of a session
// (the opening range). Requires len(b) >= k.
func OpeningRange(b []bars.Bar, k int) (high, low float64, ok bool) {
	if k <= 0 || len(b) < k {
		return 0, 0, false
	}
	high, low = b[0].High, b[0].Low
	for i := 1; i < k; i++ {
		if b[i].High > high {
			high = b[i].High
		}
		if b[i].Low < low {
			low = b[i].Low
		}
	}
	return high, low, true
}

// RelativeVolume is bar[i].volume / mean(volume[i-period..i-1]); at
// least one prior full period is required per §4.4.
func RelativeVolume(b []bars.Bar, i, period int) (float64, bool) {
	if period <= 0 || i < period || i >= len(b) {
		return 0, false
	}
	var sum float64
	for j := i - period; j < i; j++ {
		sum += b[j].Volume
	}
	mean := sum / float64(period)
	if mean == 0 {
		return 0, false
	}
	return b[i].Volume / mean, true
}

// CandleBodyPercent is the candle body's share of its full high-low
// range, used by the ORB-directional strategy's body-size filter.
func CandleBodyPercent(b bars.Bar) (float64, bool) {
	rng := b.High - b.Low
	if rng <= 0 {
		return 0, false
	}
	return absf(b.Close-b.Open) / rng * 100, true
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

