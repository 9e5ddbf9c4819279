// Package bars is the Bar Aggregator (C3): for each subscribed symbol,
// maintain a ring of the last N completed OHLCV bars at a configured
// timeframe and fire an on-close callback exactly once per completed
// bar. Grounded on trader/vwap_collector.go's VWAPCollector (ring of
// VWAPBar, typical-price/volume accumulation, daily reset), generalized
// to arbitrary N-minute timeframes and arbitrary symbols.
package bars

import (
	"sync"
	"time"
)

// Bar is one completed OHLCV bar.
type Bar struct {
	Timestamp time.Time // bar open time, in the market's local zone
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// TypicalPrice is (H+L+C)/3, the VWAP-contributing price.
func (b Bar) TypicalPrice() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// Timeframe is a supported bar width.
type Timeframe int

const (
	Timeframe1Min  Timeframe = 1
	Timeframe5Min  Timeframe = 5
	Timeframe15Min Timeframe = 15
)

func (tf Timeframe) Duration() time.Duration { return time.Duration(tf) * time.Minute }

type seriesKey struct {
	symbol    string
	timeframe Timeframe
}

// BarCloseHandler runs exactly once per completed bar for (symbol,
// timeframe), after the bar has been appended to the ring.
type BarCloseHandler func(symbol string, timeframe Timeframe, bars []Bar)

// series is one symbol/timeframe ring plus its building (incomplete) bar.
type series struct {
	completed []Bar // ring, oldest first, capped at maxBars
	building  *Bar
	boundary  time.Time // the building bar's close boundary
	handlers  []BarCloseHandler
}

// Aggregator owns every (symbol, timeframe) series it has been asked to
// track. maxBars bounds the ring so memory doesn't grow unbounded across
// a session.
type Aggregator struct {
	mu       sync.Mutex
	loc      *time.Location
	maxBars  int
	series   map[seriesKey]*series
}

func NewAggregator(loc *time.Location, maxBars int) *Aggregator {
	return &Aggregator{loc: loc, maxBars: maxBars, series: make(map[seriesKey]*series)}
}

func (a *Aggregator) seriesFor(symbol string, tf Timeframe) *series {
	key := seriesKey{symbol, tf}
	s, ok := a.series[key]
	if !ok {
		s = &series{}
		a.series[key] = s
	}
	return s
}

// OnBarClose registers handler to run exactly once per completed bar for
// (symbol, timeframe). Multiple registrations accumulate; they do not
// replace each other.
func (a *Aggregator) OnBarClose(symbol string, tf Timeframe, handler BarCloseHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.seriesFor(symbol, tf)
	s.handlers = append(s.handlers, handler)
}

// IngestTick folds one trade print into the building bar for every
// timeframe this symbol is tracked at, closing and emitting any bar
// whose boundary the tick's timestamp has crossed.
func (a *Aggregator) IngestTick(symbol string, ts time.Time, price, volume float64) {
	a.mu.Lock()
	localTS := ts.In(a.loc)

	var toFire []func()
	for key, s := range a.series {
		if key.symbol != symbol {
			continue
		}
		boundary := floorToBoundary(localTS, key.timeframe, a.loc)

		if s.building != nil && localTS.After(s.boundary) && !boundary.Equal(s.boundary) {
			closed := *s.building
			s.completed = append(s.completed, closed)
			if len(s.completed) > a.maxBars {
				s.completed = s.completed[len(s.completed)-a.maxBars:]
			}
			s.building = nil
			tf, snapshot, handlers := key.timeframe, append([]Bar(nil), s.completed...), append([]BarCloseHandler(nil), s.handlers...)
			toFire = append(toFire, func() {
				for _, h := range handlers {
					h(symbol, tf, snapshot)
				}
			})
		}

		if s.building == nil {
			s.building = &Bar{Timestamp: boundary, Open: price, High: price, Low: price, Close: price, Volume: volume}
			s.boundary = boundary
		} else {
			if price > s.building.High {
				s.building.High = price
			}
			if price < s.building.Low {
				s.building.Low = price
			}
			s.building.Close = price
			s.building.Volume += volume
		}
	}
	a.mu.Unlock()

	for _, fire := range toFire {
		fire()
	}
}

// floorToBoundary rounds ts down to the start of its timeframe bucket,
// anchored at session midnight in loc so every symbol's bars align.
func floorToBoundary(ts time.Time, tf Timeframe, loc *time.Location) time.Time {
	dayStart := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, loc)
	elapsed := ts.Sub(dayStart)
	bucket := elapsed / tf.Duration()
	return dayStart.Add(bucket * tf.Duration())
}

// LastBars returns the last n completed bars for (symbol, timeframe),
// oldest first. Returns fewer than n if the ring doesn't yet hold that
// many (warmup).
func (a *Aggregator) LastBars(symbol string, tf Timeframe, n int) []Bar {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.series[seriesKey{symbol, tf}]
	if !ok {
		return nil
	}
	if n >= len(s.completed) {
		return append([]Bar(nil), s.completed...)
	}
	return append([]Bar(nil), s.completed[len(s.completed)-n:]...)
}

// ResetSession clears all completed bars and the building bar for every
// series, for use at the session boundary (VWAP and ORB both anchor to
// session open per §4.4).
func (a *Aggregator) ResetSession() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.series {
		s.completed = nil
		s.building = nil
	}
}
