package md

import (
	"sort"
	"time"
)

// PriceWindow keeps the bars of one symbol that fall inside the lookback
// horizon of the newest bar, ordered by strictly increasing timestamp.
type PriceWindow struct {
	symbol     string
	lookback   time.Duration
	minSamples int
	bars       []Bar
}

func NewPriceWindow(symbol string, lookback time.Duration, minSamples int) *PriceWindow {
	return &PriceWindow{
		symbol:     symbol,
		lookback:   lookback,
		minSamples: minSamples,
		bars:       make([]Bar, 0, minSamples+1),
	}
}

// Update inserts bar in timestamp order. A bar sharing a timestamp with an
// existing one replaces it. Bars for other symbols, or already outside the
// horizon, are ignored and Update reports false.
func (w *PriceWindow) Update(bar Bar) bool {
	if bar.Symbol != w.symbol {
		return false
	}
	if n := len(w.bars); n > 0 && w.expired(bar.Timestamp, w.bars[n-1].Timestamp) {
		return false
	}

	i := sort.Search(len(w.bars), func(i int) bool {
		return !w.bars[i].Timestamp.Before(bar.Timestamp)
	})
	switch {
	case i < len(w.bars) && w.bars[i].Timestamp.Equal(bar.Timestamp):
		w.bars[i] = bar
	case i == len(w.bars):
		w.bars = append(w.bars, bar)
	default:
		w.bars = append(w.bars, Bar{})
		copy(w.bars[i+1:], w.bars[i:])
		w.bars[i] = bar
	}
	w.evict()
	return true
}

// Seed merges historical bars into the window.
func (w *PriceWindow) Seed(bars []Bar) {
	for _, bar := range bars {
		w.Update(bar)
	}
}

func (w *PriceWindow) evict() {
	newest := w.bars[len(w.bars)-1].Timestamp
	drop := 0
	for drop < len(w.bars) && w.expired(w.bars[drop].Timestamp, newest) {
		drop++
	}
	if drop > 0 {
		w.bars = append(w.bars[:0], w.bars[drop:]...)
	}
}

func (w *PriceWindow) expired(ts, newest time.Time) bool {
	return newest.Sub(ts) > w.lookback
}

func (w *PriceWindow) Len() int {
	return len(w.bars)
}

func (w *PriceWindow) IsReady() bool {
	return len(w.bars) >= w.minSamples
}

// Ready is IsReady as an error for callers that propagate it.
func (w *PriceWindow) Ready() error {
	if w.IsReady() {
		return nil
	}
	return &DataInsufficientError{Symbol: w.symbol, Have: len(w.bars), Need: w.minSamples}
}

func (w *PriceWindow) Closes() []float64 {
	result := make([]float64, len(w.bars))
	for i, bar := range w.bars {
		result[i] = bar.Close
	}
	return result
}

func (w *PriceWindow) Latest() (Bar, bool) {
	if len(w.bars) == 0 {
		return Bar{}, false
	}
	return w.bars[len(w.bars)-1], true
}
