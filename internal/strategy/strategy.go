package strategy

import (
	"meanrev/internal/md"
	"meanrev/internal/state"
)

type Signal string

const (
	Hold Signal = "HOLD"
	Buy  Signal = "BUY"
	Sell Signal = "SELL"
)

// Window is the read side of a price window the engine evaluates.
type Window interface {
	IsReady() bool
	Closes() []float64
}

// Evaluation is the signal for one bar together with the indicator values
// that produced it.
type Evaluation struct {
	Signal Signal
	Reason string
	SMA    float64
	RSI    float64
}

// Strategy turns a window and the newest bar into a signal. pos is nil when
// the symbol is flat.
type Strategy interface {
	Evaluate(window Window, latest md.Bar, pos *state.Position) Evaluation
	MinSamples() int
}
