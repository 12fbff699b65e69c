package strategy

import (
	"meanrev/internal/indicators"
	"meanrev/internal/md"
	"meanrev/internal/state"
)

// Params tunes MeanReversion. Every threshold differs between deployments, so
// none of them are constants.
type Params struct {
	SMAPeriod int
	RSIPeriod int
	// BuyMargin is how far below the SMA a close must be to buy (0.05 = 5%).
	BuyMargin float64
	// SellMargin is how far above the SMA a close must be to sell.
	SellMargin float64
	// Oversold is the RSI level under which a symbol is bought.
	Oversold float64
	// VWAPSlack scales the bar VWAP into the exit threshold: close <= vwap*slack sells.
	VWAPSlack float64
	// RequireProfit forbids exits at or below the entry price.
	RequireProfit bool
	MinPrice      float64
	// MaxPrice of zero disables the upper bound.
	MaxPrice float64
}

func DefaultParams() Params {
	return Params{
		SMAPeriod:     20,
		RSIPeriod:     14,
		BuyMargin:     0.05,
		SellMargin:    0.02,
		Oversold:      30,
		VWAPSlack:     0.95,
		RequireProfit: true,
		MinPrice:      1,
		MaxPrice:      5,
	}
}

// MeanReversion buys closes stretched below their SMA (or oversold on RSI)
// and sells recovered positions above the SMA or under the bar VWAP.
type MeanReversion struct {
	params Params
}

func NewMeanReversion(params Params) *MeanReversion {
	return &MeanReversion{params: params}
}

// MinSamples is the window length needed before any signal is computed.
func (m *MeanReversion) MinSamples() int {
	return indicators.MinSamples(m.params.SMAPeriod, m.params.RSIPeriod)
}

// Evaluate has no side effects. pos is nil when the symbol is flat.
func (m *MeanReversion) Evaluate(window Window, latest md.Bar, pos *state.Position) Evaluation {
	if !window.IsReady() {
		return Evaluation{Signal: Hold, Reason: "insufficient_data"}
	}
	closes := window.Closes()
	sma, err := indicators.SMA(closes, m.params.SMAPeriod)
	if err != nil {
		return Evaluation{Signal: Hold, Reason: "insufficient_data"}
	}
	rsi, err := indicators.RSI(closes, m.params.RSIPeriod)
	if err != nil {
		return Evaluation{Signal: Hold, Reason: "insufficient_data", SMA: sma}
	}

	eval := Evaluation{Signal: Hold, SMA: sma, RSI: rsi}
	price := latest.Close

	// Exits are checked first: protecting a held position outranks opening one.
	if pos != nil {
		// Bracket levels apply here too; crypto entries have no broker-side legs.
		switch {
		case pos.StopLoss > 0 && price <= pos.StopLoss:
			eval.Signal, eval.Reason = Sell, "stop_loss"
			return eval
		case pos.TakeProfit > 0 && price >= pos.TakeProfit:
			eval.Signal, eval.Reason = Sell, "take_profit"
			return eval
		}
		if m.params.RequireProfit && price <= pos.EntryPrice {
			eval.Reason = "below_entry"
			return eval
		}
		switch {
		case price > sma*(1+m.params.SellMargin):
			eval.Signal, eval.Reason = Sell, "above_sma"
		case latest.VWAP > 0 && price <= latest.VWAP*m.params.VWAPSlack:
			eval.Signal, eval.Reason = Sell, "below_vwap"
		default:
			eval.Reason = "holding"
		}
		return eval
	}

	if price < m.params.MinPrice || (m.params.MaxPrice > 0 && price > m.params.MaxPrice) {
		eval.Reason = "outside_price_band"
		return eval
	}
	switch {
	case price < sma*(1-m.params.BuyMargin):
		eval.Signal, eval.Reason = Buy, "below_sma"
	case rsi < m.params.Oversold:
		eval.Signal, eval.Reason = Buy, "oversold"
	default:
		eval.Reason = "no_signal"
	}
	return eval
}
