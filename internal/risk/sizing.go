package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrInvalidBracket = errors.New("invalid_bracket")

// BracketParams sets the exits attached to an entry. The offsets are absolute
// price distances that keep a bracket open on very low-priced symbols.
type BracketParams struct {
	StopPct         float64
	TargetPct       float64
	StopMinOffset   float64
	TargetMinOffset float64
}

func DefaultBracketParams() BracketParams {
	return BracketParams{
		StopPct:         0.05,
		TargetPct:       0.02,
		StopMinOffset:   0.02,
		TargetMinOffset: 0.01,
	}
}

// Size is the whole number of shares capital buys at price.
func Size(capital, price float64) int {
	if capital <= 0 || price <= 0 {
		return 0
	}
	return int(decimal.NewFromFloat(capital).Div(decimal.NewFromFloat(price)).Floor().IntPart())
}

// Bracket returns the stop-loss and take-profit for an entry at price. The
// stop rounds down and the target rounds up to the price increment.
func Bracket(price float64, p BracketParams) (stop, target float64, err error) {
	one := decimal.NewFromInt(1)
	entry := decimal.NewFromFloat(price)
	places := pricePlaces(price)

	stopLevel := decimal.Min(
		entry.Mul(one.Sub(decimal.NewFromFloat(p.StopPct))),
		entry.Sub(decimal.NewFromFloat(p.StopMinOffset)),
	).RoundFloor(places)
	targetLevel := decimal.Max(
		entry.Mul(one.Add(decimal.NewFromFloat(p.TargetPct))),
		entry.Add(decimal.NewFromFloat(p.TargetMinOffset)),
	).RoundCeil(places)

	if !stopLevel.IsPositive() || !stopLevel.LessThan(entry) || !targetLevel.GreaterThan(entry) {
		return 0, 0, ErrInvalidBracket
	}
	stop, _ = stopLevel.Float64()
	target, _ = targetLevel.Float64()
	return stop, target, nil
}

// pricePlaces is the exchange price increment: cents at or above $1,
// hundredths of a cent below.
func pricePlaces(price float64) int32 {
	if price < 1 {
		return 4
	}
	return 2
}
