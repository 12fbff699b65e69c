package risk

import (
	"errors"

	"github.com/rs/zerolog"

	"meanrev/internal/strategy"
)

var (
	ErrHalted          = errors.New("trading_halted")
	ErrNoPosition      = errors.New("no_position_to_sell")
	ErrPositionOpen    = errors.New("position_already_open")
	ErrEntryPending    = errors.New("entry_order_pending")
	ErrInvalidQuantity = errors.New("invalid_quantity")
	ErrMaxNotional     = errors.New("max_notional_exceeded")
)

// Intent is an order the coordinator wants to place.
type Intent struct {
	Symbol string
	Signal strategy.Signal
	Qty    int
	Price  float64
}

type RiskContext struct {
	Halted      bool
	HasPosition bool
	PositionQty int
	// MaxNotional of zero disables the notional cap.
	MaxNotional float64
}

// Gate is the last check before an order reaches the broker.
type Gate struct {
	Log zerolog.Logger
}

func (g Gate) Evaluate(intent Intent, ctx RiskContext) error {
	if intent.Signal == strategy.Hold {
		return nil
	}
	notional := intent.Price * float64(intent.Qty)
	g.Log.Debug().Str("symbol", intent.Symbol).Str("intent", string(intent.Signal)).Int("qty", intent.Qty).
		Bool("has_position", ctx.HasPosition).Float64("notional", notional).Msg("risk evaluation")

	var err error
	switch {
	case intent.Signal == strategy.Buy && ctx.Halted:
		err = ErrHalted
	case intent.Signal == strategy.Sell && !ctx.HasPosition:
		err = ErrNoPosition
	case intent.Signal == strategy.Buy && ctx.HasPosition:
		err = ErrPositionOpen
	case intent.Qty <= 0:
		err = ErrInvalidQuantity
	case intent.Signal == strategy.Sell && intent.Qty > ctx.PositionQty:
		err = ErrInvalidQuantity
	case intent.Signal == strategy.Buy && ctx.MaxNotional > 0 && notional > ctx.MaxNotional:
		err = ErrMaxNotional
	}
	if err != nil {
		g.Log.Info().Str("symbol", intent.Symbol).Str("intent", string(intent.Signal)).Str("reason", err.Error()).Msg("risk rejected")
		return err
	}
	return nil
}
