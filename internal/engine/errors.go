package engine

import (
	"errors"
	"fmt"

	"meanrev/internal/strategy"
)

// ErrLiquidationFailed means the cutoff flatten could not be confirmed by the
// broker after every retry.
var ErrLiquidationFailed = errors.New("forced liquidation failed")

// OrderSubmissionError is a broker rejection or transport failure on submit.
// The ledger is left as it was before the attempt.
type OrderSubmissionError struct {
	Symbol string
	Signal strategy.Signal
	Err    error
}

func (e *OrderSubmissionError) Error() string {
	return fmt.Sprintf("submit %s order for %s: %v", e.Signal, e.Symbol, e.Err)
}

func (e *OrderSubmissionError) Unwrap() error {
	return e.Err
}
