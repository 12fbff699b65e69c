package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"meanrev/internal/broker"
	"meanrev/internal/state"
)

// PositionSource reports what the broker holds and which orders are still working.
type PositionSource interface {
	Positions(ctx context.Context) ([]broker.Position, error)
	OpenOrders(ctx context.Context, symbols ...string) ([]broker.OrderRef, error)
}

// Reconciler keeps the ledger in line with the broker's positions: once at
// startup, on every interval, and whenever a caller triggers it.
type Reconciler struct {
	source   PositionSource
	ledger   *state.Ledger
	bracket  state.BracketFunc
	interval time.Duration
	trigger  chan struct{}
	log      zerolog.Logger
}

func NewReconciler(source PositionSource, ledger *state.Ledger, bracket state.BracketFunc, interval time.Duration, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		source:   source,
		ledger:   ledger,
		bracket:  bracket,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		log:      log.With().Str("component", "reconciler").Logger(),
	}
}

// Trigger asks the loop for an immediate pass. It never blocks; a pending
// request absorbs later ones.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Reconciler) Loop(ctx context.Context) {
	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-r.trigger:
		}
		if _, err := r.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("reconcile failed")
		}
	}
}

// ReconcileOnce fetches all broker positions and applies them to the ledger.
// The snapshot time is taken before the requests so ledger changes made while
// they are in flight are not undone. Open orders are read before positions:
// an entry that fills in between then shows up as a position.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (state.Drift, error) {
	asOf := r.ledger.Now()
	orders, err := r.source.OpenOrders(ctx)
	if err != nil {
		return state.Drift{}, err
	}
	pending := broker.PendingEntries(orders)
	positions, err := r.source.Positions(ctx)
	if err != nil {
		return state.Drift{}, err
	}
	holdings := make([]state.Holding, 0, len(positions))
	for _, p := range positions {
		holdings = append(holdings, state.Holding{Symbol: p.Symbol, Qty: p.Qty, AvgEntry: p.AvgEntry})
	}
	drift := r.ledger.Reconcile(holdings, pending, asOf, r.bracket)
	if !drift.Empty() {
		r.log.Info().Strs("adopted", drift.Adopted).Strs("dropped", drift.Dropped).Strs("resized", drift.Resized).Msg("ledger reconciled")
	} else {
		r.log.Debug().Int("positions", len(holdings)).Strs("pending", pending).Msg("ledger in sync")
	}
	return drift, nil
}
