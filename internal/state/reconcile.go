package state

import (
	"sort"
	"time"

	"meanrev/internal/metrics"
)

// Holding is an open position as the broker reports it.
type Holding struct {
	Symbol   string
	Qty      int
	AvgEntry float64
}

// Drift lists the ledger corrections made by a reconciliation pass.
type Drift struct {
	Adopted []string
	Dropped []string
	Resized []string
}

func (d Drift) Empty() bool {
	return len(d.Adopted) == 0 && len(d.Dropped) == 0 && len(d.Resized) == 0
}

// BracketFunc derives stop and target levels for a position the ledger did not open.
type BracketFunc func(entry float64) (stop, target float64)

// Reconcile makes the ledger agree with the broker's holdings, which were
// captured at asOf. The broker wins on every mismatch except for symbols the
// ledger opened or closed after asOf, since the snapshot predates those
// changes, and symbols listed in pending, whose entry order has not filled yet.
func (l *Ledger) Reconcile(reported []Holding, pending []string, asOf time.Time, bracket BracketFunc) Drift {
	waiting := make(map[string]bool, len(pending))
	for _, symbol := range pending {
		waiting[Key(symbol)] = true
	}
	remote := make(map[string]Holding, len(reported))
	for _, h := range reported {
		if h.Qty <= 0 {
			l.log.Warn().Str("symbol", h.Symbol).Int("qty", h.Qty).Msg("ignoring non-long broker position")
			continue
		}
		remote[Key(h.Symbol)] = h
	}

	l.mu.RLock()
	keys := make([]string, 0, len(l.open)+len(remote))
	for key := range l.open {
		keys = append(keys, key)
	}
	l.mu.RUnlock()
	for key := range remote {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var drift Drift
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		h, held := remote[key]
		unlock := l.keys.lock(key)
		l.reconcileKey(key, h, held, waiting[key], asOf, bracket, &drift)
		unlock()
	}

	drift.record()
	return drift
}

func (d Drift) record() {
	metrics.ReconcileDriftTotal.WithLabelValues("adopted").Add(float64(len(d.Adopted)))
	metrics.ReconcileDriftTotal.WithLabelValues("dropped").Add(float64(len(d.Dropped)))
	metrics.ReconcileDriftTotal.WithLabelValues("resized").Add(float64(len(d.Resized)))
}

func (l *Ledger) reconcileKey(key string, h Holding, held, pending bool, asOf time.Time, bracket BracketFunc, drift *Drift) {
	l.mu.Lock()
	defer func() {
		metrics.OpenPositions.Set(float64(len(l.open)))
		l.mu.Unlock()
	}()

	local, tracked := l.open[key]
	switch {
	case held && !tracked:
		if closed, ok := l.closedAt[key]; ok && closed.After(asOf) {
			return
		}
		pos := Position{
			Symbol:     h.Symbol,
			Qty:        h.Qty,
			EntryPrice: h.AvgEntry,
			Side:       Long,
			OpenedAt:   l.now(),
			Adopted:    true,
		}
		if bracket != nil {
			pos.StopLoss, pos.TakeProfit = bracket(h.AvgEntry)
		}
		l.open[key] = pos
		drift.Adopted = append(drift.Adopted, h.Symbol)
		l.log.Warn().Str("symbol", h.Symbol).Int("qty", h.Qty).Float64("entry", h.AvgEntry).Msg("adopted untracked broker position")

	case !held && tracked:
		if local.OpenedAt.After(asOf) {
			return
		}
		if pending {
			l.log.Debug().Str("symbol", local.Symbol).Msg("entry order still open, keeping position")
			return
		}
		delete(l.open, key)
		l.closedAt[key] = l.now()
		drift.Dropped = append(drift.Dropped, local.Symbol)
		l.log.Warn().Str("symbol", local.Symbol).Int("qty", local.Qty).Msg("dropped position closed outside the engine")

	case held && tracked && h.Qty != local.Qty:
		// A partial fill is resized once the entry order is done.
		if local.OpenedAt.After(asOf) || pending {
			return
		}
		l.log.Warn().Str("symbol", local.Symbol).Int("ledger_qty", local.Qty).Int("broker_qty", h.Qty).Msg("resized position to broker quantity")
		local.Qty = h.Qty
		l.open[key] = local
		drift.Resized = append(drift.Resized, local.Symbol)
	}
}

// ReconcileSymbol applies the same rules as Reconcile to a single symbol.
// h is nil when the broker reports no position for it.
func (l *Ledger) ReconcileSymbol(symbol string, h *Holding, pending bool, asOf time.Time, bracket BracketFunc) Drift {
	key := Key(symbol)
	var holding Holding
	held := h != nil && h.Qty > 0
	if held {
		holding = *h
	}
	var drift Drift
	unlock := l.keys.lock(key)
	l.reconcileKey(key, holding, held, pending, asOf, bracket, &drift)
	unlock()
	drift.record()
	return drift
}
