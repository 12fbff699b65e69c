package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"

	"meanrev/internal/broker"
	"meanrev/internal/md"
	"meanrev/internal/metrics"
	"meanrev/internal/risk"
	"meanrev/internal/state"
	"meanrev/internal/strategy"
)

// Broker is the part of the brokerage API the engine trades through.
type Broker interface {
	AccountSource
	PositionSource
	Position(ctx context.Context, symbol string) (broker.Position, error)
	SubmitBracketOrder(ctx context.Context, symbol string, qty int, takeProfit, stopLoss float64, clientOrderID string) (broker.OrderRef, error)
	SubmitMarketOrder(ctx context.Context, symbol string, qty int, side alpaca.Side, clientOrderID string) (broker.OrderRef, error)
	CloseAllPositions(ctx context.Context) error
}

type CoordinatorConfig struct {
	// CapitalFraction of buying power committed to a single entry.
	CapitalFraction float64
	Bracket         risk.BracketParams
	MaxNotional     float64
}

// Coordinator turns signals into orders. Every check, submission and ledger
// update for a symbol happens under that symbol's ledger lock, so two
// evaluations of the same symbol never race each other into the broker.
type Coordinator struct {
	cfg         CoordinatorConfig
	broker      Broker
	ledger      *state.Ledger
	gate        risk.Gate
	decisions   *DecisionLogger
	halted      *atomic.Bool
	reconcile   func()
	runID       string
	orderSeqNum uint64
	log         zerolog.Logger

	mu sync.Mutex
	// sellDeferred holds symbols whose last SELL failed. Further SELLs wait
	// for a non-SELL signal so a rejecting broker is not hit on every bar.
	sellDeferred map[string]bool
}

func NewCoordinator(cfg CoordinatorConfig, b Broker, ledger *state.Ledger, halted *atomic.Bool, decisions *DecisionLogger, runID string, log zerolog.Logger) *Coordinator {
	log = log.With().Str("component", "coordinator").Logger()
	return &Coordinator{
		cfg:          cfg,
		broker:       b,
		ledger:       ledger,
		gate:         risk.Gate{Log: log},
		decisions:    decisions,
		halted:       halted,
		reconcile:    func() {},
		runID:        runID,
		log:          log,
		sellDeferred: make(map[string]bool),
	}
}

// OnReconcileNeeded registers the callback fired when the ledger and the
// broker are found to disagree.
func (c *Coordinator) OnReconcileNeeded(fn func()) {
	if fn != nil {
		c.reconcile = fn
	}
}

// BracketLevels derives stop and target for a position entered at entry.
// Reconciliation uses it for positions the engine did not open itself.
func (c *Coordinator) BracketLevels(entry float64) (stop, target float64) {
	stop, target, err := risk.Bracket(entry, c.cfg.Bracket)
	if err != nil {
		c.log.Warn().Err(err).Float64("entry", entry).Msg("no valid bracket for adopted position")
		return 0, 0
	}
	return stop, target
}

// OnSignal acts on one evaluation for symbol. HOLD only clears a deferred
// SELL; BUY and SELL go through the risk gate to the broker and then into the
// ledger. A failed submission leaves the ledger untouched.
func (c *Coordinator) OnSignal(ctx context.Context, symbol string, signal strategy.Signal, bar md.Bar, account broker.Account) error {
	switch signal {
	case strategy.Buy:
		return c.buy(ctx, symbol, bar, account)
	case strategy.Sell:
		return c.sell(ctx, symbol, bar)
	default:
		c.clearDeferredSell(symbol)
		return nil
	}
}

func (c *Coordinator) buy(ctx context.Context, symbol string, bar md.Bar, account broker.Account) error {
	c.clearDeferredSell(symbol)
	if c.halted.Load() {
		return c.reject(symbol, strategy.Buy, bar, risk.ErrHalted)
	}
	if !c.ledger.HasPosition(symbol) {
		if err := c.confirmFlat(ctx, symbol); err != nil {
			if errors.Is(err, risk.ErrEntryPending) {
				return c.reject(symbol, strategy.Buy, bar, err)
			}
			return err
		}
	}

	unlock := c.ledger.Lock(symbol)
	defer unlock()

	decision := Decision{BarTime: barTime(bar.Timestamp), Symbol: symbol, Close: bar.Close, Signal: strategy.Buy}
	capital := account.BuyingPower * c.cfg.CapitalFraction
	qty := risk.Size(capital, bar.Close)
	if qty <= 0 {
		decision.Result = "skipped"
		decision.RejectReason = "insufficient_capital"
		c.decisions.Append(decision)
		metrics.OrdersTotal.WithLabelValues(symbol, string(strategy.Buy), "skipped").Inc()
		c.log.Info().Str("symbol", symbol).Float64("capital", capital).Float64("price", bar.Close).Msg("capital too small for one share")
		return nil
	}
	decision.Qty = qty

	stop, target, err := risk.Bracket(bar.Close, c.cfg.Bracket)
	if err != nil {
		return c.reject(symbol, strategy.Buy, bar, err)
	}
	decision.StopLoss, decision.TakeProfit = stop, target

	err = c.gate.Evaluate(risk.Intent{Symbol: symbol, Signal: strategy.Buy, Qty: qty, Price: bar.Close}, risk.RiskContext{
		Halted:      c.halted.Load(),
		HasPosition: c.ledger.HasPosition(symbol),
		MaxNotional: c.cfg.MaxNotional,
	})
	if err != nil {
		return c.reject(symbol, strategy.Buy, bar, err)
	}

	clientOrderID := c.nextClientOrderID()
	decision.ClientOrderID = clientOrderID
	ref, err := c.broker.SubmitBracketOrder(ctx, symbol, qty, target, stop, clientOrderID)
	if err != nil {
		decision.Result = "order_failed"
		decision.RejectReason = err.Error()
		c.decisions.Append(decision)
		metrics.OrdersTotal.WithLabelValues(symbol, string(strategy.Buy), "failed").Inc()
		return &OrderSubmissionError{Symbol: symbol, Signal: strategy.Buy, Err: err}
	}
	decision.OrderID = ref.ID
	metrics.OrdersTotal.WithLabelValues(symbol, string(strategy.Buy), "submitted").Inc()

	if _, err := c.ledger.Open(symbol, qty, bar.Close, stop, target); err != nil {
		decision.Result = "ledger_conflict"
		decision.RejectReason = err.Error()
		c.decisions.Append(decision)
		c.log.Error().Err(err).Str("symbol", symbol).Str("order_id", ref.ID).Msg("order filled against an open ledger entry")
		c.reconcile()
		return err
	}

	decision.Result = "order_submitted"
	c.decisions.Append(decision)
	c.log.Info().Str("symbol", symbol).Int("qty", qty).Float64("entry", bar.Close).Float64("stop_loss", stop).
		Float64("take_profit", target).Str("order_id", ref.ID).Str("client_order_id", clientOrderID).Msg("entered position")
	return nil
}

// confirmFlat asks the broker before a BUY on a symbol the ledger holds no
// entry for. A broker-side position is adopted instead of bought into, and an
// entry order still working at the broker fails with risk.ErrEntryPending.
func (c *Coordinator) confirmFlat(ctx context.Context, symbol string) error {
	asOf := c.ledger.Now()
	orders, err := c.broker.OpenOrders(ctx, symbol)
	if err != nil {
		return &broker.PositionLookupError{Symbol: symbol, Err: fmt.Errorf("open orders: %w", err)}
	}
	if len(broker.PendingEntries(orders)) > 0 {
		return risk.ErrEntryPending
	}
	pos, err := c.broker.Position(ctx, symbol)
	if errors.Is(err, broker.ErrPositionNotFound) {
		return nil
	}
	if err != nil {
		var lookupErr *broker.PositionLookupError
		if errors.As(err, &lookupErr) {
			return err
		}
		return &broker.PositionLookupError{Symbol: symbol, Err: err}
	}
	if pos.Qty <= 0 {
		return nil
	}
	c.ledger.ReconcileSymbol(symbol, &state.Holding{Symbol: symbol, Qty: pos.Qty, AvgEntry: pos.AvgEntry}, false, asOf, c.BracketLevels)
	return nil
}

func (c *Coordinator) sell(ctx context.Context, symbol string, bar md.Bar) error {
	unlock := c.ledger.Lock(symbol)
	defer unlock()

	pos, ok := c.ledger.Get(symbol)
	err := c.gate.Evaluate(risk.Intent{Symbol: symbol, Signal: strategy.Sell, Qty: pos.Qty, Price: bar.Close}, risk.RiskContext{
		Halted:      c.halted.Load(),
		HasPosition: ok,
		PositionQty: pos.Qty,
	})
	if err != nil {
		return c.reject(symbol, strategy.Sell, bar, err)
	}
	if c.sellIsDeferred(symbol) {
		c.log.Debug().Str("symbol", symbol).Msg("sell retry deferred until the signal changes")
		return nil
	}

	qty, err := c.sellableQty(ctx, symbol, pos.Qty)
	if err != nil {
		return err
	}
	decision := Decision{BarTime: barTime(bar.Timestamp), Symbol: symbol, Close: bar.Close, Signal: strategy.Sell, Qty: qty}
	if qty == 0 {
		return c.closeWithoutOrder(symbol, decision)
	}
	clientOrderID := c.nextClientOrderID()
	decision.ClientOrderID = clientOrderID
	ref, err := c.broker.SubmitMarketOrder(ctx, symbol, qty, alpaca.Sell, clientOrderID)
	if err != nil {
		c.mu.Lock()
		c.sellDeferred[state.Key(symbol)] = true
		c.mu.Unlock()
		decision.Result = "order_failed"
		decision.RejectReason = err.Error()
		c.decisions.Append(decision)
		metrics.OrdersTotal.WithLabelValues(symbol, string(strategy.Sell), "failed").Inc()
		return &OrderSubmissionError{Symbol: symbol, Signal: strategy.Sell, Err: err}
	}
	decision.OrderID = ref.ID
	metrics.OrdersTotal.WithLabelValues(symbol, string(strategy.Sell), "submitted").Inc()

	if _, err := c.ledger.Close(symbol); err != nil {
		decision.Result = "ledger_conflict"
		decision.RejectReason = err.Error()
		c.decisions.Append(decision)
		c.log.Error().Err(err).Str("symbol", symbol).Str("order_id", ref.ID).Msg("sold a position the ledger no longer holds")
		c.reconcile()
		return err
	}

	decision.Result = "order_submitted"
	c.decisions.Append(decision)
	c.log.Info().Str("symbol", symbol).Int("qty", qty).Float64("exit", bar.Close).Float64("entry", pos.EntryPrice).
		Str("order_id", ref.ID).Str("client_order_id", clientOrderID).Msg("exited position")
	return nil
}

// sellableQty caps a SELL at what the broker holds so an exit racing a
// bracket leg never sells short. Zero means the broker is already flat.
// An entry that has not filled yet fails with risk.ErrEntryPending.
func (c *Coordinator) sellableQty(ctx context.Context, symbol string, ledgerQty int) (int, error) {
	pos, err := c.broker.Position(ctx, symbol)
	switch {
	case errors.Is(err, broker.ErrPositionNotFound):
		orders, err := c.broker.OpenOrders(ctx, symbol)
		if err != nil {
			return 0, &broker.PositionLookupError{Symbol: symbol, Err: fmt.Errorf("open orders: %w", err)}
		}
		if len(broker.PendingEntries(orders)) > 0 {
			c.log.Debug().Str("symbol", symbol).Msg("entry order not filled yet, holding exit")
			return 0, fmt.Errorf("%s %s: %w", strategy.Sell, symbol, risk.ErrEntryPending)
		}
		return 0, nil
	case err != nil:
		var lookupErr *broker.PositionLookupError
		if errors.As(err, &lookupErr) {
			return 0, err
		}
		return 0, &broker.PositionLookupError{Symbol: symbol, Err: err}
	case pos.Qty <= 0:
		return 0, nil
	case pos.Qty < ledgerQty:
		c.log.Warn().Str("symbol", symbol).Int("ledger_qty", ledgerQty).Int("broker_qty", pos.Qty).Msg("selling the smaller broker quantity")
		return pos.Qty, nil
	}
	return ledgerQty, nil
}

// closeWithoutOrder drops a ledger entry whose shares the broker already sold,
// usually through a bracket leg.
func (c *Coordinator) closeWithoutOrder(symbol string, decision Decision) error {
	if _, err := c.ledger.Close(symbol); err != nil {
		return err
	}
	decision.Result = "closed_at_broker"
	c.decisions.Append(decision)
	metrics.OrdersTotal.WithLabelValues(symbol, string(strategy.Sell), "closed_at_broker").Inc()
	c.log.Info().Str("symbol", symbol).Msg("broker already flat, closed ledger entry")
	return nil
}

func (c *Coordinator) reject(symbol string, signal strategy.Signal, bar md.Bar, err error) error {
	c.decisions.Append(Decision{
		BarTime:      barTime(bar.Timestamp),
		Symbol:       symbol,
		Close:        bar.Close,
		Signal:       signal,
		Result:       "rejected",
		RejectReason: err.Error(),
	})
	metrics.OrdersTotal.WithLabelValues(symbol, string(signal), "rejected").Inc()
	return fmt.Errorf("%s %s: %w", signal, symbol, err)
}

func (c *Coordinator) sellIsDeferred(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sellDeferred[state.Key(symbol)]
}

func (c *Coordinator) clearDeferredSell(symbol string) {
	c.mu.Lock()
	delete(c.sellDeferred, state.Key(symbol))
	c.mu.Unlock()
}

func (c *Coordinator) nextClientOrderID() string {
	seq := atomic.AddUint64(&c.orderSeqNum, 1)
	return fmt.Sprintf("%s-%d", c.runID, seq)
}
