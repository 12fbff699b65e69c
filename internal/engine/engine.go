package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"meanrev/internal/broker"
	"meanrev/internal/md"
	"meanrev/internal/metrics"
	"meanrev/internal/risk"
	"meanrev/internal/session"
	"meanrev/internal/state"
	"meanrev/internal/strategy"
)

type SymbolState string

const (
	Unsubscribed SymbolState = "UNSUBSCRIBED"
	Watching     SymbolState = "WATCHING"
)

type Config struct {
	Lookback  time.Duration
	Timeframe time.Duration
	// QueueDepth is the number of bars buffered per symbol. Bars beyond it
	// are dropped so the feed never waits on a slow symbol.
	QueueDepth          int
	ForceFlatten        bool
	Cutoff              session.TimeOfDay
	CutoffTolerance     time.Duration
	LiquidationAttempts int
	LiquidationBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Lookback:            30 * time.Minute,
		Timeframe:           time.Minute,
		QueueDepth:          16,
		ForceFlatten:        true,
		Cutoff:              session.TimeOfDay{Hour: 15, Minute: 59},
		CutoffTolerance:     30 * time.Second,
		LiquidationAttempts: 5,
		LiquidationBackoff:  2 * time.Second,
	}
}

// Deps are the collaborators a TradeLoop drives.
type Deps struct {
	Feed        md.Feed
	History     md.HistoryStore
	Strategy    strategy.Strategy
	Coordinator *Coordinator
	Reconciler  *Reconciler
	Accounts    *AccountCache
	Broker      Broker
	Ledger      *state.Ledger
	Clock       *session.Clock
	Decisions   *DecisionLogger
	Halted      *atomic.Bool
}

// TradeLoop owns the per-symbol workers. Each symbol's bars are handled in
// order by its own goroutine; different symbols run in parallel.
type TradeLoop struct {
	cfg  Config
	deps Deps
	now  func() time.Time
	log  zerolog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	states  map[string]SymbolState

	cutoffOnce sync.Once
	cutoff     chan struct{}
}

type worker struct {
	symbol string
	window *md.PriceWindow
	bars   chan md.Bar
}

func New(cfg Config, deps Deps, log zerolog.Logger) *TradeLoop {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1
	}
	if cfg.LiquidationAttempts <= 0 {
		cfg.LiquidationAttempts = 1
	}
	if cfg.Timeframe <= 0 {
		cfg.Timeframe = time.Minute
	}
	if deps.Halted == nil {
		deps.Halted = &atomic.Bool{}
	}
	return &TradeLoop{
		cfg:     cfg,
		deps:    deps,
		now:     time.Now,
		log:     log.With().Str("component", "engine").Logger(),
		workers: make(map[string]*worker),
		states:  make(map[string]SymbolState),
		cutoff:  make(chan struct{}),
	}
}

// State reports whether symbol is currently subscribed.
func (l *TradeLoop) State(symbol string) SymbolState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.states[symbol]; ok {
		return s
	}
	return Unsubscribed
}

// Run reconciles, subscribes to symbols and trades until the cutoff, the
// context ends or the feed dies. A clean cutoff returns nil.
func (l *TradeLoop) Run(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return errors.New("no symbols to watch")
	}
	if _, err := l.deps.Reconciler.ReconcileOnce(ctx); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	if err := l.deps.Feed.Connect(ctx); err != nil {
		return fmt.Errorf("connect feed: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	l.startWorkers(loopCtx, &wg, symbols)
	stopWorkers := func() {
		cancel()
		wg.Wait()
	}

	if err := l.deps.Feed.Subscribe(l.Dispatch, symbols...); err != nil {
		stopWorkers()
		return fmt.Errorf("subscribe: %w", err)
	}
	l.setStates(symbols, Watching)
	l.log.Info().Strs("symbols", symbols).Msg("watching symbols")

	go l.deps.Reconciler.Loop(loopCtx)

	var watchdog <-chan time.Time
	if l.cfg.ForceFlatten {
		interval := l.cfg.CutoffTolerance / 2
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		watchdog = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			stopWorkers()
			l.unsubscribe(symbols)
			return ctx.Err()
		case err := <-l.deps.Feed.Terminated():
			stopWorkers()
			return fmt.Errorf("feed terminated: %w", err)
		case <-watchdog:
			l.checkCutoff("watchdog")
		case <-l.cutoff:
			// Workers finish their current bar before anything is flattened.
			stopWorkers()
			err := l.Liquidate(ctx)
			l.unsubscribe(symbols)
			if err != nil {
				return err
			}
			l.log.Info().Msg("session cutoff complete")
			return nil
		}
	}
}

func (l *TradeLoop) startWorkers(ctx context.Context, wg *sync.WaitGroup, symbols []string) {
	minSamples := l.deps.Strategy.MinSamples()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, symbol := range symbols {
		if _, ok := l.workers[symbol]; ok {
			continue
		}
		w := &worker{
			symbol: symbol,
			window: md.NewPriceWindow(symbol, l.cfg.Lookback, minSamples),
			bars:   make(chan md.Bar, l.cfg.QueueDepth),
		}
		l.workers[symbol] = w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case bar := <-w.bars:
					l.handleBar(ctx, w, bar)
				}
			}
		}()
	}
}

// Dispatch hands a bar to its symbol's worker without blocking.
func (l *TradeLoop) Dispatch(bar md.Bar) {
	l.mu.Lock()
	w, ok := l.workers[bar.Symbol]
	l.mu.Unlock()
	if !ok {
		l.log.Debug().Str("symbol", bar.Symbol).Msg("bar for unwatched symbol")
		return
	}
	select {
	case w.bars <- bar:
	default:
		l.log.Warn().Str("symbol", bar.Symbol).Time("bar_time", bar.Timestamp).Msg("symbol queue full, dropping bar")
	}
}

func (l *TradeLoop) handleBar(ctx context.Context, w *worker, bar md.Bar) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Str("symbol", w.symbol).Interface("panic", r).Msg("bar handler panicked")
		}
	}()
	metrics.BarsTotal.WithLabelValues(w.symbol).Inc()

	if err := l.onBar(ctx, w, bar); err != nil {
		l.logBarError(w.symbol, err)
	}
	l.checkCutoff("bar")
}

// onBar evaluates only the newest bar of the window. A bar past the horizon
// or older than one already seen updates the window at most.
func (l *TradeLoop) onBar(ctx context.Context, w *worker, bar md.Bar) error {
	if !w.window.Update(bar) {
		l.log.Debug().Str("symbol", w.symbol).Time("bar_time", bar.Timestamp).Msg("bar outside window, ignored")
		return nil
	}
	if latest, _ := w.window.Latest(); !latest.Timestamp.Equal(bar.Timestamp) {
		l.log.Debug().Str("symbol", w.symbol).Time("bar_time", bar.Timestamp).Time("latest", latest.Timestamp).Msg("late bar merged, not evaluating")
		return nil
	}
	if !w.window.IsReady() {
		if err := l.seed(ctx, w, bar.Timestamp); err != nil {
			return fmt.Errorf("seed %s: %w", w.symbol, err)
		}
		if err := w.window.Ready(); err != nil {
			return err
		}
	}
	now := l.now()
	if !l.deps.Clock.InSession(now) {
		l.log.Debug().Str("symbol", w.symbol).Time("now", now).Msg("outside session, not evaluating")
		return nil
	}

	var pos *state.Position
	if p, ok := l.deps.Ledger.Get(w.symbol); ok {
		pos = &p
	}
	eval := l.deps.Strategy.Evaluate(w.window, bar, pos)
	metrics.SignalsTotal.WithLabelValues(w.symbol, string(eval.Signal)).Inc()
	l.log.Debug().Str("symbol", w.symbol).Time("bar_time", bar.Timestamp).Float64("close", bar.Close).
		Float64("sma", eval.SMA).Float64("rsi", eval.RSI).Str("signal", string(eval.Signal)).Str("reason", eval.Reason).Msg("evaluated bar")

	var account broker.Account
	if eval.Signal == strategy.Buy {
		snapshot, err := l.deps.Accounts.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("account snapshot: %w", err)
		}
		account = snapshot
	}
	return l.deps.Coordinator.OnSignal(ctx, w.symbol, eval.Signal, bar, account)
}

// seed fills a short window from history. Thin symbols may still come back
// short; the caller treats that as insufficient data.
func (l *TradeLoop) seed(ctx context.Context, w *worker, end time.Time) error {
	if l.deps.History == nil {
		return nil
	}
	bars, err := l.deps.History.GetBars(ctx, w.symbol, end.Add(-l.cfg.Lookback), end, l.cfg.Timeframe)
	if err != nil {
		return err
	}
	w.window.Seed(bars)
	l.log.Debug().Str("symbol", w.symbol).Int("fetched", len(bars)).Int("window", w.window.Len()).Msg("seeded window from history")
	return nil
}

func (l *TradeLoop) logBarError(symbol string, err error) {
	var insufficient *md.DataInsufficientError
	var lookup *broker.PositionLookupError
	var submit *OrderSubmissionError
	switch {
	case errors.As(err, &insufficient):
		l.log.Debug().Str("symbol", symbol).Int("have", insufficient.Have).Int("need", insufficient.Need).Msg("window not ready, skipping")
	case errors.As(err, &lookup):
		l.log.Warn().Err(err).Str("symbol", symbol).Msg("position check failed, skipping bar")
	case errors.As(err, &submit):
		l.log.Error().Err(err).Str("symbol", symbol).Msg("order submission failed")
	case state.IsInvariantViolation(err):
		l.log.Error().Err(err).Str("symbol", symbol).Msg("ledger invariant violated")
	case errors.Is(err, risk.ErrHalted), errors.Is(err, risk.ErrNoPosition), errors.Is(err, risk.ErrPositionOpen),
		errors.Is(err, risk.ErrEntryPending):
		l.log.Info().Err(err).Str("symbol", symbol).Msg("signal rejected")
	default:
		l.log.Warn().Err(err).Str("symbol", symbol).Msg("bar handling failed")
	}
}

func (l *TradeLoop) checkCutoff(source string) {
	if !l.cfg.ForceFlatten {
		return
	}
	now := l.now()
	if l.deps.Clock.PastCutoff(now, l.cfg.Cutoff.Hour, l.cfg.Cutoff.Minute, l.cfg.CutoffTolerance) {
		l.triggerCutoff(source, now)
	}
}

// triggerCutoff halts new entries and wakes Run. Only the first call counts.
func (l *TradeLoop) triggerCutoff(source string, now time.Time) {
	l.cutoffOnce.Do(func() {
		l.deps.Halted.Store(true)
		l.log.Warn().Str("source", source).Time("now", now).Str("cutoff", l.cfg.Cutoff.String()).Msg("session cutoff reached, halting entries")
		close(l.cutoff)
	})
}

// Liquidate flattens everything at the broker, retrying with a growing delay,
// and then clears the ledger. Entries stay in the ledger if every attempt fails.
func (l *TradeLoop) Liquidate(ctx context.Context) error {
	l.deps.Halted.Store(true)
	positions := l.deps.Ledger.All()
	for _, pos := range positions {
		l.log.Info().Str("symbol", pos.Symbol).Int("qty", pos.Qty).Float64("entry", pos.EntryPrice).Msg("flattening position")
	}

	var err error
	delay := l.cfg.LiquidationBackoff
	for attempt := 1; attempt <= l.cfg.LiquidationAttempts; attempt++ {
		err = l.deps.Broker.CloseAllPositions(ctx)
		if err == nil {
			break
		}
		metrics.LiquidationsTotal.WithLabelValues("failed").Inc()
		l.log.Error().Err(err).Int("attempt", attempt).Int("max_attempts", l.cfg.LiquidationAttempts).Msg("close all positions failed")
		if attempt == l.cfg.LiquidationAttempts {
			break
		}
		if waitErr := broker.WaitForContext(ctx, delay); waitErr != nil {
			err = waitErr
			break
		}
		delay *= 2
	}
	if err != nil {
		l.deps.Decisions.Append(Decision{Symbol: "*", Result: "liquidation_failed", RejectReason: err.Error()})
		return fmt.Errorf("%w: %v", ErrLiquidationFailed, err)
	}
	metrics.LiquidationsTotal.WithLabelValues("ok").Inc()

	for _, pos := range positions {
		if _, err := l.deps.Ledger.Close(pos.Symbol); err != nil {
			l.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("position already gone from ledger")
			continue
		}
		l.deps.Decisions.Append(Decision{Symbol: pos.Symbol, Qty: pos.Qty, Signal: strategy.Sell, Result: "liquidated"})
	}
	l.log.Info().Int("positions", len(positions)).Msg("liquidation confirmed")
	return nil
}

func (l *TradeLoop) unsubscribe(symbols []string) {
	if err := l.deps.Feed.Unsubscribe(symbols...); err != nil {
		l.log.Warn().Err(err).Msg("unsubscribe failed")
	}
	l.setStates(symbols, Unsubscribed)
}

func (l *TradeLoop) setStates(symbols []string, s SymbolState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, symbol := range symbols {
		l.states[symbol] = s
	}
}
