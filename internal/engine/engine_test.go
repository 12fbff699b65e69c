package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meanrev/internal/broker"
	"meanrev/internal/md"
	"meanrev/internal/risk"
	"meanrev/internal/session"
	"meanrev/internal/state"
	"meanrev/internal/strategy"
)

type harness struct {
	loop    *TradeLoop
	broker  *fakeBroker
	feed    *fakeFeed
	ledger  *state.Ledger
	clock   *testClock
	halted  *atomic.Bool
	nyc     *time.Location
	history flatHistory
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clock, err := session.NewClock("America/New_York", session.TimeOfDay{Hour: 9, Minute: 30}, session.TimeOfDay{Hour: 16}, false)
	require.NoError(t, err)

	h := &harness{
		broker:  newFakeBroker(),
		feed:    newFakeFeed(),
		ledger:  state.NewLedger(zerolog.Nop()),
		clock:   &testClock{},
		halted:  &atomic.Bool{},
		nyc:     clock.Location(),
		history: flatHistory{price: 4.50, count: 20},
	}
	// Monday 2024-06-03, mid-session.
	h.clock.Set(time.Date(2024, 6, 3, 10, 0, 0, 0, h.nyc))

	coord := NewCoordinator(CoordinatorConfig{CapitalFraction: 0.10, Bracket: risk.DefaultBracketParams()}, h.broker, h.ledger, h.halted, nil, "run", zerolog.Nop())
	reconciler := NewReconciler(h.broker, h.ledger, coord.BracketLevels, time.Hour, zerolog.Nop())
	coord.OnReconcileNeeded(reconciler.Trigger)
	accounts := NewAccountCache(h.broker, time.Minute, zerolog.Nop())
	accounts.now = h.clock.Now

	h.loop = New(cfg, Deps{
		Feed:        h.feed,
		History:     h.history,
		Strategy:    strategy.NewMeanReversion(strategy.DefaultParams()),
		Coordinator: coord,
		Reconciler:  reconciler,
		Accounts:    accounts,
		Broker:      h.broker,
		Ledger:      h.ledger,
		Clock:       clock,
		Halted:      h.halted,
	}, zerolog.Nop())
	h.loop.now = h.clock.Now
	return h
}

func (h *harness) bar(symbol string, hour, minute int, close float64) md.Bar {
	return md.Bar{Symbol: symbol, Timestamp: time.Date(2024, 6, 3, hour, minute, 0, 0, h.nyc), Close: close, Volume: 5000}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LiquidationBackoff = time.Millisecond
	return cfg
}

func TestTradeLoopBuysDipAndFlattensAtCutoff(t *testing.T) {
	h := newHarness(t, testConfig())

	done := make(chan error, 1)
	go func() { done <- h.loop.Run(context.Background(), []string{"ABC"}) }()

	// History seeds twenty flat bars at 4.50; a close of 4.00 sits well
	// below the average.
	h.feed.push(h.bar("ABC", 10, 0, 4.00))
	require.Eventually(t, func() bool { return h.ledger.HasPosition("ABC") }, 2*time.Second, 5*time.Millisecond)

	orders := h.broker.submitted()
	require.Len(t, orders, 1)
	assert.Equal(t, 250, orders[0].Qty)
	assert.InDelta(t, 3.80, orders[0].StopLoss, 1e-9)
	assert.InDelta(t, 4.08, orders[0].TakeProfit, 1e-9)
	assert.Equal(t, Watching, h.loop.State("ABC"))

	h.clock.Set(time.Date(2024, 6, 3, 15, 59, 5, 0, h.nyc))
	h.feed.push(h.bar("ABC", 15, 59, 4.50))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cutoff")
	}
	assert.True(t, h.halted.Load())
	assert.Equal(t, 1, h.broker.closeAllCount())
	assert.Equal(t, 0, h.ledger.Len())
	assert.Equal(t, []string{"ABC"}, h.feed.unsubscribedSymbols())
	assert.Equal(t, Unsubscribed, h.loop.State("ABC"))
	assert.Len(t, h.broker.submitted(), 1)
}

func TestTradeLoopReturnsLiquidationFailure(t *testing.T) {
	cfg := testConfig()
	cfg.LiquidationAttempts = 3
	h := newHarness(t, cfg)
	h.broker.alwaysCloseErr = errors.New("broker unavailable")
	h.clock.Set(time.Date(2024, 6, 3, 15, 59, 0, 0, h.nyc))

	done := make(chan error, 1)
	go func() { done <- h.loop.Run(context.Background(), []string{"ABC"}) }()
	h.feed.push(h.bar("ABC", 15, 59, 4.50))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrLiquidationFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
	assert.Equal(t, 3, h.broker.closeAllCount())
}

func TestTradeLoopStartupReconcileAdoptsBrokerPositions(t *testing.T) {
	h := newHarness(t, testConfig())
	h.broker.positions["XYZ"] = broker.Position{Symbol: "XYZ", Qty: 7, AvgEntry: 2.00}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx, []string{"ABC"}) }()
	<-h.feed.ready

	pos, ok := h.ledger.Get("XYZ")
	require.True(t, ok)
	assert.True(t, pos.Adopted)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestTradeLoopStartupReconcileFailureAborts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.broker.positionsErr = errors.New("unauthorized")

	err := h.loop.Run(context.Background(), []string{"ABC"})
	require.ErrorContains(t, err, "startup reconcile")
}

func TestTradeLoopReturnsWhenFeedTerminates(t *testing.T) {
	h := newHarness(t, testConfig())
	h.feed.terminated <- errors.New("connection lost")

	err := h.loop.Run(context.Background(), []string{"ABC"})
	require.ErrorContains(t, err, "connection lost")
}

func TestTradeLoopRejectsEmptyWatchlist(t *testing.T) {
	h := newHarness(t, testConfig())
	require.Error(t, h.loop.Run(context.Background(), nil))
}

func TestDispatchDropsWhenQueueFull(t *testing.T) {
	h := newHarness(t, testConfig())
	w := &worker{symbol: "ABC", bars: make(chan md.Bar, 1)}
	h.loop.workers["ABC"] = w

	h.loop.Dispatch(h.bar("ABC", 10, 0, 4.00))
	h.loop.Dispatch(h.bar("ABC", 10, 1, 4.00))
	h.loop.Dispatch(h.bar("OTHER", 10, 1, 4.00))
	assert.Len(t, w.bars, 1)
}

func TestOnBarSkipsOutsideSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.clock.Set(time.Date(2024, 6, 3, 8, 0, 0, 0, h.nyc))
	w := &worker{symbol: "ABC", window: md.NewPriceWindow("ABC", 30*time.Minute, 20)}

	require.NoError(t, h.loop.onBar(context.Background(), w, h.bar("ABC", 8, 0, 4.00)))
	assert.Empty(t, h.broker.submitted())
}

func TestOnBarEvaluatesOnlyNewestBar(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	w := &worker{symbol: "ABC", window: md.NewPriceWindow("ABC", 30*time.Minute, 20)}

	require.NoError(t, h.loop.onBar(ctx, w, h.bar("ABC", 10, 10, 4.50)))
	require.True(t, w.window.IsReady())

	// A late dip is merged into the window but not traded on.
	require.NoError(t, h.loop.onBar(ctx, w, h.bar("ABC", 10, 5, 4.00)))
	latest, _ := w.window.Latest()
	assert.Equal(t, h.bar("ABC", 10, 10, 4.50).Timestamp, latest.Timestamp)
	assert.Empty(t, h.broker.submitted())

	// Past the horizon the window does not change at all.
	before := w.window.Len()
	require.NoError(t, h.loop.onBar(ctx, w, h.bar("ABC", 9, 30, 4.00)))
	assert.Equal(t, before, w.window.Len())
	assert.Empty(t, h.broker.submitted())

	require.NoError(t, h.loop.onBar(ctx, w, h.bar("ABC", 10, 11, 4.00)))
	assert.Len(t, h.broker.submitted(), 1)
}

func TestOnBarReportsInsufficientData(t *testing.T) {
	h := newHarness(t, testConfig())
	h.loop.deps.History = flatHistory{price: 4.50, count: 3}
	w := &worker{symbol: "ABC", window: md.NewPriceWindow("ABC", 30*time.Minute, 20)}

	err := h.loop.onBar(context.Background(), w, h.bar("ABC", 10, 0, 4.00))
	var insufficient *md.DataInsufficientError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 4, insufficient.Have)
	assert.Empty(t, h.broker.submitted())
}

func TestLiquidateRetriesThenClearsLedger(t *testing.T) {
	h := newHarness(t, testConfig())
	h.broker.closeAllErrs = []error{errors.New("timeout")}
	_, err := h.ledger.Open("ABC", 10, 4.00, 3.80, 4.08)
	require.NoError(t, err)

	require.NoError(t, h.loop.Liquidate(context.Background()))
	assert.Equal(t, 2, h.broker.closeAllCount())
	assert.Equal(t, 0, h.ledger.Len())
	assert.True(t, h.halted.Load())
}

func TestLiquidateKeepsLedgerWhenBrokerNeverConfirms(t *testing.T) {
	cfg := testConfig()
	cfg.LiquidationAttempts = 2
	h := newHarness(t, cfg)
	h.broker.alwaysCloseErr = errors.New("timeout")
	_, err := h.ledger.Open("ABC", 10, 4.00, 3.80, 4.08)
	require.NoError(t, err)

	err = h.loop.Liquidate(context.Background())
	require.ErrorIs(t, err, ErrLiquidationFailed)
	assert.True(t, h.ledger.HasPosition("ABC"))
}

func TestLiquidationRecordsOmitBarTime(t *testing.T) {
	h := newHarness(t, testConfig())
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	logger, err := NewDecisionLogger(path, "run-1", zerolog.Nop())
	require.NoError(t, err)
	h.loop.deps.Decisions = logger
	h.broker.closeAllErrs = []error{errors.New("timeout")}
	h.broker.positions["ABC"] = broker.Position{Symbol: "ABC", Qty: 10, AvgEntry: 4.00}
	_, err = h.ledger.Open("ABC", 10, 4.00, 3.80, 4.08)
	require.NoError(t, err)

	require.NoError(t, h.loop.Liquidate(context.Background()))
	require.NoError(t, logger.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.NotContains(t, line, "bar_time", line)
	}
	assert.Contains(t, lines[len(lines)-1], `"result":"liquidated"`)
}

func TestReconcilerTriggerNeverBlocks(t *testing.T) {
	r := NewReconciler(newFakeBroker(), state.NewLedger(zerolog.Nop()), nil, 0, zerolog.Nop())
	r.Trigger()
	r.Trigger()
	assert.Len(t, r.trigger, 1)
}

func TestReconcileOnceDropsPositionsClosedAtBroker(t *testing.T) {
	b := newFakeBroker()
	ledger := state.NewLedger(zerolog.Nop())
	_, err := ledger.Open("ABC", 10, 4.00, 3.80, 4.08)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	r := NewReconciler(b, ledger, nil, 0, zerolog.Nop())
	drift, err := r.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ABC"}, drift.Dropped)
	assert.False(t, ledger.HasPosition("ABC"))
}

func TestAccountCacheRefreshesAfterInterval(t *testing.T) {
	b := newFakeBroker()
	clock := &testClock{now: time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)}
	cache := NewAccountCache(b, time.Minute, zerolog.Nop())
	cache.now = clock.Now

	_, err := cache.Snapshot(context.Background())
	require.NoError(t, err)
	_, err = cache.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, b.accountCalls)

	clock.Set(clock.Now().Add(2 * time.Minute))
	b.accountErr = errors.New("timeout")
	account, err := cache.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10000.0, account.BuyingPower)
	assert.Equal(t, 2, b.accountCalls)
}

func TestAccountCacheFailsWithoutSnapshot(t *testing.T) {
	b := newFakeBroker()
	b.accountErr = errors.New("unauthorized")
	_, err := NewAccountCache(b, time.Minute, zerolog.Nop()).Snapshot(context.Background())
	require.Error(t, err)
}

func TestDecisionLoggerAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	logger, err := NewDecisionLogger(path, "run-1", zerolog.Nop())
	require.NoError(t, err)

	logger.Append(Decision{Symbol: "ABC", Signal: strategy.Buy, Qty: 250, Result: "order_submitted"})
	logger.Append(Decision{Symbol: "ABC", Signal: strategy.Sell, Result: "rejected", RejectReason: "no_position_to_sell"})
	require.NoError(t, logger.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"run_id":"run-1"`)
	assert.Contains(t, lines[0], `"signal":"BUY"`)
	assert.Contains(t, lines[1], `"reject_reason":"no_position_to_sell"`)

	ts := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	assert.Equal(t, &ts, barTime(ts))
	assert.Nil(t, barTime(time.Time{}))

	var nilLogger *DecisionLogger
	nilLogger.Append(Decision{Symbol: "ABC"})
	require.NoError(t, nilLogger.Close())
}
