package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"meanrev/internal/broker"
	"meanrev/internal/md"
)

type submittedOrder struct {
	Symbol     string
	Qty        int
	Side       alpaca.Side
	TakeProfit float64
	StopLoss   float64
	ClientID   string
}

type fakeBroker struct {
	mu             sync.Mutex
	account        broker.Account
	accountErr     error
	accountCalls   int
	positions      map[string]broker.Position
	positionErr    error
	positionCalls  int
	positionsErr   error
	openOrders     []broker.OrderRef
	openOrdersErr  error
	fillEntries    bool
	submitErr      error
	orders         []submittedOrder
	closeAllErrs   []error
	closeAllCalls  int
	alwaysCloseErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		account:   broker.Account{BuyingPower: 10000, Cash: 10000, Equity: 10000},
		positions: map[string]broker.Position{},
	}
}

func (f *fakeBroker) Account(context.Context) (broker.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountCalls++
	if f.accountErr != nil {
		return broker.Account{}, f.accountErr
	}
	return f.account, nil
}

func (f *fakeBroker) Position(_ context.Context, symbol string) (broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionCalls++
	if f.positionErr != nil {
		return broker.Position{}, f.positionErr
	}
	pos, ok := f.positions[symbol]
	if !ok {
		return broker.Position{}, broker.ErrPositionNotFound
	}
	return pos, nil
}

func (f *fakeBroker) Positions(context.Context) ([]broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	out := make([]broker.Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeBroker) OpenOrders(_ context.Context, symbols ...string) ([]broker.OrderRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openOrdersErr != nil {
		return nil, f.openOrdersErr
	}
	var out []broker.OrderRef
	for _, o := range f.openOrders {
		if len(symbols) == 0 || slices.Contains(symbols, o.Symbol) {
			out = append(out, o)
		}
	}
	return out, nil
}

// fill turns the working entry for symbol into a held position.
func (f *fakeBroker) fill(symbol string, avgEntry float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.Symbol == symbol && o.Side == alpaca.Buy {
			f.positions[symbol] = broker.Position{Symbol: symbol, Qty: o.Qty, AvgEntry: avgEntry}
		}
	}
	f.dropOpenOrders(symbol)
}

func (f *fakeBroker) dropOpenOrders(symbol string) {
	kept := f.openOrders[:0]
	for _, o := range f.openOrders {
		if o.Symbol != symbol {
			kept = append(kept, o)
		}
	}
	f.openOrders = kept
}

func (f *fakeBroker) SubmitBracketOrder(_ context.Context, symbol string, qty int, takeProfit, stopLoss float64, clientOrderID string) (broker.OrderRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return broker.OrderRef{}, f.submitErr
	}
	f.orders = append(f.orders, submittedOrder{Symbol: symbol, Qty: qty, Side: alpaca.Buy, TakeProfit: takeProfit, StopLoss: stopLoss, ClientID: clientOrderID})
	ref := broker.OrderRef{ID: fmt.Sprintf("order-%d", len(f.orders)), ClientOrderID: clientOrderID, Symbol: symbol, Side: alpaca.Buy, Status: "accepted"}
	if f.fillEntries {
		f.positions[symbol] = broker.Position{Symbol: symbol, Qty: qty}
	} else {
		f.openOrders = append(f.openOrders, ref)
	}
	return ref, nil
}

func (f *fakeBroker) SubmitMarketOrder(_ context.Context, symbol string, qty int, side alpaca.Side, clientOrderID string) (broker.OrderRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return broker.OrderRef{}, f.submitErr
	}
	f.orders = append(f.orders, submittedOrder{Symbol: symbol, Qty: qty, Side: side, ClientID: clientOrderID})
	if side == alpaca.Sell {
		f.dropOpenOrders(symbol)
		if pos, ok := f.positions[symbol]; ok {
			pos.Qty -= qty
			if pos.Qty <= 0 {
				delete(f.positions, symbol)
			} else {
				f.positions[symbol] = pos
			}
		}
	}
	return broker.OrderRef{ID: fmt.Sprintf("order-%d", len(f.orders)), ClientOrderID: clientOrderID, Symbol: symbol, Side: side, Status: "accepted"}, nil
}

func (f *fakeBroker) CloseAllPositions(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeAllCalls++
	if f.alwaysCloseErr != nil {
		return f.alwaysCloseErr
	}
	if len(f.closeAllErrs) > 0 {
		err := f.closeAllErrs[0]
		f.closeAllErrs = f.closeAllErrs[1:]
		return err
	}
	f.positions = map[string]broker.Position{}
	f.openOrders = nil
	return nil
}

func (f *fakeBroker) submitted() []submittedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submittedOrder(nil), f.orders...)
}

func (f *fakeBroker) closeAllCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeAllCalls
}

func (f *fakeBroker) setSubmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

type fakeFeed struct {
	mu           sync.Mutex
	handler      md.BarHandler
	subscribed   []string
	unsubscribed []string
	connectErr   error
	terminated   chan error
	ready        chan struct{}
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{terminated: make(chan error, 1), ready: make(chan struct{})}
}

func (f *fakeFeed) Connect(context.Context) error {
	return f.connectErr
}

func (f *fakeFeed) Subscribe(handler md.BarHandler, symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler != nil {
		return errors.New("already subscribed")
	}
	f.handler = handler
	f.subscribed = append(f.subscribed, symbols...)
	close(f.ready)
	return nil
}

func (f *fakeFeed) Unsubscribe(symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, symbols...)
	return nil
}

func (f *fakeFeed) Terminated() <-chan error {
	return f.terminated
}

func (f *fakeFeed) push(bar md.Bar) {
	<-f.ready
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	handler(bar)
}

func (f *fakeFeed) unsubscribedSymbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

// flatHistory returns count one-minute bars at price ending a minute before end.
type flatHistory struct {
	price float64
	count int
}

func (h flatHistory) GetBars(_ context.Context, symbol string, _, end time.Time, timeframe time.Duration) ([]md.Bar, error) {
	bars := make([]md.Bar, 0, h.count)
	for i := h.count; i >= 1; i-- {
		bars = append(bars, md.Bar{Symbol: symbol, Timestamp: end.Add(-time.Duration(i) * timeframe), Close: h.price, Volume: 1000})
	}
	return bars, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
