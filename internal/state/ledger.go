// Package state owns the in-memory position ledger, the single authority on
// which symbols the engine currently holds.
package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meanrev/internal/metrics"
)

type Side string

const Long Side = "long"

// Position is the one open holding the engine tracks for a symbol.
type Position struct {
	Symbol     string
	Qty        int
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	Side       Side
	OpenedAt   time.Time
	// Adopted marks positions learned from the broker rather than opened here.
	Adopted bool
}

type AlreadyOpenError struct {
	Symbol string
}

func (e *AlreadyOpenError) Error() string {
	return fmt.Sprintf("position already open for %s", e.Symbol)
}

type NotOpenError struct {
	Symbol string
}

func (e *NotOpenError) Error() string {
	return fmt.Sprintf("no open position for %s", e.Symbol)
}

// IsInvariantViolation reports whether err came from a ledger invariant check.
func IsInvariantViolation(err error) bool {
	var already *AlreadyOpenError
	var notOpen *NotOpenError
	return errors.As(err, &already) || errors.As(err, &notOpen)
}

// Ledger maps symbols to at most one open Position. Symbols are compared
// without the "/" crypto pairs carry on the feed, so "BTC/USD" and the
// broker's "BTCUSD" share an entry.
type Ledger struct {
	mu       sync.RWMutex
	open     map[string]Position
	closedAt map[string]time.Time
	keys     keyedMutex
	now      func() time.Time
	log      zerolog.Logger
}

func NewLedger(log zerolog.Logger) *Ledger {
	return &Ledger{
		open:     map[string]Position{},
		closedAt: map[string]time.Time{},
		now:      time.Now,
		log:      log.With().Str("component", "ledger").Logger(),
	}
}

// Key is the canonical ledger key of a symbol.
func Key(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// Lock serializes every check-then-act sequence on one symbol. Callers must
// not hold two symbol locks at once.
func (l *Ledger) Lock(symbol string) (unlock func()) {
	return l.keys.lock(Key(symbol))
}

// Now is the ledger's clock. Reconciliation snapshots are compared against it.
func (l *Ledger) Now() time.Time {
	return l.now()
}

func (l *Ledger) HasPosition(symbol string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.open[Key(symbol)]
	return ok
}

func (l *Ledger) Get(symbol string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.open[Key(symbol)]
	return pos, ok
}

// Open records a new long position. It fails with *AlreadyOpenError when the
// symbol is already held.
func (l *Ledger) Open(symbol string, qty int, entry, stop, target float64) (Position, error) {
	if qty <= 0 {
		return Position{}, fmt.Errorf("open %s: quantity must be positive, got %d", symbol, qty)
	}
	pos := Position{
		Symbol:     symbol,
		Qty:        qty,
		EntryPrice: entry,
		StopLoss:   stop,
		TakeProfit: target,
		Side:       Long,
	}
	if err := l.insert(pos); err != nil {
		return Position{}, err
	}
	l.log.Info().Str("symbol", symbol).Int("qty", qty).Float64("entry", entry).
		Float64("stop_loss", stop).Float64("take_profit", target).Msg("position opened")
	return l.mustGet(symbol), nil
}

func (l *Ledger) insert(pos Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := Key(pos.Symbol)
	if _, exists := l.open[key]; exists {
		return &AlreadyOpenError{Symbol: pos.Symbol}
	}
	pos.OpenedAt = l.now()
	l.open[key] = pos
	metrics.OpenPositions.Set(float64(len(l.open)))
	return nil
}

func (l *Ledger) mustGet(symbol string) Position {
	pos, _ := l.Get(symbol)
	return pos
}

// Close removes the position. It fails with *NotOpenError when none exists.
func (l *Ledger) Close(symbol string) (Position, error) {
	l.mu.Lock()
	key := Key(symbol)
	pos, exists := l.open[key]
	if !exists {
		l.mu.Unlock()
		return Position{}, &NotOpenError{Symbol: symbol}
	}
	delete(l.open, key)
	l.closedAt[key] = l.now()
	metrics.OpenPositions.Set(float64(len(l.open)))
	l.mu.Unlock()

	l.log.Info().Str("symbol", symbol).Int("qty", pos.Qty).Msg("position closed")
	return pos, nil
}

// All returns the open positions ordered by symbol.
func (l *Ledger) All() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]Position, 0, len(l.open))
	for _, pos := range l.open {
		result = append(result, pos)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.open)
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*sync.Mutex{}
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
