package engine

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meanrev/internal/strategy"
)

type Decision struct {
	RunID         string          `json:"run_id"`
	Timestamp     time.Time       `json:"timestamp"`
	BarTime       *time.Time      `json:"bar_time,omitempty"`
	Symbol        string          `json:"symbol"`
	Close         float64         `json:"close,omitempty"`
	Signal        strategy.Signal `json:"signal,omitempty"`
	Qty           int             `json:"qty,omitempty"`
	StopLoss      float64         `json:"stop_loss,omitempty"`
	TakeProfit    float64         `json:"take_profit,omitempty"`
	Result        string          `json:"result"`
	RejectReason  string          `json:"reject_reason,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
}

// barTime is nil for decisions not made on a bar, so the field is left out.
func barTime(ts time.Time) *time.Time {
	if ts.IsZero() {
		return nil
	}
	return &ts
}

// DecisionLogger appends decisions as JSON lines. A nil *DecisionLogger
// discards everything.
type DecisionLogger struct {
	runID  string
	file   *os.File
	writer *bufio.Writer
	log    zerolog.Logger
	mu     sync.Mutex
}

func NewDecisionLogger(path string, runID string, log zerolog.Logger) (*DecisionLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &DecisionLogger{
		runID:  runID,
		file:   file,
		writer: bufio.NewWriter(file),
		log:    log,
	}, nil
}

func (d *DecisionLogger) Append(decision Decision) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	decision.RunID = d.runID
	if decision.Timestamp.IsZero() {
		decision.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(decision)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to marshal decision")
		return
	}
	if _, err := d.writer.Write(append(payload, '\n')); err != nil {
		d.log.Error().Err(err).Msg("failed to write decision")
		return
	}
	if err := d.writer.Flush(); err != nil {
		d.log.Error().Err(err).Msg("failed to flush decision log")
	}
}

func (d *DecisionLogger) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writer.Flush(); err != nil {
		_ = d.file.Close()
		return err
	}
	return d.file.Close()
}
