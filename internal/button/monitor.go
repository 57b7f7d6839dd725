// Package button counts push-button presses and reports them to a sink
package button

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-micgrid/internal/protocol"
	"github.com/teslashibe/go-micgrid/internal/sink"
)

// Emitter receives one message per press
type Emitter interface {
	Emit(ctx context.Context, msg sink.Message) error
}

// Config configures the monitor
type Config struct {
	QueueSize int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{QueueSize: 16}
}

// Monitor counts rising edges. OnInterrupt is safe to call from any
// goroutine and never blocks; Run delivers the counts.
type Monitor struct {
	out    Emitter
	logger *slog.Logger
	now    func() time.Time

	presses atomic.Uint64
	dropped atomic.Uint64
	emitted atomic.Uint64
	pending chan uint64
}

// NewMonitor creates a monitor. A nil emitter discards presses.
func NewMonitor(out Emitter, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = sink.Nop{}
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	return &Monitor{
		out:     out,
		logger:  logger,
		now:     time.Now,
		pending: make(chan uint64, cfg.QueueSize),
	}
}

// OnInterrupt handles an edge. Only a non-zero state counts as a press.
func (m *Monitor) OnInterrupt(state uint32) {
	if state == 0 {
		return
	}

	n := m.presses.Add(1)

	select {
	case m.pending <- n:
	default:
		m.dropped.Add(1)
	}
}

// Run emits queued presses until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-m.pending:
			msg := Message(n, m.now())
			if err := m.out.Emit(ctx, msg); err != nil {
				m.logger.Warn("button notification failed", "count", n, "error", err)
				continue
			}
			m.emitted.Add(1)
		}
	}
}

// Message builds the notification for the nth press
func Message(n uint64, at time.Time) sink.Message {
	text := Text(n)
	return sink.Message{
		ID:    uuid.NewString(),
		Kind:  sink.KindButton,
		Title: "Button pushed",
		Text:  text,
		Time:  at,
		Data:  protocol.ButtonData{Count: n, Text: text},
	}
}

// Text formats the press notification
func Text(n uint64) string {
	return fmt.Sprintf("Button Pushed %d Time(s)", n)
}

// Count returns the number of presses so far
func (m *Monitor) Count() uint64 {
	return m.presses.Load()
}

// Stats returns monitor statistics
func (m *Monitor) Stats() Stats {
	return Stats{
		Presses: m.presses.Load(),
		Emitted: m.emitted.Load(),
		Dropped: m.dropped.Load(),
		Pending: len(m.pending),
	}
}

// Stats contains monitor statistics
type Stats struct {
	Presses uint64 `json:"presses"`
	Emitted uint64 `json:"emitted"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending"`
}
