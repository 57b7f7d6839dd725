// Package sink delivers position reports and button notifications to
// optional collaborators (log, MQTT, push notifications, cloud uplink).
package sink

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"
)

// ErrQueueFull is returned when the dispatcher cannot accept a message
var ErrQueueFull = errors.New("sink queue full")

// Kind classifies a message
type Kind string

const (
	KindPeak   Kind = "peak"
	KindButton Kind = "button"
)

// Message is what every sink consumes. Text is the formatted report.
type Message struct {
	ID    string    `json:"id"`
	Kind  Kind      `json:"kind"`
	Title string    `json:"title"`
	Text  string    `json:"text"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data,omitempty"`
}

// Sink consumes messages. Delivery and retry policy belong to the sink.
type Sink interface {
	Name() string
	Emit(ctx context.Context, msg Message) error
}

// Nop discards everything
type Nop struct{}

func (Nop) Name() string { return "nop" }

// Emit discards msg
func (Nop) Emit(context.Context, Message) error { return nil }

// LogSink writes messages to a structured logger
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

// Emit logs the message text
func (s *LogSink) Emit(ctx context.Context, msg Message) error {
	s.logger.InfoContext(ctx, msg.Text,
		"kind", msg.Kind,
		"id", msg.ID,
	)
	return nil
}

// kindFilter accepts every kind when empty
type kindFilter []Kind

func (f kindFilter) accepts(k Kind) bool {
	return len(f) == 0 || slices.Contains(f, k)
}
