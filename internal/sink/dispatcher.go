package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DeliveryRecorder observes dispatcher outcomes
type DeliveryRecorder interface {
	RecordDelivery(sink string, err error)
	RecordDrop()
}

// DispatcherConfig configures the async dispatcher
type DispatcherConfig struct {
	QueueSize   int           // buffered messages before dropping
	SendTimeout time.Duration // per-sink delivery timeout
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:   32,
		SendTimeout: 10 * time.Second,
	}
}

// Dispatcher queues messages and delivers them to its sinks from a single
// worker goroutine, so a slow transport never stalls the caller.
type Dispatcher struct {
	cfg      DispatcherConfig
	sinks    []Sink
	logger   *slog.Logger
	recorder DeliveryRecorder

	queue chan Message

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher creates a dispatcher for the given sinks
func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultDispatcherConfig().QueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultDispatcherConfig().SendTimeout
	}

	return &Dispatcher{
		cfg:    cfg,
		sinks:  sinks,
		logger: logger,
		queue:  make(chan Message, cfg.QueueSize),
	}
}

// SetRecorder attaches a delivery recorder (call before Run)
func (d *Dispatcher) SetRecorder(r DeliveryRecorder) {
	d.recorder = r
}

func (d *Dispatcher) Name() string { return "dispatcher" }

// Emit enqueues without blocking
func (d *Dispatcher) Emit(ctx context.Context, msg Message) error {
	select {
	case d.queue <- msg:
		return nil
	default:
		d.dropped.Add(1)
		if d.recorder != nil {
			d.recorder.RecordDrop()
		}
		return fmt.Errorf("%w: dropping %s message %s", ErrQueueFull, msg.Kind, msg.ID)
	}
}

// Run delivers queued messages until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	d.logger.Info("sink dispatcher started", "sinks", names)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("sink dispatcher stopped",
				"delivered", d.delivered.Load(),
				"failed", d.failed.Load(),
				"dropped", d.dropped.Load(),
			)
			return
		case msg := <-d.queue:
			d.deliver(ctx, msg)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	for _, s := range d.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := s.Emit(sendCtx, msg)
		cancel()

		if d.recorder != nil {
			d.recorder.RecordDelivery(s.Name(), err)
		}

		if err != nil {
			d.failed.Add(1)
			d.logger.Warn("sink delivery failed",
				"sink", s.Name(),
				"kind", msg.Kind,
				"id", msg.ID,
				"error", err,
			)
			continue
		}
		d.delivered.Add(1)
	}
}

// DispatcherStats contains delivery counters
type DispatcherStats struct {
	Sinks     int    `json:"sinks"`
	Queued    int    `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Stats returns delivery counters
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Sinks:     len(d.sinks),
		Queued:    len(d.queue),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}
