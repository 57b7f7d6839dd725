package locate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-micgrid/internal/mic"
	"github.com/teslashibe/go-micgrid/internal/peak"
	"github.com/teslashibe/go-micgrid/internal/position"
	"github.com/teslashibe/go-micgrid/internal/sink"
)

// ErrAlreadyStarted is returned by a second call to Run
var ErrAlreadyStarted = errors.New("session already started")

// ReportSink consumes one message per confirmed peak
type ReportSink interface {
	Emit(ctx context.Context, msg sink.Message) error
}

// Recorder observes the sampling loop
type Recorder interface {
	RecordTick(d time.Duration)
	RecordSensorError()
	RecordClamped(n uint64)
	RecordPeak()
	RecordSinkError()
	RecordLatch(state peak.State, inState time.Duration)
	RecordReadings(readings []mic.Reading)
}

// Config configures the session
type Config struct {
	PollInterval time.Duration
	HistorySize  int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 10 * time.Millisecond,
		HistorySize:  50,
	}
}

// Session owns the array and detector. Channel state is only touched by
// the goroutine calling Tick/Run; readers see published copies.
type Session struct {
	array     *mic.Array
	detector  *peak.Detector
	estimator *position.Estimator
	sink      ReportSink
	recorder  Recorder
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	// Owned by the polling goroutine
	clamped       uint64
	stuckReported bool

	mu         sync.RWMutex
	latest     *Report
	history    []Report
	readings   []mic.Reading
	state      peak.State
	inState    time.Duration
	stuck      bool
	ticks      int64
	sensorErrs int64
	peaks      int64
	sinkErrs   int64
	lastError  string

	// Lifecycle
	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	subsMu sync.RWMutex
	subs   map[chan Report]struct{}
}

// NewSession creates a session. A nil sink discards reports.
func NewSession(array *mic.Array, detector *peak.Detector, estimator *position.Estimator, out ReportSink, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = sink.Nop{}
	}
	if estimator == nil {
		estimator = position.NewEstimator()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}

	return &Session{
		array:     array,
		detector:  detector,
		estimator: estimator,
		sink:      out,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		history:   make([]Report, 0, cfg.HistorySize),
		readings:  array.Readings(),
		done:      make(chan struct{}),
		subs:      make(map[chan Report]struct{}),
	}
}

// SetRecorder attaches a loop observer (call before Run)
func (s *Session) SetRecorder(r Recorder) {
	s.recorder = r
}

// Run polls at the configured interval until ctx is cancelled. A bad tick
// is logged and skipped; it never ends the loop. A session runs once.
func (s *Session) Run(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.started {
		s.lifeMu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.lifeMu.Unlock()
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("session started",
		"poll_interval", s.cfg.PollInterval,
		"threshold", s.detector.Threshold(),
	)

	// A failing source repeats the same error every tick; warn once per
	// distinct error and report how many ticks were lost on recovery
	var (
		lastErr string
		skipped int
	)

	for {
		select {
		case <-ctx.Done():
			stats := s.Stats()
			s.logger.Info("session stopped",
				"ticks", stats.Ticks,
				"errors", stats.SensorErrors,
				"peaks", stats.Peaks,
			)
			return ctx.Err()
		case <-ticker.C:
			_, err := s.Tick(ctx)
			if err == nil {
				if skipped > 0 {
					s.logger.Info("sampling recovered", "skipped_ticks", skipped)
				}
				lastErr, skipped = "", 0
				continue
			}

			skipped++
			if msg := err.Error(); msg != lastErr {
				s.logger.Warn("tick skipped", "error", err)
				lastErr = msg
			} else {
				s.logger.Debug("tick skipped", "error", err, "skipped_ticks", skipped)
			}
		}
	}
}

// Tick runs one sample-and-detect cycle. It returns the report when a peak
// is confirmed on this tick.
func (s *Session) Tick(ctx context.Context) (*Report, error) {
	start := s.now()

	loudest, ch, err := s.array.SampleAll()
	if err != nil {
		s.mu.Lock()
		s.sensorErrs++
		s.lastError = err.Error()
		s.mu.Unlock()
		if s.recorder != nil {
			s.recorder.RecordSensorError()
		}
		return nil, err
	}

	s.recordClamped()

	roc := ch.RateOfChange()
	confirmed := s.detector.Update(roc, start)

	var report *Report
	if confirmed {
		// last_reading of every channel is the amplitude at the peak sample
		snapshot := s.estimator.ComputeArray(s.array.LastReadings())
		report = &Report{
			ID:           uuid.NewString(),
			Timestamp:    start,
			Loudest:      mic.Position(loudest),
			RateOfChange: roc,
			Snapshot:     snapshot,
			Text:         snapshot.String(),
		}
	}

	s.checkStuck(start)
	s.publish(report, start)

	if s.recorder != nil {
		s.recorder.RecordTick(s.now().Sub(start))
	}

	if report != nil {
		s.logger.Debug("peak confirmed",
			"id", report.ID,
			"loudest", report.Loudest,
			"x_ratio", report.Snapshot.XRatio.String(),
			"y_ratio", report.Snapshot.YRatio.String(),
		)

		if err := s.sink.Emit(ctx, report.Message()); err != nil {
			s.mu.Lock()
			s.sinkErrs++
			s.mu.Unlock()
			if s.recorder != nil {
				s.recorder.RecordSinkError()
			}
			s.logger.Warn("report delivery failed", "id", report.ID, "error", err)
		}
		s.notifySubscribers(*report)
	}

	return report, nil
}

func (s *Session) recordClamped() {
	total := s.array.Clamped()
	if total == s.clamped {
		return
	}
	if s.recorder != nil {
		s.recorder.RecordClamped(total - s.clamped)
	}
	s.logger.Debug("raw sample clamped", "total", total)
	s.clamped = total
}

func (s *Session) checkStuck(now time.Time) {
	stuck := s.detector.Stuck(now)
	if stuck && !s.stuckReported {
		s.logger.Warn("peak latch stuck waiting for fall",
			"time_in_state", s.detector.TimeInState(now),
			"threshold", s.detector.Threshold(),
		)
	}
	s.stuckReported = stuck
}

func (s *Session) publish(report *Report, now time.Time) {
	readings := s.array.Readings()
	state := s.detector.State()
	inState := s.detector.TimeInState(now)

	s.mu.Lock()
	s.ticks++
	s.readings = readings
	s.state = state
	s.inState = inState
	s.stuck = s.stuckReported
	if report != nil {
		s.peaks++
		s.latest = report
		s.appendHistory(*report)
	}
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.RecordReadings(readings)
		s.recorder.RecordLatch(state, inState)
		if report != nil {
			s.recorder.RecordPeak()
		}
	}
}

func (s *Session) appendHistory(r Report) {
	s.history = append(s.history, r)

	if len(s.history) > s.cfg.HistorySize {
		copy(s.history, s.history[1:])
		s.history = s.history[:s.cfg.HistorySize]
	}
}

func (s *Session) notifySubscribers(r Report) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for ch := range s.subs {
		select {
		case ch <- r:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel that receives every confirmed report
func (s *Session) Subscribe() chan Report {
	ch := make(chan Report, 10)

	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber
func (s *Session) Unsubscribe(ch chan Report) {
	s.subsMu.Lock()
	if _, exists := s.subs[ch]; exists {
		delete(s.subs, ch)
		close(ch)
	}
	s.subsMu.Unlock()
}

// Latest returns the most recent report, if any
func (s *Session) Latest() (Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latest == nil {
		return Report{}, false
	}
	return *s.latest, true
}

// History returns recent reports, oldest first
func (s *Session) History() []Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Report, len(s.history))
	copy(out, s.history)
	return out
}

// Readings returns every channel as of the last completed tick
func (s *Session) Readings() []mic.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]mic.Reading, len(s.readings))
	copy(out, s.readings)
	return out
}

// Stats returns session statistics
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.subsMu.RLock()
	subs := len(s.subs)
	s.subsMu.RUnlock()

	return Stats{
		Ticks:           s.ticks,
		SensorErrors:    s.sensorErrs,
		Peaks:           s.peaks,
		SinkErrors:      s.sinkErrs,
		LastError:       s.lastError,
		State:           s.state,
		TimeInStateMs:   s.inState.Milliseconds(),
		Stuck:           s.stuck,
		HistorySize:     len(s.history),
		SubscriberCount: subs,
		Threshold:       s.detector.Threshold(),
		PollIntervalMs:  s.cfg.PollInterval.Milliseconds(),
	}
}

// Stats contains session statistics
type Stats struct {
	Ticks           int64      `json:"ticks"`
	SensorErrors    int64      `json:"sensor_errors"`
	Peaks           int64      `json:"peaks"`
	SinkErrors      int64      `json:"sink_errors"`
	LastError       string     `json:"last_error,omitempty"`
	State           peak.State `json:"state"`
	TimeInStateMs   int64      `json:"time_in_state_ms"`
	Stuck           bool       `json:"stuck"`
	HistorySize     int        `json:"history_size"`
	SubscriberCount int        `json:"subscriber_count"`
	Threshold       int        `json:"threshold"`
	PollIntervalMs  int64      `json:"poll_interval_ms"`
}

// Stop stops the session gracefully
func (s *Session) Stop() {
	s.lifeMu.Lock()
	cancel := s.cancel
	s.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-s.done
	}

	s.subsMu.Lock()
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
	s.subsMu.Unlock()
}
