// Package metrics provides Prometheus collectors for the sampling pipeline
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teslashibe/go-micgrid/internal/button"
	"github.com/teslashibe/go-micgrid/internal/mic"
	"github.com/teslashibe/go-micgrid/internal/peak"
)

const namespace = "micgrid"

// Metrics records session, sink and button activity. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	Ticks          prometheus.Counter
	TickDuration   prometheus.Histogram
	SensorErrors   prometheus.Counter
	ClampedSamples prometheus.Counter
	Peaks          prometheus.Counter
	SinkErrors     prometheus.Counter
	LatchState     prometheus.Gauge
	LatchSeconds   prometheus.Gauge
	ChannelReading *prometheus.GaugeVec
	ChannelROC     *prometheus.GaugeVec
	SinkDeliveries *prometheus.CounterVec
	SinkDropped    prometheus.Counter
	registry       *prometheus.Registry
}

// New creates the collectors and registers them on registry
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.Ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticks_total",
		Help:      "Completed sampling ticks",
	})

	m.TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Time spent sampling, detecting and publishing one tick",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
	})

	m.SensorErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sensor_errors_total",
		Help:      "Ticks skipped because a pin read failed",
	})

	m.ClampedSamples = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "clamped_samples_total",
		Help:      "Raw samples outside the ADC range",
	})

	m.Peaks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peaks_total",
		Help:      "Confirmed peaks",
	})

	m.SinkErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "report_errors_total",
		Help:      "Peak reports the sink refused",
	})

	m.LatchState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "latch_state",
		Help:      "Peak detector state (0 idle, 1 awaiting fall)",
	})

	m.LatchSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "latch_seconds",
		Help:      "Seconds spent in the current detector state",
	})

	m.ChannelReading = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channel_reading",
		Help:      "Smoothed amplitude per microphone",
	}, []string{"position"})

	m.ChannelROC = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channel_rate_of_change",
		Help:      "Rate of change per microphone",
	}, []string{"position"})

	m.SinkDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_deliveries_total",
		Help:      "Messages handed to each sink by status",
	}, []string{"sink", "status"})

	m.SinkDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_dropped_total",
		Help:      "Messages dropped because the dispatch queue was full",
	})
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.Ticks.Describe(ch)
	m.TickDuration.Describe(ch)
	m.SensorErrors.Describe(ch)
	m.ClampedSamples.Describe(ch)
	m.Peaks.Describe(ch)
	m.SinkErrors.Describe(ch)
	m.LatchState.Describe(ch)
	m.LatchSeconds.Describe(ch)
	m.ChannelReading.Describe(ch)
	m.ChannelROC.Describe(ch)
	m.SinkDeliveries.Describe(ch)
	m.SinkDropped.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.Ticks.Collect(ch)
	m.TickDuration.Collect(ch)
	m.SensorErrors.Collect(ch)
	m.ClampedSamples.Collect(ch)
	m.Peaks.Collect(ch)
	m.SinkErrors.Collect(ch)
	m.LatchState.Collect(ch)
	m.LatchSeconds.Collect(ch)
	m.ChannelReading.Collect(ch)
	m.ChannelROC.Collect(ch)
	m.SinkDeliveries.Collect(ch)
	m.SinkDropped.Collect(ch)
}

// RecordTick records one completed tick
func (m *Metrics) RecordTick(d time.Duration) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Observe(d.Seconds())
}

// RecordSensorError records a skipped tick
func (m *Metrics) RecordSensorError() {
	if m == nil {
		return
	}
	m.SensorErrors.Inc()
}

// RecordClamped records n newly clamped samples
func (m *Metrics) RecordClamped(n uint64) {
	if m == nil {
		return
	}
	m.ClampedSamples.Add(float64(n))
}

// RecordPeak records a confirmed peak
func (m *Metrics) RecordPeak() {
	if m == nil {
		return
	}
	m.Peaks.Inc()
}

// RecordSinkError records a report the sink refused
func (m *Metrics) RecordSinkError() {
	if m == nil {
		return
	}
	m.SinkErrors.Inc()
}

// RecordLatch records the detector state
func (m *Metrics) RecordLatch(state peak.State, inState time.Duration) {
	if m == nil {
		return
	}
	m.LatchState.Set(float64(state))
	m.LatchSeconds.Set(inState.Seconds())
}

// RecordReadings records per-channel readings
func (m *Metrics) RecordReadings(readings []mic.Reading) {
	if m == nil {
		return
	}
	for _, r := range readings {
		label := r.Position.String()
		m.ChannelReading.WithLabelValues(label).Set(float64(r.Current))
		m.ChannelROC.WithLabelValues(label).Set(float64(r.RateOfChange))
	}
}

// RecordDelivery records one sink delivery attempt
func (m *Metrics) RecordDelivery(sink string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SinkDeliveries.WithLabelValues(sink, status).Inc()
}

// RecordDrop records a message dropped by the dispatcher
func (m *Metrics) RecordDrop() {
	if m == nil {
		return
	}
	m.SinkDropped.Inc()
}

// ButtonSource exposes press statistics
type ButtonSource interface {
	Stats() button.Stats
}

// RegisterButton exports press counters read from b at scrape time
func (m *Metrics) RegisterButton(b ButtonSource) error {
	presses := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "button_presses_total",
		Help:      "Button presses seen",
	}, func() float64 { return float64(b.Stats().Presses) })

	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "button_dropped_total",
		Help:      "Button presses not handed to the notifier",
	}, func() float64 { return float64(b.Stats().Dropped) })

	for _, c := range []prometheus.Collector{presses, dropped} {
		if err := m.registry.Register(c); err != nil {
			return fmt.Errorf("failed to register button metrics: %w", err)
		}
	}
	return nil
}

// Registry returns the registry the collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
