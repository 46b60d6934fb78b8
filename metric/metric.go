// Package metric exposes decode pipeline progress as Prometheus metrics.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const signalLabel = "signal"

// Metrics holds collectors of all decode signals. It implements
// prometheus.Collector.
type Metrics struct {
	muxedSamples   *prometheus.CounterVec
	decodedSamples *prometheus.CounterVec
	annotations    *prometheus.CounterVec
	resets         *prometheus.CounterVec
	errors         *prometheus.CounterVec
	chunkDuration  *prometheus.HistogramVec
	running        *prometheus.GaugeVec

	collectors []prometheus.Collector
}

// New creates metrics and registers them. Nil registerer skips
// registration.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		muxedSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decode_muxed_samples_total",
			Help: "Total number of samples packed by the multiplexer",
		}, []string{signalLabel}),
		decodedSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decode_decoded_samples_total",
			Help: "Total number of samples fed to the decoder engine",
		}, []string{signalLabel}),
		annotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decode_annotations_total",
			Help: "Total number of annotations received from the decoder engine",
		}, []string{signalLabel}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decode_resets_total",
			Help: "Total number of decode resets",
		}, []string{signalLabel}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decode_errors_total",
			Help: "Total number of failed decode runs",
		}, []string{signalLabel}),
		chunkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "decode_chunk_duration_seconds",
			Help:    "Time taken by the decoder engine to process one chunk",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{signalLabel}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "decode_running",
			Help: "Whether the decode workers of a signal are running",
		}, []string{signalLabel}),
	}
	m.collectors = []prometheus.Collector{
		m.muxedSamples,
		m.decodedSamples,
		m.annotations,
		m.resets,
		m.errors,
		m.chunkDuration,
		m.running,
	}
	if reg != nil {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// Meter returns a meter bound to the signal name. Nil metrics return a nil
// meter, which discards all measurements.
func (m *Metrics) Meter(signal string) *Meter {
	if m == nil {
		return nil
	}
	return &Meter{
		muxedSamples:   m.muxedSamples.WithLabelValues(signal),
		decodedSamples: m.decodedSamples.WithLabelValues(signal),
		annotations:    m.annotations.WithLabelValues(signal),
		resets:         m.resets.WithLabelValues(signal),
		errors:         m.errors.WithLabelValues(signal),
		chunkDuration:  m.chunkDuration.WithLabelValues(signal),
		running:        m.running.WithLabelValues(signal),
	}
}

// Meter captures measurements of one signal. All methods are safe to call
// on a nil meter.
type Meter struct {
	muxedSamples   prometheus.Counter
	decodedSamples prometheus.Counter
	annotations    prometheus.Counter
	resets         prometheus.Counter
	errors         prometheus.Counter
	chunkDuration  prometheus.Observer
	running        prometheus.Gauge
}

// MeasureFunc captures the samples of a processed chunk.
type MeasureFunc func(samples uint64)

// Muxed counts multiplexed samples.
func (m *Meter) Muxed(samples uint64) {
	if m == nil {
		return
	}
	m.muxedSamples.Add(float64(samples))
}

// Chunk starts measuring one decoded chunk. The returned closure must be
// called when the chunk is processed.
func (m *Meter) Chunk() MeasureFunc {
	if m == nil {
		return func(uint64) {}
	}
	calledAt := time.Now()
	return func(samples uint64) {
		m.chunkDuration.Observe(time.Since(calledAt).Seconds())
		m.decodedSamples.Add(float64(samples))
	}
}

// Annotation counts one received annotation.
func (m *Meter) Annotation() {
	if m == nil {
		return
	}
	m.annotations.Inc()
}

// Reset counts one decode reset.
func (m *Meter) Reset() {
	if m == nil {
		return
	}
	m.resets.Inc()
}

// Error counts one failed run.
func (m *Meter) Error() {
	if m == nil {
		return
	}
	m.errors.Inc()
}

// Running sets the running gauge.
func (m *Meter) Running(running bool) {
	if m == nil {
		return
	}
	if running {
		m.running.Set(1)
	} else {
		m.running.Set(0)
	}
}
