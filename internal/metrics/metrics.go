// Package metrics exposes per-station Prometheus instrumentation.
//
// A nil *Metrics (and the nil *Station it hands out) is valid and records
// nothing, so components can be built without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vadase"

// Metrics holds the collectors shared by every station.
type Metrics struct {
	sentences       *prometheus.CounterVec
	checksumErrors  *prometheus.CounterVec
	parseErrors     *prometheus.CounterVec
	outputErrors    *prometheus.CounterVec
	lowCompleteness *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	bufferOverflows *prometheus.CounterVec
	events          *prometheus.CounterVec
	eventPeak       *prometheus.HistogramVec
	manual          *prometheus.GaugeVec
	eventActive     *prometheus.GaugeVec
	queueDepth      *prometheus.GaugeVec
	connected       *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg yields
// a nil *Metrics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	station := []string{"station"}
	m := &Metrics{
		sentences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "sentences_total",
			Help:      "Sentences consumed by kind",
		}, []string{"station", "kind"}),
		checksumErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "checksum_errors_total",
			Help:      "Sentences rejected for a bad checksum",
		}, station),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "processing_errors_total",
			Help:      "Sentences that failed to parse or process",
		}, station),
		outputErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "errors_total",
			Help:      "Output port write failures by operation",
		}, []string{"station", "op"}),
		lowCompleteness: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "low_completeness_total",
			Help:      "Displacement epochs dropped by the completeness gate",
		}, station),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "disconnects_total",
			Help:      "Connection attempts that ended, by reason",
		}, []string{"station", "reason"}),
		bufferOverflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "buffer_overflows_total",
			Help:      "Line buffer overflows forcing a disconnect",
		}, station),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "detected_total",
			Help:      "Completed threshold-crossing events",
		}, station),
		eventPeak: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "peak_velocity_mm_s",
			Help:      "Peak horizontal velocity of completed events",
			Buckets:   []float64{15, 20, 30, 50, 75, 100, 200, 500, 1000},
		}, station),
		manual: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "manual_integration",
			Help:      "1 when displacement is derived from integrated velocity",
		}, station),
		eventActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "active",
			Help:      "1 while an event is in progress",
		}, station),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Lines waiting between adapter and core",
		}, station),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "connected",
			Help:      "1 while the input adapter is streaming",
		}, station),
	}
	reg.MustRegister(
		m.sentences, m.checksumErrors, m.parseErrors, m.outputErrors,
		m.lowCompleteness, m.reconnects, m.bufferOverflows, m.events,
		m.eventPeak, m.manual, m.eventActive, m.queueDepth, m.connected,
	)
	return m
}

// Station binds the collectors to one station label.
func (m *Metrics) Station(id string) *Station {
	if m == nil {
		return nil
	}
	return &Station{m: m, id: id}
}

// Station records metrics for a single station. Methods on a nil *Station
// are no-ops.
type Station struct {
	m  *Metrics
	id string
}

func (s *Station) Sentence(kind string) {
	if s == nil {
		return
	}
	s.m.sentences.WithLabelValues(s.id, kind).Inc()
}

func (s *Station) ChecksumError() {
	if s == nil {
		return
	}
	s.m.checksumErrors.WithLabelValues(s.id).Inc()
}

func (s *Station) ProcessingError() {
	if s == nil {
		return
	}
	s.m.parseErrors.WithLabelValues(s.id).Inc()
}

func (s *Station) OutputError(op string) {
	if s == nil {
		return
	}
	s.m.outputErrors.WithLabelValues(s.id, op).Inc()
}

func (s *Station) LowCompleteness() {
	if s == nil {
		return
	}
	s.m.lowCompleteness.WithLabelValues(s.id).Inc()
}

func (s *Station) Disconnect(reason string) {
	if s == nil {
		return
	}
	s.m.reconnects.WithLabelValues(s.id, reason).Inc()
}

func (s *Station) BufferOverflow() {
	if s == nil {
		return
	}
	s.m.bufferOverflows.WithLabelValues(s.id).Inc()
}

func (s *Station) Event(peakMMS float64) {
	if s == nil {
		return
	}
	s.m.events.WithLabelValues(s.id).Inc()
	s.m.eventPeak.WithLabelValues(s.id).Observe(peakMMS)
}

func (s *Station) SetManual(on bool) {
	if s == nil {
		return
	}
	s.m.manual.WithLabelValues(s.id).Set(boolGauge(on))
}

func (s *Station) SetEventActive(on bool) {
	if s == nil {
		return
	}
	s.m.eventActive.WithLabelValues(s.id).Set(boolGauge(on))
}

func (s *Station) SetConnected(on bool) {
	if s == nil {
		return
	}
	s.m.connected.WithLabelValues(s.id).Set(boolGauge(on))
}

func (s *Station) SetQueueDepth(n int) {
	if s == nil {
		return
	}
	s.m.queueDepth.WithLabelValues(s.id).Set(float64(n))
}

func boolGauge(on bool) float64 {
	if on {
		return 1
	}
	return 0
}
