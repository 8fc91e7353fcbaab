// Package metrics exports pipeline and chatbot counters in Prometheus format.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "visionbot"

// maxClasses caps the class label set; later classes are counted as "other"
const maxClasses = 50

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Annotation pipeline
	framesProcessed prometheus.Counter
	framesEmpty     prometheus.Counter
	detections      *prometheus.CounterVec
	detectLatency   prometheus.Histogram
	pipelineRuns    *prometheus.CounterVec

	classMu sync.Mutex
	classes map[string]struct{}

	// QA matcher
	matches        *prometheus.CounterVec
	matchScore     prometheus.Histogram
	missingAudio   prometheus.Counter
	activeSessions prometheus.Gauge
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		classes:  make(map[string]struct{}),
	}

	m.framesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "annotate",
		Name:      "frames_total",
		Help:      "Total number of frames written to annotated output",
	})
	m.framesEmpty = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "annotate",
		Name:      "frames_without_detections_total",
		Help:      "Total number of frames for which the detector returned nothing",
	})
	m.detections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "annotate",
		Name:      "detections_total",
		Help:      "Total number of detections drawn, by class",
	}, []string{"class"})
	m.detectLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "annotate",
		Name:      "detect_latency_seconds",
		Help:      "Detector latency per frame in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
	m.pipelineRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "annotate",
		Name:      "runs_total",
		Help:      "Total number of annotation runs, by status",
	}, []string{"status"})

	m.matches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "matches_total",
		Help:      "Total number of answered questions, by status",
	}, []string{"status"})
	m.matchScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "match_similarity",
		Help:      "Cosine similarity of the selected knowledge entry",
		Buckets:   []float64{0, 0.2, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
	})
	m.missingAudio = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "missing_audio_total",
		Help:      "Total number of audio references that could not be found",
	})
	m.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "sessions",
		Help:      "Number of open chat sessions",
	})

	m.registry.MustRegister(
		m.framesProcessed,
		m.framesEmpty,
		m.detections,
		m.detectLatency,
		m.pipelineRuns,
		m.matches,
		m.matchScore,
		m.missingAudio,
		m.activeSessions,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry over HTTP
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameProcessed() {
	if m == nil {
		return
	}
	m.framesProcessed.Inc()
}

func (m *Metrics) FrameWithoutDetections() {
	if m == nil {
		return
	}
	m.framesEmpty.Inc()
}

func (m *Metrics) Detection(class string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(m.classLabel(class)).Inc()
}

// classLabel folds free-text detector labels into a bounded label set
func (m *Metrics) classLabel(class string) string {
	label := strings.ToLower(strings.Join(strings.Fields(class), " "))
	if label == "" {
		label = "object"
	}

	m.classMu.Lock()
	defer m.classMu.Unlock()
	if _, ok := m.classes[label]; ok {
		return label
	}
	if len(m.classes) >= maxClasses {
		return "other"
	}
	m.classes[label] = struct{}{}
	return label
}

func (m *Metrics) DetectLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.detectLatency.Observe(d.Seconds())
}

func (m *Metrics) PipelineRun(status string) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) Match(status string, score float64) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(status).Inc()
	if status == "ok" {
		m.matchScore.Observe(score)
	}
}

func (m *Metrics) MissingAudio() {
	if m == nil {
		return
	}
	m.missingAudio.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}
