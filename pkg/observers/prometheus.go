package observers

import (
	"net/http"
	"sync"

	"github.com/harunnryd/avatarlink/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusObserver turns session events into Prometheus series on its own
// registry.
type PrometheusObserver struct {
	registry *prometheus.Registry

	EventsTotal       *prometheus.CounterVec
	QuestionsTotal    *prometheus.CounterVec
	StatusTransitions *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	AudioBytesTotal   *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	TurnLatency       *prometheus.HistogramVec

	mu        sync.Mutex
	connected map[string]bool
}

func NewPrometheusObserver(namespace string) *PrometheusObserver {
	if namespace == "" {
		namespace = "avatarlink"
	}
	o := &PrometheusObserver{
		registry:  prometheus.NewRegistry(),
		connected: make(map[string]bool),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by name",
		}, []string{"event"}),
		QuestionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "questions_total",
			Help:      "Questions sent to the server by kind",
		}, []string{"kind"}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Status changes by target status",
		}, []string{"to"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by type",
		}, []string{"error_type"}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Decoded audio bytes received by source",
		}, []string{"source"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently connected",
		}),
		TurnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_seconds",
			Help:      "Time from question to each reply stage",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
	}
	o.registry.MustRegister(
		o.EventsTotal,
		o.QuestionsTotal,
		o.StatusTransitions,
		o.ErrorsTotal,
		o.AudioBytesTotal,
		o.SessionsActive,
		o.TurnLatency,
	)
	return o
}

func (o *PrometheusObserver) Registry() *prometheus.Registry { return o.registry }

// Handler serves the registry in the Prometheus text format.
func (o *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

func (o *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	o.EventsTotal.WithLabelValues(ev.Name).Inc()
	switch ev.Name {
	case metrics.EventConnected:
		o.setConnected(ev.Tags[metrics.TagSessionID], true)
	case metrics.EventDisconnected:
		o.setConnected(ev.Tags[metrics.TagSessionID], false)
	case metrics.EventQuestionSent:
		o.QuestionsTotal.WithLabelValues(ev.Tags[metrics.TagKind]).Inc()
	case metrics.EventStatusChanged:
		o.StatusTransitions.WithLabelValues(ev.Tags[metrics.TagTo]).Inc()
	case metrics.EventAudioReady, metrics.EventStreamCompleted:
		if ev.Value > 0 {
			o.AudioBytesTotal.WithLabelValues(ev.Tags[metrics.TagSource]).Add(ev.Value)
		}
	case metrics.EventServerError, metrics.EventProtocolViolation, metrics.EventDecodeError,
		metrics.EventPlaybackFailed, metrics.EventIdleTimeout, metrics.EventIntentRejected:
		o.ErrorsTotal.WithLabelValues(ev.Name).Inc()
	}
}

// ObserveTurn records the stage timings of a finished turn.
func (o *PrometheusObserver) ObserveTurn(lat TurnLatency) {
	stages := map[string]int64{
		"transcript": lat.TranscriptMs,
		"response":   lat.ResponseMs,
		"audio":      lat.AudioMs,
		"speaking":   lat.SpeakingMs,
	}
	for stage, ms := range stages {
		if ms >= 0 {
			o.TurnLatency.WithLabelValues(stage).Observe(float64(ms) / 1000)
		}
	}
}

func (o *PrometheusObserver) setConnected(sessionID string, up bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.connected[sessionID] == up {
		return
	}
	if up {
		o.connected[sessionID] = true
		o.SessionsActive.Inc()
		return
	}
	delete(o.connected, sessionID)
	o.SessionsActive.Dec()
}

var _ metrics.Observer = (*PrometheusObserver)(nil)
