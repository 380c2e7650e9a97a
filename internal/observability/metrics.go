package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway.
type Metrics struct {
	ActiveInterviews prometheus.Gauge
	InterviewEvents  *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	AudioChunks      prometheus.Counter
	OfferLatency     prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveInterviews: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_interviews",
			Help:      "Number of live interview sessions.",
		}),
		InterviewEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interview_events_total",
			Help:      "Interview lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		AudioChunks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Audio chunks delivered to clients.",
		}),
		OfferLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "offer_latency_ms",
			Help:      "Latency of the session-start request in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
	}
}

func (m *Metrics) ObserveOfferLatency(d time.Duration) {
	m.OfferLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
