// Package observability exposes relay metrics to Prometheus.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for finished generations.
const (
	OutcomeCompleted   = "completed"
	OutcomeRejected    = "rejected"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
)

// Recorder receives relay lifecycle events.
// Implementations must be safe for concurrent use.
type Recorder interface {
	StreamStarted()
	StreamFinished(outcome, errorKind string, duration time.Duration)
	FirstFragment(latency time.Duration)
	Fragment(bytes int)
	MalformedLine()
}

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	firstFragment  prometheus.Histogram
	fragments      prometheus.Counter
	fragmentBytes  prometheus.Counter
	malformedLines prometheus.Counter
	activeStreams  prometheus.Gauge
}

// NewPrometheusRecorder registers the relay collectors with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testgen",
			Name:      "generate_requests_total",
			Help:      "Generation requests by outcome and error kind.",
		}, []string{"outcome", "error_kind"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "testgen",
			Name:      "generate_duration_seconds",
			Help:      "Wall time of generation requests.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"outcome"}),
		firstFragment: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "testgen",
			Name:      "first_fragment_seconds",
			Help:      "Latency from upstream call to the first forwarded fragment.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		fragments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "testgen",
			Name:      "fragments_total",
			Help:      "Text fragments forwarded to clients.",
		}),
		fragmentBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "testgen",
			Name:      "fragment_bytes_total",
			Help:      "Bytes of generated text forwarded to clients.",
		}),
		malformedLines: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "testgen",
			Name:      "malformed_lines_total",
			Help:      "Upstream stream lines skipped because they were not JSON objects.",
		}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "testgen",
			Name:      "active_streams",
			Help:      "Generations currently in flight.",
		}),
	}
}

func (p *PrometheusRecorder) StreamStarted() {
	p.activeStreams.Inc()
}

func (p *PrometheusRecorder) StreamFinished(outcome, errorKind string, duration time.Duration) {
	p.activeStreams.Dec()
	p.requests.WithLabelValues(outcome, errorKind).Inc()
	p.duration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) FirstFragment(latency time.Duration) {
	p.firstFragment.Observe(latency.Seconds())
}

func (p *PrometheusRecorder) Fragment(bytes int) {
	p.fragments.Inc()
	p.fragmentBytes.Add(float64(bytes))
}

func (p *PrometheusRecorder) MalformedLine() {
	p.malformedLines.Inc()
}

// NoopRecorder discards every event.
type NoopRecorder struct{}

func (NoopRecorder) StreamStarted() {}

func (NoopRecorder) StreamFinished(string, string, time.Duration) {}

func (NoopRecorder) FirstFragment(time.Duration) {}

func (NoopRecorder) Fragment(int) {}

func (NoopRecorder) MalformedLine() {}
