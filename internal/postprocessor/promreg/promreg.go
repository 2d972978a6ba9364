// Package promreg is the reference PostProcessor: a Prometheus-style
// registry of request/error counters and a latency histogram.
package promreg

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/simeonmiteff/redistap/internal/plugin"
)

// PostProcessor maintains requests_total, errors_total and latency_seconds
// vectors keyed by the plugin-supplied label (the Redis key, in the
// reference deployment).
//
// latency_seconds is fed millisecond-valued observations cast to float64: a
// known unit mismatch carried over unfixed from the reference design, since
// external dashboards may already depend on the metric's name and shape.
type PostProcessor struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New registers requests_total, errors_total and latency_seconds against reg.
func New(reg prometheus.Registerer) (*PostProcessor, error) {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_total",
		Help: "Number of requests observed.",
	}, []string{"key"})

	errors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Number of error responses observed.",
	}, []string{"key"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "latency_seconds",
		Help: "Request latency in seconds (observed values are milliseconds; see known defect in package docs).",
	}, []string{"key"})

	for _, c := range []prometheus.Collector{requests, errors, latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &PostProcessor{requests: requests, errors: errors, latency: latency}, nil
}

// PostProcess implements postprocessor.PostProcessor.
func (p *PostProcessor) PostProcess(result plugin.Result) error {
	if result.Prometheus == nil {
		return nil
	}
	r := result.Prometheus

	p.requests.WithLabelValues(r.Label).Inc()
	p.latency.WithLabelValues(r.Label).Observe(r.LatencyMillis)
	if r.IsError {
		p.errors.WithLabelValues(r.Label).Inc()
	}
	return nil
}
