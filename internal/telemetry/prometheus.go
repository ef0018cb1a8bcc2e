// Package telemetry bridges orchestrator events to prometheus metrics.
// Publishing never blocks and never fails the primary operation.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"modelcached/internal/orchestrator"
)

// Publisher implements orchestrator.EventPublisher on prometheus counters.
type Publisher struct {
	downloadsStarted  prometheus.Counter
	downloadsSucceeded prometheus.Counter
	downloadsFailed   *prometheus.CounterVec
	downloadBytes     prometheus.Counter
	deletions         prometheus.Counter
}

// NewPublisher registers the download metrics on reg and returns the
// publisher. Pass prometheus.DefaultRegisterer in main.
func NewPublisher(reg prometheus.Registerer) *Publisher {
	p := &Publisher{
		downloadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modelcached",
			Subsystem: "downloads",
			Name:      "started_total",
			Help:      "Download transfers started",
		}),
		downloadsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modelcached",
			Subsystem: "downloads",
			Name:      "succeeded_total",
			Help:      "Download transfers completed successfully",
		}),
		downloadsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelcached",
			Subsystem: "downloads",
			Name:      "failed_total",
			Help:      "Download transfers that ended in a typed error",
		}, []string{"kind"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modelcached",
			Subsystem: "downloads",
			Name:      "bytes_total",
			Help:      "Bytes of verified model data written to disk",
		}),
		deletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modelcached",
			Subsystem: "models",
			Name:      "deletions_total",
			Help:      "Local model deletions",
		}),
	}
	reg.MustRegister(p.downloadsStarted, p.downloadsSucceeded, p.downloadsFailed, p.downloadBytes, p.deletions)
	return p
}

func (p *Publisher) Publish(e orchestrator.Event) {
	switch e.Name {
	case orchestrator.EventDownloadStarted:
		p.downloadsStarted.Inc()
	case orchestrator.EventDownloadSucceeded:
		p.downloadsSucceeded.Inc()
		if n, ok := e.Fields["bytes"].(int64); ok {
			p.downloadBytes.Add(float64(n))
		}
	case orchestrator.EventDownloadFailed:
		kind := "other"
		if k, ok := e.Fields["kind"].(string); ok {
			kind = k
		}
		p.downloadsFailed.WithLabelValues(kind).Inc()
	case orchestrator.EventModelDeleted:
		p.deletions.Inc()
	}
}
