package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"modelcached/internal/orchestrator"
)

func TestPublishIncrementsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPublisher(reg)

	p.Publish(orchestrator.Event{Name: orchestrator.EventDownloadStarted, Model: "m"})
	p.Publish(orchestrator.Event{Name: orchestrator.EventDownloadSucceeded, Model: "m", Fields: map[string]any{"bytes": int64(1000)}})
	p.Publish(orchestrator.Event{Name: orchestrator.EventDownloadFailed, Model: "m", Fields: map[string]any{"kind": "network"}})
	p.Publish(orchestrator.Event{Name: orchestrator.EventModelDeleted, Model: "m"})

	if got := testutil.ToFloat64(p.downloadsStarted); got != 1 {
		t.Fatalf("started = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.downloadsSucceeded); got != 1 {
		t.Fatalf("succeeded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.downloadBytes); got != 1000 {
		t.Fatalf("bytes = %v, want 1000", got)
	}
	if got := testutil.ToFloat64(p.downloadsFailed.WithLabelValues("network")); got != 1 {
		t.Fatalf("failed{kind=network} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.deletions); got != 1 {
		t.Fatalf("deletions = %v, want 1", got)
	}
}

func TestPublishUnknownEventIsIgnored(t *testing.T) {
	p := NewPublisher(prometheus.NewRegistry())
	p.Publish(orchestrator.Event{Name: "something_else"})
	if got := testutil.ToFloat64(p.downloadsStarted); got != 0 {
		t.Fatalf("unknown event moved a counter: %v", got)
	}
}

func TestPublishFailureWithoutKindCountsAsOther(t *testing.T) {
	p := NewPublisher(prometheus.NewRegistry())
	p.Publish(orchestrator.Event{Name: orchestrator.EventDownloadFailed, Model: "m"})
	if got := testutil.ToFloat64(p.downloadsFailed.WithLabelValues("other")); got != 1 {
		t.Fatalf("failed{kind=other} = %v, want 1", got)
	}
}
