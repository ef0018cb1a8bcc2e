package orchestrator

import "modelcached/internal/errdefs"

// Event names published by the orchestrator.
const (
	EventDownloadStarted   = "download_started"
	EventDownloadSucceeded = "download_succeeded"
	EventDownloadFailed    = "download_failed"
	EventModelDeleted      = "model_deleted"
	EventModelDeleteFailed = "model_delete_failed"
)

// Event represents an orchestrator lifecycle event.
// Minimal and stable: name + model name and optional fields via key/values.
type Event struct {
	Name   string
	Model  string
	Fields map[string]any
}

// EventPublisher receives events from the orchestrator. Implementations
// should be lightweight and non-blocking; Publish must not panic. A failing
// publisher never affects the result delivered to callers.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// errKind labels an error for events and metrics.
func errKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errdefs.IsCancelled(err):
		return "cancelled"
	case errdefs.IsConditionViolation(err):
		return "condition_violation"
	case errdefs.IsValidation(err):
		return "validation"
	case errdefs.IsNotFound(err):
		return "not_found"
	case errdefs.IsURLExpired(err):
		return "url_expired"
	case errdefs.IsStorage(err):
		return "storage"
	case errdefs.IsBackend(err):
		return "backend"
	case errdefs.IsNetwork(err):
		return "network"
	default:
		return "other"
	}
}
