// Package orchestrator is the façade over the resolver, the download engine
// and the two stores. It owns the only cross-request invariants in the
// system: per-name download deduplication, the file-then-metadata commit
// order, and serialized mutation of a model's local record.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modelcached/internal/engine"
	"modelcached/internal/errdefs"
	"modelcached/internal/filestore"
	"modelcached/internal/metastore"
	"modelcached/internal/resolver"
	"modelcached/pkg/types"
)

// Resolver is the model-info contract consumed by the orchestrator.
type Resolver interface {
	Resolve(ctx context.Context, name string, local *types.LocalModelRecord) (resolver.Outcome, error)
}

// Engine is the transfer contract consumed by the orchestrator.
type Engine interface {
	Start(desc types.ModelDescriptor, finalPath string, cond types.DownloadConditions, onProgress engine.Progress, onComplete engine.Complete) engine.Handle
}

// Config encapsulates all collaborators for Orchestrator construction.
// One Orchestrator exists per application instance; two instances never
// contend with each other.
type Config struct {
	AppID    string
	Resolver Resolver
	Engine   Engine
	Meta     metastore.Store
	Files    *filestore.Store
	Events   EventPublisher
	Logger   zerolog.Logger
}

// Orchestrator exposes the public get/delete/list operations.
type Orchestrator struct {
	cfg Config
	log zerolog.Logger

	// mu is the single mutual-exclusion domain for this app instance: it
	// guards the task registry and the metadata/file commit sections.
	mu    sync.Mutex
	tasks map[string]*downloadTask

	downloadsTotal uint64
	failuresTotal  uint64
	startTime      time.Time
}

// New constructs an Orchestrator. All collaborators except Events and
// Logger are required.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.AppID == "" {
		return nil, fmt.Errorf("orchestrator: app id is required")
	}
	if cfg.Resolver == nil || cfg.Engine == nil || cfg.Meta == nil || cfg.Files == nil {
		return nil, fmt.Errorf("orchestrator: resolver, engine, meta and files are required")
	}
	if cfg.Events == nil {
		cfg.Events = noopPublisher{}
	}
	return &Orchestrator{
		cfg:       cfg,
		log:       cfg.Logger,
		tasks:     make(map[string]*downloadTask),
		startTime: time.Now(),
	}, nil
}

// Ready reports whether the orchestrator can serve requests.
func (o *Orchestrator) Ready() bool {
	return o.cfg.Files.Exists(o.cfg.Files.Root())
}

// localRecord loads the record for name, treating a record whose file has
// vanished as absent (and lazily removing the dangling metadata entry).
func (o *Orchestrator) localRecord(name string) (*types.LocalModelRecord, error) {
	rec, ok, err := o.cfg.Meta.Get(o.cfg.AppID, name)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrStorage, err)
	}
	if !ok {
		return nil, nil
	}
	if !o.cfg.Files.Exists(rec.FilePath) {
		o.log.Warn().Str("model", name).Str("path", rec.FilePath).
			Msg("record points at missing file; dropping it")
		_ = o.cfg.Meta.Delete(o.cfg.AppID, name)
		return nil, nil
	}
	return &rec, nil
}

// ListModels enumerates the local records for this app. It never hits the
// network. Records whose file is gone are skipped and cleaned up.
func (o *Orchestrator) ListModels() ([]types.LocalModelRecord, error) {
	recs, err := o.cfg.Meta.ListAll(o.cfg.AppID)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrStorage, err)
	}
	out := recs[:0]
	for _, rec := range recs {
		if !o.cfg.Files.Exists(rec.FilePath) {
			_ = o.cfg.Meta.Delete(o.cfg.AppID, rec.Name)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteModel removes the local file and the metadata entry for name.
// Idempotent: deleting an absent model succeeds. When one side fails the
// other is still attempted so a half-deleted model is never resurrected.
func (o *Orchestrator) DeleteModel(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	path := o.cfg.Files.PathFor(o.cfg.AppID, name)
	if rec, ok, err := o.cfg.Meta.Get(o.cfg.AppID, name); err == nil && ok && rec.FilePath != "" {
		path = rec.FilePath
	}

	fileErr := o.cfg.Files.Delete(path)
	metaErr := o.cfg.Meta.Delete(o.cfg.AppID, name)
	if metaErr != nil {
		// Reconcile: one retry before surfacing.
		metaErr = o.cfg.Meta.Delete(o.cfg.AppID, name)
	}
	if fileErr != nil || metaErr != nil {
		err := fileErr
		if err == nil {
			err = metaErr
		}
		o.cfg.Events.Publish(Event{Name: EventModelDeleteFailed, Model: name})
		return errdefs.Wrap(errdefs.ErrStorage, err)
	}
	o.log.Info().Str("model", name).Msg("model deleted")
	o.cfg.Events.Publish(Event{Name: EventModelDeleted, Model: name})
	return nil
}

// Status reports operational counters for the daemon's /status endpoint.
func (o *Orchestrator) Status() types.StatusResponse {
	o.mu.Lock()
	inflight := len(o.tasks)
	downloads := o.downloadsTotal
	failures := o.failuresTotal
	o.mu.Unlock()

	var count int
	var total int64
	if recs, err := o.ListModels(); err == nil {
		count = len(recs)
		for _, rec := range recs {
			total += rec.SizeBytes
		}
	}
	now := time.Now()
	return types.StatusResponse{
		ModelCount:            count,
		TotalSizeBytes:        total,
		InflightDownloads:     inflight,
		DownloadsTotal:        downloads,
		DownloadFailuresTotal: failures,
		UptimeSeconds:         int64(now.Sub(o.startTime).Seconds()),
		ServerTimeUnix:        now.Unix(),
	}
}
