package orchestrator

import (
	"context"
	"sync"
	"time"

	"modelcached/internal/engine"
	"modelcached/internal/errdefs"
	"modelcached/pkg/types"
)

// waiter is one caller's registered interest in a task.
type waiter struct {
	onProgress func(float64)
	onComplete func(types.LocalModelRecord, error)
}

// downloadTask drives resolve + transfer + commit for one model name. All
// concurrent callers for that name attach to the same instance; it is
// removed from the registry on terminal transition after every waiter has
// been notified.
type downloadTask struct {
	o    *Orchestrator
	name string
	cond types.DownloadConditions

	// ctx governs the resolve phase; the watch goroutine forwards its
	// cancellation to the engine transfer.
	ctx       context.Context
	cancelCtx context.CancelFunc

	mu      sync.Mutex
	waiters map[int]*waiter
	nextID  int
	done    bool
	best    float64
}

// Join is one caller's handle on a task (or on an immediately delivered
// local result).
type Join struct {
	t         *downloadTask
	id        int
	completed bool
}

// Cancel withdraws this caller's interest. The caller's completion callback
// fires with a cancellation error; the underlying transfer stops only when
// no other caller remains joined. A no-op after terminal delivery.
func (j *Join) Cancel() {
	if j == nil || j.completed || j.t == nil {
		return
	}
	j.t.withdraw(j.id)
}

// join registers a waiter. ok is false when the task already reached a
// terminal state; the caller must then retry against a fresh task.
func (t *downloadTask) join(w *waiter) (*Join, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, false
	}
	id := t.nextID
	t.nextID++
	t.waiters[id] = w
	return &Join{t: t, id: id}, true
}

func (t *downloadTask) withdraw(id int) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	w, ok := t.waiters[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.waiters, id)
	last := len(t.waiters) == 0
	t.mu.Unlock()

	w.onComplete(types.LocalModelRecord{}, errdefs.Wrapf(errdefs.ErrCancelled, "model %s", t.name))
	if last {
		// Last joined caller gone; stop the underlying work.
		t.cancelCtx()
	}
}

// fanProgress relays engine progress to every joined waiter. The engine
// serializes its callbacks, so fractions stay monotonic per waiter.
func (t *downloadTask) fanProgress(f float64) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	if f < t.best {
		f = t.best
	} else {
		t.best = f
	}
	ws := make([]*waiter, 0, len(t.waiters))
	for _, w := range t.waiters {
		ws = append(ws, w)
	}
	t.mu.Unlock()
	for _, w := range ws {
		if w.onProgress != nil {
			w.onProgress(f)
		}
	}
}

// finish delivers the terminal result to all remaining waiters exactly once
// and removes the task from the registry.
func (t *downloadTask) finish(rec types.LocalModelRecord, err error) {
	o := t.o
	o.mu.Lock()
	if o.tasks[t.name] == t {
		delete(o.tasks, t.name)
	}
	if err == nil {
		o.downloadsTotal++
	} else {
		o.failuresTotal++
	}
	o.mu.Unlock()

	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	ws := make([]*waiter, 0, len(t.waiters))
	for _, w := range t.waiters {
		ws = append(ws, w)
	}
	t.waiters = nil
	t.mu.Unlock()

	t.cancelCtx()
	for _, w := range ws {
		w.onComplete(rec, err)
	}
}

// run is the task goroutine: resolve, decide whether bytes must move, then
// transfer and commit. A stale signed URL is re-resolved once.
func (t *downloadTask) run(local *types.LocalModelRecord) {
	o := t.o

	out, err := o.cfg.Resolver.Resolve(t.ctx, t.name, local)
	if err != nil {
		if t.ctx.Err() != nil {
			err = errdefs.Wrapf(errdefs.ErrCancelled, "model %s", t.name)
		}
		o.cfg.Events.Publish(Event{Name: EventDownloadFailed, Model: t.name, Fields: map[string]any{"kind": errKind(err)}})
		t.finish(types.LocalModelRecord{}, err)
		return
	}
	if out.Unchanged {
		// Backend says the local copy is current.
		t.finish(*local, nil)
		return
	}
	desc := *out.Descriptor
	if local != nil && local.ContentHash == desc.ContentHash && o.cfg.Files.Exists(local.FilePath) {
		// Fresh descriptor, same bytes: nothing to transfer.
		t.finish(*local, nil)
		return
	}

	rec, err := t.transferAndCommit(desc)
	if err != nil && errdefs.IsURLExpired(err) && t.ctx.Err() == nil {
		o.log.Info().Str("model", t.name).Msg("signed url expired; re-resolving")
		out2, rerr := o.cfg.Resolver.Resolve(t.ctx, t.name, nil)
		switch {
		case rerr != nil:
			err = rerr
		case out2.Descriptor != nil:
			rec, err = t.transferAndCommit(*out2.Descriptor)
		}
	}
	if err != nil {
		if t.ctx.Err() != nil && !errdefs.IsCancelled(err) {
			err = errdefs.Wrapf(errdefs.ErrCancelled, "model %s", t.name)
		}
		o.cfg.Events.Publish(Event{Name: EventDownloadFailed, Model: t.name, Fields: map[string]any{"kind": errKind(err)}})
		t.finish(types.LocalModelRecord{}, err)
		return
	}
	o.cfg.Events.Publish(Event{Name: EventDownloadSucceeded, Model: t.name, Fields: map[string]any{"bytes": rec.SizeBytes}})
	t.finish(rec, nil)
}

type engineResult struct {
	res engine.Result
	err error
}

// transferAndCommit runs the engine for desc and, on success, persists the
// record. The metadata write happens only after the file store has the
// bytes durably in place; a failed write removes both sides rather than
// leaving a record that points at wrong bytes.
func (t *downloadTask) transferAndCommit(desc types.ModelDescriptor) (types.LocalModelRecord, error) {
	o := t.o
	if desc.Expired(time.Now()) {
		return types.LocalModelRecord{}, errdefs.Wrapf(errdefs.ErrURLExpired, "model %s", t.name)
	}
	if t.ctx.Err() != nil {
		return types.LocalModelRecord{}, errdefs.Wrapf(errdefs.ErrCancelled, "model %s", t.name)
	}

	finalPath := o.cfg.Files.PathFor(o.cfg.AppID, t.name)
	o.cfg.Events.Publish(Event{Name: EventDownloadStarted, Model: t.name, Fields: map[string]any{"bytes": desc.SizeBytes}})

	resCh := make(chan engineResult, 1)
	h := o.cfg.Engine.Start(desc, finalPath, t.cond, t.fanProgress, func(res engine.Result, err error) {
		resCh <- engineResult{res: res, err: err}
	})
	stop := make(chan struct{})
	go func() {
		select {
		case <-t.ctx.Done():
			h.Cancel()
		case <-stop:
		}
	}()
	er := <-resCh
	close(stop)
	if er.err != nil {
		return types.LocalModelRecord{}, er.err
	}

	rec := types.LocalModelRecord{
		Name:         t.name,
		ContentHash:  desc.ContentHash,
		SizeBytes:    er.res.BytesWritten,
		FilePath:     er.res.Path,
		DownloadedAt: time.Now().UTC(),
	}
	o.mu.Lock()
	if err := o.cfg.Meta.Put(o.cfg.AppID, t.name, rec); err != nil {
		_ = o.cfg.Files.Delete(er.res.Path)
		_ = o.cfg.Meta.Delete(o.cfg.AppID, t.name)
		o.mu.Unlock()
		return types.LocalModelRecord{}, errdefs.Wrap(errdefs.ErrStorage, err)
	}
	o.mu.Unlock()
	return rec, nil
}
