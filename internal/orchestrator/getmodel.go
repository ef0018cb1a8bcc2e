package orchestrator

import (
	"context"

	"modelcached/internal/errdefs"
	"modelcached/pkg/types"
)

// GetModel requests a model without blocking. onComplete fires exactly once
// with the record or a typed error; onProgress (optional) receives fractions
// in [0,1] and never fires after onComplete. The returned Join withdraws
// this caller's interest without necessarily stopping a shared download.
//
// Semantics per download type:
//   - DownloadLocal: an existing record is delivered immediately with no
//     network traffic and no progress callbacks; otherwise behaves like
//     DownloadLatest.
//   - DownloadLocalUpdateInBackground: an existing record is delivered
//     immediately and a detached refresh runs through the same per-name
//     task registry; otherwise behaves like DownloadLatest.
//   - DownloadLatest: resolves first, transfers only when the backend
//     reports a new version, joining any in-flight download for the name.
func (o *Orchestrator) GetModel(name string, typ types.DownloadType, cond types.DownloadConditions, onProgress func(float64), onComplete func(types.LocalModelRecord, error)) *Join {
	if onComplete == nil {
		onComplete = func(types.LocalModelRecord, error) {}
	}
	if name == "" {
		return deliver(types.LocalModelRecord{}, errdefs.Wrapf(errdefs.ErrNotFound, "empty model name"), onComplete)
	}

	local, err := o.localRecord(name)
	if err != nil {
		return deliver(types.LocalModelRecord{}, err, onComplete)
	}

	switch typ {
	case types.DownloadLocal:
		if local != nil {
			return deliver(*local, nil, onComplete)
		}
	case types.DownloadLocalUpdateInBackground:
		if local != nil {
			// Detached waiter: keeps the refresh alive, never cancels,
			// reports nothing to this caller.
			o.joinOrStart(name, cond, local, &waiter{
				onComplete: func(rec types.LocalModelRecord, err error) {
					if err != nil && !errdefs.IsCancelled(err) {
						o.log.Warn().Err(err).Str("model", name).Msg("background refresh failed")
					}
				},
			})
			return deliver(*local, nil, onComplete)
		}
	}

	return o.joinOrStart(name, cond, local, &waiter{onProgress: onProgress, onComplete: onComplete})
}

// Get is the blocking convenience around GetModel. Context cancellation
// withdraws this caller; the error is then the shared task's terminal
// result for it (a cancellation).
func (o *Orchestrator) Get(ctx context.Context, name string, typ types.DownloadType, cond types.DownloadConditions, onProgress func(float64)) (types.LocalModelRecord, error) {
	type result struct {
		rec types.LocalModelRecord
		err error
	}
	ch := make(chan result, 1)
	j := o.GetModel(name, typ, cond, onProgress, func(rec types.LocalModelRecord, err error) {
		ch <- result{rec: rec, err: err}
	})
	select {
	case r := <-ch:
		return r.rec, r.err
	case <-ctx.Done():
		j.Cancel()
		r := <-ch
		return r.rec, r.err
	}
}

// joinOrStart attaches w to the running task for name, creating the task
// when none exists. The loop covers the window where a task reaches its
// terminal state between lookup and join.
func (o *Orchestrator) joinOrStart(name string, cond types.DownloadConditions, local *types.LocalModelRecord, w *waiter) *Join {
	for {
		o.mu.Lock()
		t, ok := o.tasks[name]
		if !ok {
			ctx, cancel := context.WithCancel(context.Background())
			t = &downloadTask{
				o:         o,
				name:      name,
				cond:      cond,
				ctx:       ctx,
				cancelCtx: cancel,
				waiters:   make(map[int]*waiter),
			}
			o.tasks[name] = t
			go t.run(local)
		}
		o.mu.Unlock()
		if j, ok := t.join(w); ok {
			return j
		}
	}
}

// deliver completes a caller immediately, off the calling goroutine so the
// public contract stays non-blocking.
func deliver(rec types.LocalModelRecord, err error, onComplete func(types.LocalModelRecord, error)) *Join {
	go onComplete(rec, err)
	return &Join{completed: true}
}
