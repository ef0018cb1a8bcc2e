// Package engine executes a single binary download: condition checks, a
// streamed transfer to a temporary file, size/hash verification, and the
// atomic move into the final model path. Transient failures are retried with
// exponential backoff; everything else surfaces on first occurrence.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modelcached/internal/errdefs"
	"modelcached/internal/filestore"
	"modelcached/pkg/types"
)

// Progress receives monotonically non-decreasing fractions in [0,1] at a
// bounded rate for the life of the transfer.
type Progress func(fraction float64)

// Complete receives the terminal result of a transfer, exactly once.
type Complete func(res Result, err error)

// Result describes a finished transfer.
type Result struct {
	// Path is the final model path after the move into place.
	Path string
	// BytesWritten is the verified byte length of the file.
	BytesWritten int64
}

// Handle controls one in-flight transfer.
type Handle interface {
	// Cancel stops network activity, removes any partial temp file and
	// guarantees the Complete callback fires with a cancellation error.
	// Safe to call at any point; a no-op after terminal completion.
	Cancel()
}

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxAttempts      = 3
	defaultRetryBaseDelay   = 500 * time.Millisecond
	defaultProgressInterval = 150 * time.Millisecond
)

// Config encapsulates all tunables for Engine construction.
type Config struct {
	// Client issues the transfer requests. Defaults to http.DefaultClient.
	Client *http.Client
	// Prober reports the current network type. Nil skips condition checks.
	Prober NetworkProber
	// MaxAttempts bounds retries of transient failures.
	MaxAttempts int
	// AttemptTimeout caps a single attempt. Zero disables.
	AttemptTimeout time.Duration
	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration
	// ProgressInterval bounds the progress callback rate.
	ProgressInterval time.Duration
	// Logger for diagnostics.
	Logger zerolog.Logger
}

// Engine owns the transfer session. One Engine serves any number of
// concurrent transfers; each Start call is independent.
type Engine struct {
	cfg Config
	fs  *filestore.Store
}

// New constructs an Engine writing through fs.
func New(fs *filestore.Store, cfg Config) *Engine {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	return &Engine{cfg: cfg, fs: fs}
}

// Start begins a transfer of desc to finalPath and returns immediately.
// onComplete fires exactly once; onProgress never fires after it.
func (e *Engine) Start(desc types.ModelDescriptor, finalPath string, cond types.DownloadConditions, onProgress Progress, onComplete Complete) Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel}
	go e.run(ctx, desc, finalPath, cond, onProgress, onComplete)
	return h
}

type handle struct {
	once   sync.Once
	cancel context.CancelFunc
}

func (h *handle) Cancel() { h.once.Do(h.cancel) }

func (e *Engine) run(ctx context.Context, desc types.ModelDescriptor, finalPath string, cond types.DownloadConditions, onProgress Progress, onComplete Complete) {
	tracker := &progressTracker{cb: onProgress, interval: e.cfg.ProgressInterval}
	var once sync.Once
	finish := func(res Result, err error) {
		once.Do(func() {
			tracker.stop()
			onComplete(res, err)
		})
	}

	if err := checkConditions(e.cfg.Prober, cond); err != nil {
		finish(Result{}, err)
		return
	}

	for attempt := 1; ; attempt++ {
		if desc.Expired(time.Now()) {
			finish(Result{}, errdefs.Wrapf(errdefs.ErrURLExpired, "model %s", desc.Name))
			return
		}
		res, err := e.attempt(ctx, desc, finalPath, tracker)
		if err == nil {
			tracker.force(1)
			finish(res, nil)
			return
		}
		if ctx.Err() != nil {
			finish(Result{}, errdefs.Wrapf(errdefs.ErrCancelled, "model %s", desc.Name))
			return
		}
		if !errdefs.IsNetwork(err) || attempt >= e.cfg.MaxAttempts {
			finish(Result{}, err)
			return
		}
		delay := e.cfg.RetryBaseDelay << (attempt - 1)
		e.cfg.Logger.Warn().Err(err).Str("model", desc.Name).
			Int("attempt", attempt).Dur("backoff", delay).Msg("transfer attempt failed")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			finish(Result{}, errdefs.Wrapf(errdefs.ErrCancelled, "model %s", desc.Name))
			return
		}
	}
}

// attempt performs one full transfer: stream to temp, verify, move into
// place. The temp file never survives an error return.
func (e *Engine) attempt(ctx context.Context, desc types.ModelDescriptor, finalPath string, tracker *progressTracker) (Result, error) {
	actx := ctx
	if e.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(actx, http.MethodGet, desc.DownloadURL, nil)
	if err != nil {
		return Result{}, errdefs.Wrap(errdefs.ErrBackend, err)
	}
	resp, err := e.cfg.Client.Do(req)
	if err != nil {
		return Result{}, errdefs.Wrap(errdefs.ErrNetwork, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return Result{}, errdefs.Wrapf(errdefs.ErrNetwork, "download %s: status %d", desc.Name, resp.StatusCode)
	default:
		return Result{}, errdefs.Wrapf(errdefs.ErrBackend, "download %s: status %d", desc.Name, resp.StatusCode)
	}

	tmp, err := e.fs.TempFile(desc.Name)
	if err != nil {
		return Result{}, errdefs.Wrap(errdefs.ErrStorage, err)
	}
	tmpPath := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	hasher := sha256.New()
	pw := &progressWriter{total: desc.SizeBytes, tracker: tracker}
	written, err := io.Copy(io.MultiWriter(tmp, hasher, pw), resp.Body)
	if err != nil {
		// Covers timeouts and cancellation too; run() reclassifies via ctx.Err().
		discard()
		return Result{}, errdefs.Wrapf(errdefs.ErrNetwork, "download %s: %v", desc.Name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, errdefs.Wrap(errdefs.ErrStorage, err)
	}

	if written != desc.SizeBytes {
		_ = os.Remove(tmpPath)
		return Result{}, errdefs.Wrapf(errdefs.ErrValidation,
			"model %s: got %d bytes, descriptor declares %d", desc.Name, written, desc.SizeBytes)
	}
	if desc.ContentHash != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, desc.ContentHash) {
			_ = os.Remove(tmpPath)
			return Result{}, errdefs.Wrapf(errdefs.ErrValidation,
				"model %s: hash %s does not match descriptor %s", desc.Name, got, desc.ContentHash)
		}
	}

	if err := e.fs.MoveIntoPlace(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, errdefs.Wrap(errdefs.ErrStorage, fmt.Errorf("move %s into place: %w", desc.Name, err))
	}
	e.cfg.Logger.Info().Str("model", desc.Name).Int64("bytes", written).Msg("transfer complete")
	return Result{Path: finalPath, BytesWritten: written}, nil
}

// progressWriter feeds byte counts into the shared tracker.
type progressWriter struct {
	total   int64
	written int64
	tracker *progressTracker
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.total > 0 {
		f := float64(w.written) / float64(w.total)
		if f > 1 {
			f = 1
		}
		w.tracker.report(f)
	}
	return len(p), nil
}

// progressTracker serializes progress callbacks, keeps them monotonically
// non-decreasing across retry restarts, and rate-limits them. stop() makes
// later reports no-ops so progress never fires after the terminal callback.
type progressTracker struct {
	mu       sync.Mutex
	cb       Progress
	interval time.Duration
	lastAt   time.Time
	best     float64
	stopped  bool
}

func (t *progressTracker) report(f float64) {
	if t.cb == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if f < t.best {
		f = t.best
	} else {
		t.best = f
	}
	now := time.Now()
	if f < 1 && now.Sub(t.lastAt) < t.interval {
		return
	}
	t.lastAt = now
	t.cb(f)
}

// force reports f unconditionally (subject to monotonicity), bypassing the
// rate limit. Used for the final 1.0 before completion.
func (t *progressTracker) force(f float64) {
	if t.cb == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if f < t.best {
		f = t.best
	} else {
		t.best = f
	}
	t.lastAt = time.Now()
	t.cb(f)
}

func (t *progressTracker) stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}
