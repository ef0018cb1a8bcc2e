package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelcached/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() ([]types.LocalModelRecord, error)
	Get(ctx context.Context, name string, typ types.DownloadType, cond types.DownloadConditions, onProgress func(float64)) (types.LocalModelRecord, error)
	DeleteModel(name string) error
	Status() types.StatusResponse
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/v1/models", func(w http.ResponseWriter, r *http.Request) { handleList(svc, w, r) })
	r.Post("/v1/models/{name}/download", func(w http.ResponseWriter, r *http.Request) { handleDownload(svc, w, r) })
	r.Delete("/v1/models/{name}", func(w http.ResponseWriter, r *http.Request) { handleDelete(svc, w, r) })

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
			return
		}
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

// handleList godoc
// @Summary      List downloaded models
// @Description  Returns every model with a valid local copy. Never hits the network.
// @Produce      json
// @Success      200 {object} types.ModelsResponse
// @Failure      500 {object} types.ErrorResponse
// @Router       /v1/models [get]
func handleList(svc Service, w http.ResponseWriter, r *http.Request) {
	recs, err := svc.ListModels()
	if err != nil {
		writeJSONError(w, statusFromError(err), err.Error())
		return
	}
	if recs == nil {
		recs = []types.LocalModelRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(types.ModelsResponse{Models: recs}); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

// handleDelete godoc
// @Summary      Delete a downloaded model
// @Description  Removes the local file and metadata entry. Idempotent.
// @Param        name path string true "Model name"
// @Success      204
// @Failure      500 {object} types.ErrorResponse
// @Router       /v1/models/{name} [delete]
func handleDelete(svc Service, w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := svc.DeleteModel(name); err != nil {
		writeJSONError(w, statusFromError(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDownload godoc
// @Summary      Get a model, downloading when needed
// @Description  Streams NDJSON progress events followed by one terminal complete or error event.
// @Accept       json
// @Produce      json
// @Param        name path string true "Model name"
// @Param        request body types.DownloadRequest false "Download options"
// @Success      200 {object} types.ProgressEvent
// @Failure      400 {object} types.ErrorResponse
// @Router       /v1/models/{name}/download [post]
func handleDownload(svc Service, w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	req := types.DownloadRequest{AllowCellular: defaultAllowCellular}
	if r.ContentLength != 0 {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	typ, err := types.ParseDownloadType(req.DownloadType)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	cond := types.DownloadConditions{AllowCellular: req.AllowCellular}

	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	enc := json.NewEncoder(w)
	writeEvent := func(ev types.ProgressEvent) {
		_ = enc.Encode(ev)
		if flush != nil {
			flush()
		}
	}

	lvl := requestLogLevel(r)
	start := time.Now()
	if lvl >= LevelInfo && zlog != nil {
		z := zlog.Info().Str("path", r.URL.Path).Str("model", name).Str("type", string(typ))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("download start")
	}

	// Downloads must stop on daemon shutdown as well as client disconnect.
	joinedCtx, cancel := requestLifetime(r)
	defer cancel()

	// Funnel progress through a channel: the orchestrator calls back from
	// the task goroutine while this handler owns the response writer.
	progCh := make(chan float64, 8)
	onProgress := func(f float64) {
		select {
		case progCh <- f:
		default:
		}
	}
	type result struct {
		rec types.LocalModelRecord
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		rec, err := svc.Get(joinedCtx, name, typ, cond, onProgress)
		resCh <- result{rec: rec, err: err}
	}()

	for {
		select {
		case f := <-progCh:
			writeEvent(types.ProgressEvent{Event: "progress", Fraction: f})
		case res := <-resCh:
			if res.err != nil {
				// Client already disconnected: nothing left to tell it.
				if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
					return
				}
				code := statusFromError(res.err)
				writeEvent(types.ProgressEvent{Event: "error", Error: res.err.Error(), Code: code})
				if lvl >= LevelInfo && zlog != nil {
					z := zlog.Info().Int("status", code).Dur("dur", time.Since(start))
					if rid := middleware.GetReqID(r.Context()); rid != "" {
						z = z.Str("request_id", rid)
					}
					z.Err(res.err).Msg("download end")
				}
				return
			}
			writeEvent(types.ProgressEvent{Event: "complete", Model: &res.rec})
			if lvl >= LevelInfo && zlog != nil {
				z := zlog.Info().Int("status", http.StatusOK).Dur("dur", time.Since(start))
				if rid := middleware.GetReqID(r.Context()); rid != "" {
					z = z.Str("request_id", rid)
				}
				z.Msg("download end")
			}
			return
		}
	}
}
