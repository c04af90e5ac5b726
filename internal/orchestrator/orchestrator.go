package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"

	"github.com/local/pdftools/internal/limiter"
	"github.com/local/pdftools/internal/metrics"
	"github.com/local/pdftools/internal/pipeline"
	"github.com/local/pdftools/internal/quality"
	"github.com/local/pdftools/internal/statuscheck"
	"github.com/local/pdftools/internal/storage"
	"github.com/local/pdftools/internal/store"
)

// Engine is the document pipeline the handlers drive.
type Engine interface {
	CompressWith(ctx context.Context, data []byte, p quality.Profile, onProgress pipeline.ProgressFunc) (*pipeline.CompressResult, error)
	Merge(ctx context.Context, primary, secondary []byte) ([]byte, error)
	Split(ctx context.Context, data []byte, expr string) ([]byte, error)
	Protect(ctx context.Context, data []byte, password string) ([]byte, error)
	Unprotect(ctx context.Context, data []byte, password string) ([]byte, error)
	ExportImages(ctx context.Context, data []byte, p quality.Profile, onProgress pipeline.ProgressFunc) ([]byte, error)
	PageCount(data []byte) (int, error)
}

type Queue interface {
	Enqueue(ctx context.Context, payload []byte) error
	CancelJob(ctx context.Context, jobID string) error
}

type StatusStore interface {
	Set(ctx context.Context, jobID string, st store.Status) error
	Get(ctx context.Context, jobID string) (store.Status, bool, error)
}

type Checker interface {
	Summary(ctx context.Context) statuscheck.Summary
}

type Dependencies struct {
	Engine  Engine
	Queue   Queue
	Status  StatusStore
	Blobs   storage.Blobs
	Checker Checker
	Limiter *limiter.Inflight
}

type Config struct {
	MaxBodyBytes   int64
	DefaultQuality string
}

type Orchestrator struct {
	deps Dependencies
	cfg  Config
}

func New(deps Dependencies, cfg Config) *Orchestrator {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 100 << 20
	}
	if cfg.DefaultQuality == "" {
		cfg.DefaultQuality = string(quality.Recommended)
	}
	if deps.Limiter == nil {
		deps.Limiter = limiter.New(2)
	}
	return &Orchestrator{deps: deps, cfg: cfg}
}

func (o *Orchestrator) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) })
	mux.HandleFunc("GET /status", o.handleStatus)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /compress", o.sync("compress", o.handleCompress))
	mux.HandleFunc("POST /merge", o.sync("merge", o.handleMerge))
	mux.HandleFunc("POST /split", o.sync("split", o.handleSplit))
	mux.HandleFunc("POST /protect", o.sync("protect", o.handleProtect))
	mux.HandleFunc("POST /unprotect", o.sync("unprotect", o.handleUnprotect))
	mux.HandleFunc("POST /export_images", o.sync("export_images", o.handleExportImages))
	mux.HandleFunc("POST /page_count", o.handlePageCount)

	mux.HandleFunc("POST /jobs", o.handleCreateJob)
	mux.HandleFunc("GET /jobs/{id}", o.handleJobStatus)
	mux.HandleFunc("GET /jobs/{id}/result", o.handleJobResult)
	mux.HandleFunc("POST /jobs/{id}/cancel", o.handleCancelJob)
}

// Handler returns every route behind gzip response compression.
func (o *Orchestrator) Handler() http.Handler {
	mux := http.NewServeMux()
	o.RegisterRoutes(mux)
	return gzhttp.GzipHandler(mux)
}

func (o *Orchestrator) handleStatus(w http.ResponseWriter, r *http.Request) {
	if o.deps.Checker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	s := o.deps.Checker.Summary(r.Context())
	code := http.StatusOK
	if !s.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, s)
}

// sync limits concurrent synchronous requests per op and caps the body size.
func (o *Orchestrator) sync(op string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		release, ok := o.deps.Limiter.Allow(op)
		if !ok {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusTooManyRequests, "busy", op+" is at capacity; retry later or submit a job")
			return
		}
		defer release()
		r.Body = http.MaxBytesReader(w, r.Body, o.cfg.MaxBodyBytes)
		h(w, r)
	}
}

func (o *Orchestrator) profile(v string) (quality.Profile, error) {
	if v == "" {
		v = o.cfg.DefaultQuality
	}
	return quality.Parse(v)
}

// statusClientClosed is what nginx logs when the caller went away first.
const statusClientClosed = 499

func httpStatus(err error) int {
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadForm), pipeline.IsInputError(err):
		return http.StatusBadRequest
	}
	switch pipeline.Reason(err) {
	case "codec_failure":
		return http.StatusUnprocessableEntity
	case "cancelled":
		return statusClientClosed
	}
	return http.StatusInternalServerError
}

func (o *Orchestrator) writeOpError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := httpStatus(err)
	reason := pipeline.Reason(err)
	switch {
	case code == http.StatusRequestEntityTooLarge:
		reason = "too_large"
	case errors.Is(err, errBadForm):
		reason = "invalid_form"
	}
	ev := log.Warn()
	if code >= 500 && code != statusClientClosed {
		ev = log.Error()
	}
	ev.Err(err).Str("op", op).Str("reason", reason).Str("remote", r.RemoteAddr).Msg("request failed")
	writeError(w, code, reason, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, reason, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "reason": reason, "error": msg})
}

func writeFile(w http.ResponseWriter, contentType, name string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	if name != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// formFile reads one uploaded part. The form must already be parsed.
func formFile(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("missing %s file: %w", field, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

const maxFormMemory = 32 << 20

var errBadForm = errors.New("invalid multipart form")

func parseMultipart(r *http.Request) error {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		return fmt.Errorf("%w: %w", errBadForm, err)
	}
	return nil
}

func cleanupForm(r *http.Request) {
	if r.MultipartForm != nil {
		_ = r.MultipartForm.RemoveAll()
	}
}
