package orchestrator

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/pdftools/internal/dispatcher"
	"github.com/local/pdftools/internal/quality"
	"github.com/local/pdftools/internal/storage"
	"github.com/local/pdftools/internal/store"
)

var inputFields = [...]string{"file", "file2"}

// handleCreateJob accepts multipart/form-data with op, file, file2 (merge
// only), quality, range and password, stores the uploads and enqueues a job.
func (o *Orchestrator) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, o.cfg.MaxBodyBytes*int64(len(inputFields)))
	if err := parseMultipart(r); err != nil {
		o.writeOpError(w, r, "jobs", err)
		return
	}
	defer cleanupForm(r)

	op, err := dispatcher.ParseOp(r.FormValue("op"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_job", err.Error())
		return
	}
	job := dispatcher.Job{
		ID:        uuid.NewString(),
		Op:        op,
		Quality:   r.FormValue("quality"),
		Range:     r.FormValue("range"),
		Password:  r.FormValue("password"),
		CreatedAt: time.Now().UTC(),
	}
	if err := job.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_job", err.Error())
		return
	}
	if job.Quality != "" {
		if _, err := quality.Parse(job.Quality); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_quality", err.Error())
			return
		}
	}

	inputs := make([][]byte, op.Inputs())
	for i := range inputs {
		if inputs[i], err = formFile(r, inputFields[i]); err != nil {
			writeError(w, http.StatusBadRequest, "missing_file", err.Error())
			return
		}
	}

	ctx := r.Context()
	for i, data := range inputs {
		if err := o.deps.Blobs.Put(ctx, storage.InputKey(job.ID, i), data); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("storing upload failed")
			writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable")
			return
		}
	}

	created := job.CreatedAt
	_ = o.deps.Status.Set(ctx, job.ID, store.Status{
		Status:   store.StatusQueued,
		Message:  "queued",
		Start:    &created,
		Metadata: map[string]any{"op": string(op)},
	})
	if err := o.deps.Queue.Enqueue(ctx, job.Marshal()); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("enqueue failed")
		for i := range inputs {
			_ = o.deps.Blobs.Delete(ctx, storage.InputKey(job.ID, i))
		}
		now := time.Now()
		_ = o.deps.Status.Set(ctx, job.ID, store.Status{Status: store.StatusFailed, Message: "queue unavailable", End: &now,
			Metadata: map[string]any{"op": string(op), "reason": "internal"}})
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "queue unavailable")
		return
	}

	log.Info().Str("job_id", job.ID).Str("op", string(op)).Int("inputs", len(inputs)).Msg("job created")
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"job_id":  job.ID,
		"status":  store.StatusQueued,
	})
}

func (o *Orchestrator) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok, err := o.deps.Status.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "status unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	resp := map[string]any{
		"success":    st.Status == store.StatusSuccess || st.Status == store.StatusRejected,
		"job_id":     id,
		"status":     st.Status,
		"progress":   st.Progress,
		"message":    st.Message,
		"start_time": st.Start,
		"end_time":   st.End,
		"metadata":   st.Metadata,
	}
	if reason, ok := st.Metadata["reason"].(string); ok {
		resp["reason"] = reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleJobResult serves the output of a finished job. A rejected compress
// job still has a result: the original document.
func (o *Orchestrator) handleJobResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok, err := o.deps.Status.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "status unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	switch st.Status {
	case store.StatusSuccess, store.StatusRejected:
	case store.StatusFailed, store.StatusCancelled:
		writeError(w, http.StatusConflict, st.Status, "job "+st.Status+": no result")
		return
	default:
		writeError(w, http.StatusAccepted, "not_ready", "job "+st.Status)
		return
	}

	data, err := o.deps.Blobs.Get(r.Context(), storage.ResultKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusGone, "expired", "result expired")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("reading result failed")
		writeError(w, http.StatusInternalServerError, "internal", "result unavailable")
		return
	}

	contentType, _ := st.Metadata["content_type"].(string)
	if contentType == "" {
		contentType = "application/pdf"
	}
	name := id + ".pdf"
	if contentType == "application/zip" {
		name = id + ".zip"
	}
	if accepted, ok := st.Metadata["accepted"].(bool); ok {
		w.Header().Set("X-Compress-Accepted", strconv.FormatBool(accepted))
	}
	writeFile(w, contentType, name, data)
}

func (o *Orchestrator) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	st, ok, err := o.deps.Status.Get(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "status unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if store.IsTerminal(st.Status) {
		writeError(w, http.StatusConflict, st.Status, "job already "+st.Status)
		return
	}
	// the worker checks this before it starts and between pages
	if err := o.deps.Queue.CancelJob(ctx, id); err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("cancel failed")
		writeError(w, http.StatusInternalServerError, "internal", "cancel failed")
		return
	}

	status := "cancelling"
	if st.Status == store.StatusQueued {
		now := time.Now()
		st.Status = store.StatusCancelled
		st.Message = "cancelled"
		st.End = &now
		_ = o.deps.Status.Set(ctx, id, st)
		status = store.StatusCancelled
	}
	log.Info().Str("job_id", id).Str("status", status).Msg("job cancel requested")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job_id": id, "status": status})
}

