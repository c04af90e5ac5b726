package orchestrator

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) handleCompress(w http.ResponseWriter, r *http.Request) {
	p, err := o.profile(r.URL.Query().Get("quality"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_quality", err.Error())
		return
	}
	data, err := readBody(r)
	if err != nil {
		o.writeOpError(w, r, "compress", err)
		return
	}
	res, err := o.deps.Engine.CompressWith(r.Context(), data, p, nil)
	if err != nil {
		o.writeOpError(w, r, "compress", err)
		return
	}
	h := w.Header()
	h.Set("X-Compress-Accepted", strconv.FormatBool(res.Accepted))
	h.Set("X-Original-Size", strconv.Itoa(res.OriginalSize))
	h.Set("X-Candidate-Size", strconv.Itoa(res.CandidateSize))
	h.Set("X-Compress-Message", res.Message())
	if res.SmallInput {
		h.Set("X-Small-Input", "true")
	}
	writeFile(w, "application/pdf", "compressed.pdf", res.Bytes)
}

func (o *Orchestrator) handleMerge(w http.ResponseWriter, r *http.Request) {
	if err := parseMultipart(r); err != nil {
		o.writeOpError(w, r, "merge", err)
		return
	}
	defer cleanupForm(r)
	primary, err := formFile(r, "primary")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file", err.Error())
		return
	}
	secondary, err := formFile(r, "secondary")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file", err.Error())
		return
	}
	out, err := o.deps.Engine.Merge(r.Context(), primary, secondary)
	if err != nil {
		o.writeOpError(w, r, "merge", err)
		return
	}
	writeFile(w, "application/pdf", "merged.pdf", out)
}

func (o *Orchestrator) handleSplit(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("range")
	data, err := readBody(r)
	if err != nil {
		o.writeOpError(w, r, "split", err)
		return
	}
	out, err := o.deps.Engine.Split(r.Context(), data, expr)
	if err != nil {
		o.writeOpError(w, r, "split", err)
		return
	}
	writeFile(w, "application/pdf", "split.pdf", out)
}

func (o *Orchestrator) handleProtect(w http.ResponseWriter, r *http.Request) {
	o.handlePassword(w, r, "protect", o.deps.Engine.Protect, "protected.pdf")
}

func (o *Orchestrator) handleUnprotect(w http.ResponseWriter, r *http.Request) {
	o.handlePassword(w, r, "unprotect", o.deps.Engine.Unprotect, "unprotected.pdf")
}

type passwordOp func(ctx context.Context, data []byte, password string) ([]byte, error)

// handlePassword serves protect and unprotect: multipart with file and password.
func (o *Orchestrator) handlePassword(w http.ResponseWriter, r *http.Request, op string, fn passwordOp, name string) {
	if err := parseMultipart(r); err != nil {
		o.writeOpError(w, r, op, err)
		return
	}
	defer cleanupForm(r)
	data, err := formFile(r, "file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file", err.Error())
		return
	}
	out, err := fn(r.Context(), data, r.FormValue("password"))
	if err != nil {
		o.writeOpError(w, r, op, err)
		return
	}
	writeFile(w, "application/pdf", name, out)
}

func (o *Orchestrator) handleExportImages(w http.ResponseWriter, r *http.Request) {
	p, err := o.profile(r.URL.Query().Get("quality"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_quality", err.Error())
		return
	}
	data, err := readBody(r)
	if err != nil {
		o.writeOpError(w, r, "export_images", err)
		return
	}
	out, err := o.deps.Engine.ExportImages(r.Context(), data, p, nil)
	if err != nil {
		o.writeOpError(w, r, "export_images", err)
		return
	}
	writeFile(w, "application/zip", "pages.zip", out)
}

// handlePageCount answers with the number of pages without rendering anything.
func (o *Orchestrator) handlePageCount(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, o.cfg.MaxBodyBytes)
	data, err := readBody(r)
	if err != nil {
		o.writeOpError(w, r, "page_count", err)
		return
	}
	n, err := o.deps.Engine.PageCount(data)
	if err != nil {
		o.writeOpError(w, r, "page_count", err)
		return
	}
	log.Debug().Int("pages", n).Int("size", len(data)).Msg("page count")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "pages": n})
}
