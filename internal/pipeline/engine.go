// Package pipeline exposes the document operations: compress, merge and split,
// plus protect, unprotect and image export. Each call loads its inputs, runs
// one rebuild and returns new bytes; the Engine keeps no per-document state.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/local/pdftools/internal/codec"
	"github.com/local/pdftools/internal/filetype"
	"github.com/local/pdftools/internal/logger"
	"github.com/local/pdftools/internal/metrics"
	"github.com/local/pdftools/internal/pagerange"
	"github.com/local/pdftools/internal/quality"
	"github.com/local/pdftools/internal/rebuild"
	"github.com/local/pdftools/internal/sizeguard"
	"github.com/local/pdftools/internal/transcode"
)

// SmallInputThreshold is the size below which compress rarely helps.
const SmallInputThreshold = 100 * 1024

// ProgressFunc receives a completion percentage after each finished page.
type ProgressFunc = rebuild.ProgressFunc

// CompressResult is the outcome of a compress run that did not fail. When
// Accepted is false, Bytes is the caller's input, untouched.
type CompressResult struct {
	Accepted      bool
	Bytes         []byte
	OriginalSize  int
	CandidateSize int
	Pages         int
	Profile       quality.Profile
	// SmallInput is a hint that the input was already very small.
	SmallInput bool
}

// Message describes the outcome for users.
func (r *CompressResult) Message() string {
	return sizeguard.Guard(r.OriginalSize, r.CandidateSize).String()
}

type Option func(*Engine)

// WithStateFunc registers an observer for state transitions.
func WithStateFunc(f StateFunc) Option {
	return func(e *Engine) { e.onState = f }
}

type Engine struct {
	codec     codec.Codec
	rebuilder *rebuild.Rebuilder
	detector  *filetype.Detector
	onState   StateFunc
}

func New(c codec.Codec, opts ...Option) *Engine {
	e := &Engine{
		codec:     c,
		rebuilder: rebuild.New(c),
		detector:  filetype.New(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) begin(ctx context.Context, op string) *run {
	return &run{op: op, state: Idle, observe: e.onState, log: logger.Op(ctx, op)}
}

// Compress rasterizes every page at the setting's profile and keeps the
// result only if it is strictly smaller than data.
func (e *Engine) Compress(ctx context.Context, data []byte, setting quality.Setting, onProgress ProgressFunc) (*CompressResult, error) {
	return e.CompressWith(ctx, data, quality.Resolve(setting), onProgress)
}

// CompressWith is Compress with an explicit scale and quality.
func (e *Engine) CompressWith(ctx context.Context, data []byte, p quality.Profile, onProgress ProgressFunc) (*CompressResult, error) {
	r := e.begin(ctx, "compress")
	start := time.Now()

	r.enter(Loading)
	doc, err := e.load(data)
	if err != nil {
		return nil, e.fail(r, start, err)
	}
	defer doc.Close()
	pages := doc.PageCount()

	r.enter(Transcoding)
	progress := func(pct int) {
		if onProgress != nil {
			onProgress(pct)
		}
		if pct == 100 {
			r.enter(Assembling)
		}
	}
	candidate, err := e.rebuilder.ByTranscoding(ctx, doc, p.Scale, p.Quality, progress)
	if err != nil {
		return nil, e.fail(r, start, codecFailure(err))
	}
	metrics.AddPages(r.op, pages)

	r.enter(Guarding)
	d := sizeguard.Guard(len(data), len(candidate))
	res := &CompressResult{
		Accepted:      d.Accept,
		OriginalSize:  d.Original,
		CandidateSize: d.Candidate,
		Pages:         pages,
		Profile:       p,
		SmallInput:    len(data) < SmallInputThreshold,
	}
	result := "accepted"
	if d.Accept {
		res.Bytes = candidate
		r.enter(Accepted)
	} else {
		res.Bytes = data
		result = "rejected"
		r.enter(Rejected)
	}
	metrics.ObserveCompressRatio(d.Ratio())
	metrics.ObserveOperation(r.op, result, time.Since(start))

	r.log.Info().
		Int("pages", pages).
		Float64("scale", p.Scale).
		Float64("quality", p.Quality).
		Int("original_size", d.Original).
		Int("candidate_size", d.Candidate).
		Bool("accepted", d.Accept).
		Dur("took", time.Since(start)).
		Msg(d.String())
	return res, nil
}

// Merge returns primary with every page of secondary appended after it.
func (e *Engine) Merge(ctx context.Context, primary, secondary []byte) ([]byte, error) {
	r := e.begin(ctx, "merge")
	start := time.Now()

	r.enter(Loading)
	a, err := e.load(primary)
	if err != nil {
		return nil, e.fail(r, start, fmt.Errorf("primary: %w", err))
	}
	defer a.Close()
	b, err := e.load(secondary)
	if err != nil {
		return nil, e.fail(r, start, fmt.Errorf("secondary: %w", err))
	}
	defer b.Close()

	out, err := e.rebuilder.ByAppending(ctx, a, b)
	if err != nil {
		return nil, e.fail(r, start, codecFailure(err))
	}
	pages := a.PageCount() + b.PageCount()
	metrics.AddPages(r.op, pages)
	return e.done(r, start, out, pages), nil
}

// Split keeps the pages selected by expr, in selection order.
func (e *Engine) Split(ctx context.Context, data []byte, expr string) ([]byte, error) {
	r := e.begin(ctx, "split")
	start := time.Now()

	r.enter(Loading)
	doc, err := e.load(data)
	if err != nil {
		return nil, e.fail(r, start, err)
	}
	defer doc.Close()

	sel, err := pagerange.Parse(expr, doc.PageCount())
	if err != nil {
		return nil, e.fail(r, start, fmt.Errorf("%w %q: %w", ErrInvalidRange, expr, err))
	}
	out, err := e.rebuilder.BySelection(ctx, doc, sel)
	if errors.Is(err, rebuild.ErrEmptySelection) {
		return nil, e.fail(r, start, fmt.Errorf("%w: %w", ErrInvalidRange, err))
	}
	if err != nil {
		return nil, e.fail(r, start, codecFailure(err))
	}
	metrics.AddPages(r.op, len(sel))
	return e.done(r, start, out, len(sel)), nil
}

// Protect encrypts data with password as both user and owner password.
func (e *Engine) Protect(ctx context.Context, data []byte, password string) ([]byte, error) {
	r := e.begin(ctx, "protect")
	start := time.Now()
	if password == "" {
		return nil, e.fail(r, start, ErrPasswordRequired)
	}

	r.enter(Loading)
	doc, err := e.load(data)
	if err != nil {
		return nil, e.fail(r, start, err)
	}
	defer doc.Close()
	if err := ctx.Err(); err != nil {
		return nil, e.fail(r, start, fmt.Errorf("%w: %w", ErrCancelled, err))
	}

	out, err := e.codec.Encrypt(doc, password, password)
	if err != nil {
		return nil, e.fail(r, start, codecFailure(err))
	}
	return e.done(r, start, out, doc.PageCount()), nil
}

// Unprotect removes the password from data.
func (e *Engine) Unprotect(ctx context.Context, data []byte, password string) ([]byte, error) {
	r := e.begin(ctx, "unprotect")
	start := time.Now()
	if password == "" {
		return nil, e.fail(r, start, ErrPasswordRequired)
	}

	r.enter(Loading)
	if !e.detector.IsPDF(data) {
		return nil, e.fail(r, start, ErrInvalidDocument)
	}
	if err := ctx.Err(); err != nil {
		return nil, e.fail(r, start, fmt.Errorf("%w: %w", ErrCancelled, err))
	}

	out, err := e.codec.Decrypt(data, password)
	switch {
	case errors.Is(err, codec.ErrWrongPassword):
		return nil, e.fail(r, start, fmt.Errorf("%w: %w", ErrWrongPassword, err))
	case errors.Is(err, codec.ErrLoad):
		return nil, e.fail(r, start, fmt.Errorf("%w: %w", ErrInvalidDocument, err))
	case err != nil:
		return nil, e.fail(r, start, codecFailure(err))
	}
	return e.done(r, start, out, 0), nil
}

// ExportImages renders every page the way Compress does and returns a ZIP of
// page-001.jpg, page-002.jpg, ...
func (e *Engine) ExportImages(ctx context.Context, data []byte, p quality.Profile, onProgress ProgressFunc) ([]byte, error) {
	r := e.begin(ctx, "export_images")
	start := time.Now()

	r.enter(Loading)
	doc, err := e.load(data)
	if err != nil {
		return nil, e.fail(r, start, err)
	}
	defer doc.Close()

	r.enter(Transcoding)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	err = e.rebuilder.Rasterize(ctx, doc, p.Scale, p.Quality, onProgress, func(page int, tp transcode.Page) error {
		// JPEG does not deflate; store as is
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     fmt.Sprintf("page-%03d.jpg", page+1),
			Method:   zip.Store,
			Modified: start,
		})
		if err != nil {
			return err
		}
		_, err = w.Write(tp.Image)
		return err
	})
	if err != nil {
		return nil, e.fail(r, start, codecFailure(err))
	}
	if err := zw.Close(); err != nil {
		return nil, e.fail(r, start, fmt.Errorf("close archive: %w", err))
	}
	metrics.AddPages(r.op, doc.PageCount())
	return e.done(r, start, buf.Bytes(), doc.PageCount()), nil
}

// PageCount loads data and reports how many pages it has.
func (e *Engine) PageCount(data []byte) (int, error) {
	doc, err := e.load(data)
	if err != nil {
		return 0, err
	}
	defer doc.Close()
	return doc.PageCount(), nil
}

func (e *Engine) load(data []byte) (codec.Source, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidDocument)
	}
	if info := e.detector.DetectBytes(data); !info.Supported {
		return nil, fmt.Errorf("%w: detected %s", ErrInvalidDocument, info.MIMEType)
	}
	doc, err := e.codec.Load(data)
	switch {
	case err == nil:
		return doc, nil
	case errors.Is(err, codec.ErrEncrypted):
		return nil, fmt.Errorf("%w: %w", ErrProtected, err)
	default:
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
}

func codecFailure(err error) error {
	if errors.Is(err, ErrCancelled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCodecFailure, err)
}

func (e *Engine) done(r *run, start time.Time, out []byte, pages int) []byte {
	r.enter(Done)
	metrics.ObserveOperation(r.op, "success", time.Since(start))
	r.log.Info().Int("pages", pages).Int("size", len(out)).Dur("took", time.Since(start)).Msg("operation complete")
	return out
}

func (e *Engine) fail(r *run, start time.Time, err error) error {
	reason := Reason(err)
	if reason == "cancelled" {
		r.enter(Cancelled)
		r.log.Info().Msg("operation cancelled")
	} else {
		r.enter(Failed)
		ev := r.log.Warn()
		if !IsInputError(err) {
			ev = r.log.Error()
		}
		ev.Err(err).Str("reason", reason).Msg("operation failed")
	}
	metrics.ObserveOperation(r.op, reason, time.Since(start))
	return err
}
