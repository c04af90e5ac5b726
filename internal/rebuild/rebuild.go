// Package rebuild assembles output documents from one or two sources, either
// by rasterizing every page or by structural page copies.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/local/pdftools/internal/codec"
	"github.com/local/pdftools/internal/transcode"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptySelection = errors.New("no pages selected")
	ErrCancelled      = errors.New("operation cancelled")
	ErrCopyFailed     = errors.New("page copy failed")
	ErrAssembleFailed = errors.New("document assembly failed")
)

// ProgressFunc receives a completion percentage after each finished page.
type ProgressFunc func(percent int)

// Codec is the subset of codec.Codec the rebuilder uses.
type Codec interface {
	transcode.Rasterizer
	NewDocument() codec.Writer
	CopyPages(src codec.Source, pages []int) ([]byte, error)
	AppendPages(primary, secondary codec.Source) ([]byte, error)
}

type Rebuilder struct {
	codec      Codec
	transcoder *transcode.Transcoder
}

func New(c Codec) *Rebuilder {
	return &Rebuilder{codec: c, transcoder: transcode.New(c)}
}

// Percent is round(100*done/total).
func Percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(100 * float64(done) / float64(total)))
}

func cancelled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}

// Rasterize transcodes every page of doc in ascending order, one at a time,
// handing each result to emit. ctx is checked before each page starts; a
// page in flight always completes.
func (r *Rebuilder) Rasterize(ctx context.Context, doc codec.Source, scale, quality float64, onProgress ProgressFunc, emit func(page int, p transcode.Page) error) error {
	n := doc.PageCount()
	if n == 0 {
		return codec.ErrNoPages
	}
	for i := 0; i < n; i++ {
		if err := cancelled(ctx); err != nil {
			log.Debug().Int("page", i+1).Int("pages", n).Msg("cancelled at page boundary")
			return err
		}
		p, err := r.transcoder.Transcode(doc, i, scale, quality)
		if err != nil {
			return err
		}
		if err := emit(i, p); err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(Percent(i+1, n))
		}
	}
	return nil
}

// ByTranscoding rebuilds doc as one full-page JPEG per page. Nothing is
// serialized until every page is done.
func (r *Rebuilder) ByTranscoding(ctx context.Context, doc codec.Source, scale, quality float64, onProgress ProgressFunc) ([]byte, error) {
	out := r.codec.NewDocument()
	err := r.Rasterize(ctx, doc, scale, quality, onProgress, func(page int, p transcode.Page) error {
		if err := out.AddPage(p.Width, p.Height); err != nil {
			return fmt.Errorf("%w: page %d: %w", ErrAssembleFailed, page+1, err)
		}
		if err := out.DrawImage(p.Image, 0, 0, p.Width, p.Height); err != nil {
			return fmt.Errorf("%w: page %d: %w", ErrAssembleFailed, page+1, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b, err := out.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAssembleFailed, err)
	}
	return b, nil
}

// ByAppending returns primary followed by all pages of secondary in order.
func (r *Rebuilder) ByAppending(ctx context.Context, primary, secondary codec.Source) ([]byte, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	b, err := r.codec.AppendPages(primary, secondary)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCopyFailed, err)
	}
	return b, nil
}

// BySelection copies the selected pages of doc, in selection order, into a
// new document.
func (r *Rebuilder) BySelection(ctx context.Context, doc codec.Source, selection []int) ([]byte, error) {
	if len(selection) == 0 {
		return nil, ErrEmptySelection
	}
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	b, err := r.codec.CopyPages(doc, selection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCopyFailed, err)
	}
	return b, nil
}
