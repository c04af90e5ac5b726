// Package transcode rasterizes single pages into JPEG images sized to be
// placed back onto a page of the original dimensions.
package transcode

import (
	"errors"
	"fmt"
	"image"

	"github.com/local/pdftools/internal/codec"
	"github.com/rs/zerolog/log"
)

var (
	ErrRenderFailed = errors.New("page render failed")
	ErrEncodeFailed = errors.New("page encode failed")
)

// Error carries the failing page (zero-based) and the underlying codec error.
// It matches ErrRenderFailed or ErrEncodeFailed with errors.Is.
type Error struct {
	Page int
	Kind error
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("page %d: %v: %v", e.Page+1, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error { return []error{e.Kind, e.Err} }

// Page is one transcoded page. Width and Height are the placement size in
// points: the rendered viewport scaled back by 1/scale, which is the visible
// (cropped, rotated) size of the source page.
type Page struct {
	Image       []byte
	Width       float64
	Height      float64
	PixelWidth  int
	PixelHeight int
}

// Rasterizer is the part of codec.Codec the transcoder needs.
type Rasterizer interface {
	RenderPage(src codec.Source, page int, scale float64) (image.Image, error)
	EncodeImage(img image.Image, quality float64) ([]byte, error)
}

type Transcoder struct {
	codec Rasterizer
}

func New(c Rasterizer) *Transcoder {
	return &Transcoder{codec: c}
}

// Transcode renders page at scale and encodes it at quality. The rendered
// surface is discarded before returning.
func (t *Transcoder) Transcode(doc codec.Source, page int, scale, quality float64) (Page, error) {
	if scale <= 0 {
		return Page{}, &Error{Page: page, Kind: ErrRenderFailed, Err: fmt.Errorf("invalid scale %.2f", scale)}
	}
	size, err := doc.PageSize(page)
	if err != nil {
		return Page{}, &Error{Page: page, Kind: ErrRenderFailed, Err: err}
	}

	img, err := t.codec.RenderPage(doc, page, scale)
	if err != nil {
		return Page{}, &Error{Page: page, Kind: ErrRenderFailed, Err: err}
	}
	jpg, err := t.codec.EncodeImage(img, quality)
	if err != nil {
		return Page{}, &Error{Page: page, Kind: ErrEncodeFailed, Err: err}
	}

	// Placement comes from the viewport, not the integer raster, so the
	// output page keeps the visible point size at any scale.
	viewport := size.Scaled(scale)
	b := img.Bounds()
	out := Page{
		Image:       jpg,
		Width:       viewport.Width / scale,
		Height:      viewport.Height / scale,
		PixelWidth:  b.Dx(),
		PixelHeight: b.Dy(),
	}

	log.Debug().
		Int("page", page+1).
		Int("px_w", out.PixelWidth).
		Int("px_h", out.PixelHeight).
		Float64("pt_w", out.Width).
		Float64("pt_h", out.Height).
		Int("bytes", len(jpg)).
		Msg("transcoded page")
	return out, nil
}
