package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"

	"github.com/rs/zerolog/log"
)

// BaseDPI is the resolution at which one pixel equals one PDF point.
const BaseDPI = 72.0

// RenderPage rasterizes the visible area of page (zero-based) at scale; the
// surface is PageSize(page).Scaled(scale) pixels, rounded.
func (c *PDF) RenderPage(src Source, page int, scale float64) (image.Image, error) {
	if scale <= 0 {
		return nil, fmt.Errorf("render scale must be positive, got %.2f", scale)
	}
	d, err := asDocument(src)
	if err != nil {
		return nil, err
	}
	if page < 0 || page >= d.PageCount() {
		return nil, fmt.Errorf("%w: page %d of %d", ErrPageRange, page, d.PageCount())
	}
	doc, err := d.renderer()
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF for rendering: %w", err)
	}

	// go-fitz uses 0-based indexing
	img, err := doc.ImageDPI(page, BaseDPI*scale)
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", page+1, err)
	}

	b := img.Bounds()
	log.Debug().
		Int("page", page+1).
		Int("width", b.Dx()).
		Int("height", b.Dy()).
		Float64("scale", scale).
		Msg("rendered page")
	return img, nil
}

// EncodeImage encodes img as JPEG. quality is in (0, 1] and maps onto the
// encoder's 1..100 scale. Transparent areas are flattened onto white.
func (c *PDF) EncodeImage(img image.Image, quality float64) ([]byte, error) {
	if quality <= 0 || quality > 1 {
		return nil, fmt.Errorf("encode quality must be in (0, 1], got %.2f", quality)
	}
	q := int(math.Round(quality * 100))
	if q < 1 {
		q = 1
	}

	bounds := img.Bounds()
	flat := image.NewRGBA(bounds)
	draw.Draw(flat, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, bounds, img, bounds.Min, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}

	log.Debug().
		Int("jpeg_size", buf.Len()).
		Int("quality", q).
		Msg("encoded page as JPEG")
	return buf.Bytes(), nil
}
