package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/rs/zerolog/log"
)

// document is the Source implementation: the original bytes, the parsed
// pdfcpu context, and a MuPDF handle opened on first render.
type document struct {
	data  []byte
	ctx   *model.Context
	dims  []Size
	fitz  *fitz.Document
	fitzE error
}

func (d *document) PageCount() int { return len(d.dims) }

func (d *document) PageSize(page int) (Size, error) {
	if page < 0 || page >= len(d.dims) {
		return Size{}, fmt.Errorf("%w: page %d of %d", ErrPageRange, page, len(d.dims))
	}
	return d.dims[page], nil
}

func (d *document) Bytes() []byte { return d.data }

func (d *document) Close() error {
	if d.fitz != nil {
		err := d.fitz.Close()
		d.fitz = nil
		return err
	}
	return nil
}

// renderer opens the MuPDF view of the document once and reuses it.
func (d *document) renderer() (*fitz.Document, error) {
	if d.fitz == nil && d.fitzE == nil {
		d.fitz, d.fitzE = fitz.NewFromMemory(d.data)
	}
	return d.fitz, d.fitzE
}

func newConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Load parses data and reads the page geometry.
func (c *PDF) Load(data []byte) (Source, error) {
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), newConfig())
	if err != nil {
		if errors.Is(err, pdfcpu.ErrWrongPassword) {
			return nil, ErrEncrypted
		}
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	dims := make([]Size, ctx.PageCount)
	for i := range dims {
		_, _, attrs, err := ctx.PageDict(i+1, false)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", ErrLoad, i+1, err)
		}
		if dims[i], err = visibleSize(attrs.MediaBox, attrs.CropBox, attrs.Rotate); err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", ErrLoad, i+1, err)
		}
	}
	log.Debug().Int("pages", len(dims)).Int("bytes", len(data)).Msg("loaded PDF")
	return &document{data: data, ctx: ctx, dims: dims}, nil
}

// visibleSize is the area a viewer shows and MuPDF renders: the crop box
// clipped to the media box, turned by the page rotation. Boxes come from the
// page's own inheritance chain; sibling pages never contribute.
func visibleSize(media, crop *types.Rectangle, rotate int) (Size, error) {
	if media == nil {
		return Size{}, errors.New("missing media box")
	}
	r := *media
	if crop != nil {
		clipped := types.Rectangle{
			LL: types.Point{X: math.Max(crop.LL.X, media.LL.X), Y: math.Max(crop.LL.Y, media.LL.Y)},
			UR: types.Point{X: math.Min(crop.UR.X, media.UR.X), Y: math.Min(crop.UR.Y, media.UR.Y)},
		}
		if clipped.Width() > 0 && clipped.Height() > 0 {
			r = clipped
		}
	}
	s := Size{Width: math.Abs(r.Width()), Height: math.Abs(r.Height())}
	if rotate%180 != 0 {
		s.Width, s.Height = s.Height, s.Width
	}
	if s.Width == 0 || s.Height == 0 {
		return Size{}, fmt.Errorf("empty page area %.2fx%.2f", s.Width, s.Height)
	}
	return s, nil
}

func asDocument(src Source) (*document, error) {
	d, ok := src.(*document)
	if !ok {
		return nil, fmt.Errorf("codec: source %T was not loaded by this codec", src)
	}
	return d, nil
}

// CopyPages extracts pages (zero-based) into a new document in the order given.
func (c *PDF) CopyPages(src Source, pages []int) ([]byte, error) {
	d, err := asDocument(src)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, ErrNoPages
	}
	pageNrs := make([]int, len(pages))
	for i, p := range pages {
		if p < 0 || p >= d.PageCount() {
			return nil, fmt.Errorf("%w: page %d of %d", ErrPageRange, p, d.PageCount())
		}
		pageNrs[i] = p + 1
	}
	out, err := pdfcpu.ExtractPages(d.ctx, pageNrs, false)
	if err != nil {
		return nil, fmt.Errorf("extract pages: %w", err)
	}
	var buf bytes.Buffer
	if err := api.WriteContext(out, &buf); err != nil {
		return nil, fmt.Errorf("write document: %w", err)
	}
	return buf.Bytes(), nil
}

// AppendPages merges secondary after primary without re-rendering anything.
func (c *PDF) AppendPages(primary, secondary Source) ([]byte, error) {
	var buf bytes.Buffer
	rsc := []io.ReadSeeker{bytes.NewReader(primary.Bytes()), bytes.NewReader(secondary.Bytes())}
	if err := api.MergeRaw(rsc, &buf, false, newConfig()); err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	return buf.Bytes(), nil
}

// Encrypt protects src with AES-256.
func (c *PDF) Encrypt(src Source, userPW, ownerPW string) ([]byte, error) {
	conf := model.NewAESConfiguration(userPW, ownerPW, 256)
	conf.ValidationMode = model.ValidationRelaxed
	var buf bytes.Buffer
	if err := api.Encrypt(bytes.NewReader(src.Bytes()), &buf, conf); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return buf.Bytes(), nil
}

// Decrypt removes password protection from data.
func (c *PDF) Decrypt(data []byte, password string) ([]byte, error) {
	conf := newConfig()
	conf.UserPW = password
	conf.OwnerPW = password
	var buf bytes.Buffer
	if err := api.Decrypt(bytes.NewReader(data), &buf, conf); err != nil {
		if errors.Is(err, pdfcpu.ErrWrongPassword) {
			return nil, ErrWrongPassword
		}
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return buf.Bytes(), nil
}
