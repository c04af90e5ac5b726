// Package codectest provides an in-memory codec.Codec for tests. Documents
// are JSON page lists, so results can be loaded back and inspected.
package codectest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/local/pdftools/internal/codec"
)

// Page is one page of a fake document.
type Page struct {
	ID     string  `json:"id"`
	Width  float64 `json:"w"`
	Height float64 `json:"h"`
	// set on pages built by the fake Writer
	ImageLen int     `json:"image_len,omitempty"`
	DrawX    float64 `json:"draw_x,omitempty"`
	DrawY    float64 `json:"draw_y,omitempty"`
	DrawW    float64 `json:"draw_w,omitempty"`
	DrawH    float64 `json:"draw_h,omitempty"`
}

type file struct {
	Pages    []Page `json:"pages"`
	Password string `json:"password,omitempty"`
}

// Header starts every fake document so it sniffs as a PDF.
const Header = "%PDF-1.4\n%fake\n"

// Doc builds fake document bytes, padded with trailing spaces to at least size bytes.
func Doc(size int, pages ...Page) []byte {
	return encode(file{Pages: pages}, size)
}

func encode(f file, size int) []byte {
	b, _ := json.Marshal(f)
	return pad(append([]byte(Header), b...), size)
}

func decode(data []byte) (file, error) {
	var f file
	if !bytes.HasPrefix(data, []byte(Header)) {
		return f, errors.New("missing fake header")
	}
	err := json.Unmarshal(data[len(Header):], &f)
	return f, err
}

// Pages returns n pages of the given size with IDs prefix-0, prefix-1, ...
func Pages(prefix string, n int, w, h float64) []Page {
	out := make([]Page, n)
	for i := range out {
		out[i] = Page{ID: fmt.Sprintf("%s-%d", prefix, i), Width: w, Height: h}
	}
	return out
}

// Read decodes fake document bytes.
func Read(data []byte) ([]Page, error) {
	f, err := decode(data)
	if err != nil {
		return nil, err
	}
	return f.Pages, nil
}

func pad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	return append(b, bytes.Repeat([]byte(" "), size-len(b))...)
}

// Codec is the fake. Zero value is usable.
type Codec struct {
	// ImageLen is the size of every encoded image (default 16, minimum 2).
	ImageLen int
	// OutputSize pads documents produced by NewDocument to this many bytes.
	OutputSize int
	RenderErr  map[int]error
	EncodeErr  error
	CopyErr    error
	// OnRender runs before each page render.
	OnRender func(page int)

	mu        sync.Mutex
	rendered  []int
	scales    []float64
	qualities []float64
}

var _ codec.Codec = (*Codec)(nil)

// Rendered returns the pages rendered so far, in call order.
func (c *Codec) Rendered() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.rendered...)
}

// Scales returns the render scales used, in call order.
func (c *Codec) Scales() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.scales...)
}

// Qualities returns the encode qualities used, in call order.
func (c *Codec) Qualities() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.qualities...)
}

type source struct {
	data  []byte
	pages []Page
}

func (s *source) PageCount() int { return len(s.pages) }
func (s *source) Bytes() []byte  { return s.data }
func (s *source) Close() error   { return nil }

func (s *source) PageSize(page int) (codec.Size, error) {
	if page < 0 || page >= len(s.pages) {
		return codec.Size{}, fmt.Errorf("%w: page %d", codec.ErrPageRange, page)
	}
	return codec.Size{Width: s.pages[page].Width, Height: s.pages[page].Height}, nil
}

func (c *Codec) Load(data []byte) (codec.Source, error) {
	f, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", codec.ErrLoad, err)
	}
	if f.Password != "" {
		return nil, codec.ErrEncrypted
	}
	return &source{data: data, pages: f.Pages}, nil
}

func (c *Codec) RenderPage(src codec.Source, page int, scale float64) (image.Image, error) {
	if c.OnRender != nil {
		c.OnRender(page)
	}
	c.mu.Lock()
	c.rendered = append(c.rendered, page)
	c.scales = append(c.scales, scale)
	c.mu.Unlock()
	if err := c.RenderErr[page]; err != nil {
		return nil, err
	}
	size, err := src.PageSize(page)
	if err != nil {
		return nil, err
	}
	v := size.Scaled(scale)
	return image.NewGray(image.Rect(0, 0, int(math.Round(v.Width)), int(math.Round(v.Height)))), nil
}

func (c *Codec) EncodeImage(img image.Image, quality float64) ([]byte, error) {
	c.mu.Lock()
	c.qualities = append(c.qualities, quality)
	c.mu.Unlock()
	if c.EncodeErr != nil {
		return nil, c.EncodeErr
	}
	n := c.ImageLen
	if n < 2 {
		n = 16
	}
	out := make([]byte, n)
	out[0], out[1] = 0xFF, 0xD8
	return out, nil
}

func (c *Codec) NewDocument() codec.Writer { return &writer{size: c.OutputSize} }

func (c *Codec) CopyPages(src codec.Source, pages []int) ([]byte, error) {
	if c.CopyErr != nil {
		return nil, c.CopyErr
	}
	s := src.(*source)
	var out []Page
	for _, p := range pages {
		if p < 0 || p >= len(s.pages) {
			return nil, fmt.Errorf("%w: page %d", codec.ErrPageRange, p)
		}
		out = append(out, s.pages[p])
	}
	return Doc(0, out...), nil
}

func (c *Codec) AppendPages(primary, secondary codec.Source) ([]byte, error) {
	if c.CopyErr != nil {
		return nil, c.CopyErr
	}
	a, b := primary.(*source), secondary.(*source)
	out := append(append([]Page(nil), a.pages...), b.pages...)
	return Doc(0, out...), nil
}

func (c *Codec) Encrypt(src codec.Source, userPW, ownerPW string) ([]byte, error) {
	return encode(file{Pages: src.(*source).pages, Password: userPW}, 0), nil
}

func (c *Codec) Decrypt(data []byte, password string) ([]byte, error) {
	f, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", codec.ErrLoad, err)
	}
	if f.Password != password {
		return nil, codec.ErrWrongPassword
	}
	return Doc(0, f.Pages...), nil
}

type writer struct {
	size  int
	pages []Page
}

func (w *writer) AddPage(width, height float64) error {
	w.pages = append(w.pages, Page{ID: fmt.Sprintf("img-%d", len(w.pages)), Width: width, Height: height})
	return nil
}

func (w *writer) DrawImage(img []byte, x, y, width, height float64) error {
	if len(w.pages) == 0 {
		return errors.New("no current page")
	}
	p := &w.pages[len(w.pages)-1]
	p.ImageLen, p.DrawX, p.DrawY, p.DrawW, p.DrawH = len(img), x, y, width, height
	return nil
}

func (w *writer) Serialize() ([]byte, error) {
	if len(w.pages) == 0 {
		return nil, codec.ErrNoPages
	}
	return Doc(w.size, w.pages...), nil
}
