// Package codec is the PDF capability layer the transformation pipeline is
// built on: loading documents, rendering pages to pixels, JPEG encoding,
// building image-only documents and structural page copies.
//
// Structure (load, page geometry, copy, append, encryption) is handled by
// pdfcpu, rasterization by MuPDF through go-fitz, and new image documents are
// written with fpdf. Page indices are zero-based throughout this package.
package codec

import (
	"errors"
	"image"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

var (
	// ErrLoad is returned when a buffer cannot be parsed as a PDF document.
	ErrLoad = errors.New("unreadable PDF document")
	// ErrEncrypted is returned when a document needs a password to be opened.
	ErrEncrypted = errors.New("PDF document is password protected")
	// ErrWrongPassword is returned by Decrypt for a password that does not open the document.
	ErrWrongPassword = errors.New("wrong password")
	// ErrPageRange is returned for a page index outside the document.
	ErrPageRange = errors.New("page index out of range")
	// ErrNoPages is returned when serializing a document nothing was added to.
	ErrNoPages = errors.New("document has no pages")
)

// Size is a page size in PDF points (1/72 inch).
type Size struct {
	Width  float64
	Height float64
}

// Scaled returns the size multiplied by scale.
func (s Size) Scaled(scale float64) Size {
	return Size{Width: s.Width * scale, Height: s.Height * scale}
}

// Source is a loaded, read-only document. It must be closed after use.
type Source interface {
	PageCount() int
	PageSize(page int) (Size, error)
	Bytes() []byte
	Close() error
}

// Writer assembles a new document page by page.
type Writer interface {
	// AddPage starts a new page of the given point size; drawing goes to it.
	AddPage(width, height float64) error
	// DrawImage places JPEG bytes on the current page. x and y are the lower
	// left corner in PDF user space.
	DrawImage(img []byte, x, y, width, height float64) error
	Serialize() ([]byte, error)
}

// Codec is the full set of document capabilities the pipeline relies on.
type Codec interface {
	Load(data []byte) (Source, error)
	RenderPage(src Source, page int, scale float64) (image.Image, error)
	EncodeImage(img image.Image, quality float64) ([]byte, error)
	NewDocument() Writer
	// CopyPages builds a new document from src's pages in the given order.
	CopyPages(src Source, pages []int) ([]byte, error)
	// AppendPages returns primary followed by every page of secondary.
	AppendPages(primary, secondary Source) ([]byte, error)
	Encrypt(src Source, userPW, ownerPW string) ([]byte, error)
	Decrypt(data []byte, password string) ([]byte, error)
}

var disableConfigDir sync.Once

// PDF is the default Codec.
type PDF struct{}

// New returns the default Codec implementation.
func New() *PDF {
	// pdfcpu otherwise creates a config dir under the user's home on first use
	disableConfigDir.Do(api.DisableConfigDir)
	return &PDF{}
}

var _ Codec = (*PDF)(nil)
