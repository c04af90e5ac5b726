package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-pdf/fpdf"
)

// imageWriter builds image-only documents with fpdf, using points as the unit
// so page sizes carry over from the source unchanged.
type imageWriter struct {
	pdf    *fpdf.Fpdf
	pages  int
	images int
	pageH  float64
	out    []byte
}

// fpdf only writes a page /MediaBox when the page differs from the document
// default, leaving the rest to inheritance from the page tree. The default is
// kept below the smallest legal page so every real page carries its own box.
var unusedPageSize = fpdf.SizeType{Wd: 1, Ht: 1}

// NewDocument returns an empty Writer.
func (c *PDF) NewDocument() Writer {
	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           unusedPageSize,
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCompression(true)
	return &imageWriter{pdf: pdf}
}

func (w *imageWriter) AddPage(width, height float64) error {
	if w.out != nil {
		return errors.New("document already serialized")
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid page size %.2fx%.2f", width, height)
	}
	// "P" keeps width and height as given, whichever is larger
	w.pdf.AddPageFormat("P", fpdf.SizeType{Wd: width, Ht: height})
	if err := w.pdf.Error(); err != nil {
		return fmt.Errorf("add page: %w", err)
	}
	w.pages++
	w.pageH = height
	return nil
}

func (w *imageWriter) DrawImage(img []byte, x, y, width, height float64) error {
	if w.pages == 0 {
		return errors.New("draw image: no current page")
	}
	w.images++
	name := fmt.Sprintf("page-image-%d", w.images)
	opts := fpdf.ImageOptions{ImageType: "JPG"}
	w.pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(img))
	// fpdf measures y from the top edge
	top := w.pageH - y - height
	w.pdf.ImageOptions(name, x, top, width, height, false, opts, 0, "")
	if err := w.pdf.Error(); err != nil {
		return fmt.Errorf("draw image: %w", err)
	}
	return nil
}

func (w *imageWriter) Serialize() ([]byte, error) {
	if w.out != nil {
		return w.out, nil
	}
	if w.pages == 0 {
		return nil, ErrNoPages
	}
	var buf bytes.Buffer
	if err := w.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	w.out = buf.Bytes()
	return w.out, nil
}
