package codectest

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/local/pdftools/internal/codec"
)

// PDF builds a real document with c, one page per size, each covered by an
// image of imgPx x imgPx pixels. noisy fills the image with random pixels so
// the document does not compress well.
func PDF(c codec.Codec, imgPx int, noisy bool, sizes ...codec.Size) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, imgPx, imgPx))
	rnd := rand.New(rand.NewSource(int64(imgPx)))
	for y := 0; y < imgPx; y++ {
		for x := 0; x < imgPx; x++ {
			px := color.RGBA{R: 200, G: 40, B: 40, A: 255}
			if noisy {
				px = color.RGBA{R: uint8(rnd.Intn(256)), G: uint8(rnd.Intn(256)), B: uint8(rnd.Intn(256)), A: 255}
			}
			img.SetRGBA(x, y, px)
		}
	}
	jpg, err := c.EncodeImage(img, 1)
	if err != nil {
		return nil, err
	}

	w := c.NewDocument()
	for _, s := range sizes {
		if err := w.AddPage(s.Width, s.Height); err != nil {
			return nil, err
		}
		if err := w.DrawImage(jpg, 0, 0, s.Width, s.Height); err != nil {
			return nil, err
		}
	}
	return w.Serialize()
}

// Crop sets the crop box of page (1-based) to the rectangle llx lly urx ury.
func Crop(data []byte, page int, llx, lly, urx, ury float64) ([]byte, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	box := &model.Box{Rect: types.NewRectangle(llx, lly, urx, ury)}
	var out bytes.Buffer
	if err := api.Crop(bytes.NewReader(data), &out, []string{strconv.Itoa(page)}, box, conf); err != nil {
		return nil, fmt.Errorf("crop page %d: %w", page, err)
	}
	return out.Bytes(), nil
}
