package filetype

import (
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

const PDF = "application/pdf"

// Info contains detected file type information
type Info struct {
	MIMEType    string
	Extension   string
	Supported   bool
	Description string
}

// Detector handles file type detection using magic bytes
type Detector struct{}

// New creates a new file type detector
func New() *Detector {
	return &Detector{}
}

// DetectBytes detects the type of an in-memory upload by its magic bytes, not
// its name or declared content type.
func (d *Detector) DetectBytes(data []byte) *Info {
	mtype := mimetype.Detect(data)
	info := &Info{MIMEType: mtype.String(), Extension: mtype.Extension()}
	d.classify(info)
	log.Debug().Str("mime", info.MIMEType).Int("bytes", len(data)).Bool("supported", info.Supported).Msg("detected file type")
	return info
}

// DetectReader sniffs the head of r. Only the bytes mimetype needs are read.
func (d *Detector) DetectReader(r io.Reader) (*Info, error) {
	mtype, err := mimetype.DetectReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}
	info := &Info{MIMEType: mtype.String(), Extension: mtype.Extension()}
	d.classify(info)
	return info, nil
}

// IsPDF reports whether data starts like a PDF file.
func (d *Detector) IsPDF(data []byte) bool {
	return d.DetectBytes(data).MIMEType == PDF
}

// classify marks which inputs the pipeline accepts
func (d *Detector) classify(info *Info) {
	// mimetype appends parameters such as "; charset=utf-8" for text
	base, _, _ := strings.Cut(info.MIMEType, ";")

	switch {
	case base == PDF:
		info.Supported = true
		info.Description = "PDF document"

	case strings.HasPrefix(base, "image/"):
		info.Description = "Image file"

	case base == "application/zip":
		info.Description = "ZIP archive"

	case strings.HasPrefix(base, "text/"):
		info.Description = "Plain text file"

	default:
		info.Description = fmt.Sprintf("Unsupported file type: %s", base)
	}
}
