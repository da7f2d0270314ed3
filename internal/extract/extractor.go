// Package extract turns uploaded document bytes into plain text.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"strings"

	"docqa/internal/apperr"
)

const (
	MediaTypePDF  = "application/pdf"
	MediaTypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MediaTypeText = "text/plain"
)

var aliases = map[string]string{
	MediaTypePDF:  MediaTypePDF,
	MediaTypeDOCX: MediaTypeDOCX,
	MediaTypeText: MediaTypeText,
	"pdf":         MediaTypePDF,
	"docx":        MediaTypeDOCX,
	"txt":         MediaTypeText,
	"text":        MediaTypeText,
}

// Result is the extracted text of one document with basic metadata.
type Result struct {
	Text      string
	WordCount int
	PageCount int
}

// Canonical maps a declared media type (parameters allowed) onto one of the
// supported types. The second return value is false for anything else.
func Canonical(mediaType string) (string, bool) {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	canonical, ok := aliases[mt]
	return canonical, ok
}

type Extractor struct{}

func New() *Extractor {
	return &Extractor{}
}

// Extract dispatches on the declared media type. Decoder panics on malformed
// input are reported as ErrExtractionFailed.
func (e *Extractor) Extract(ctx context.Context, data []byte, mediaType string) (res *Result, err error) {
	canonical, ok := Canonical(mediaType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperr.ErrUnsupportedMediaType, mediaType)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.WarnContext(ctx, "extractor panicked", "media_type", canonical, "panic", r)
			res = nil
			err = fmt.Errorf("%w: malformed %s", apperr.ErrExtractionFailed, canonical)
		}
	}()

	switch canonical {
	case MediaTypePDF:
		res, err = extractPDF(ctx, data)
	case MediaTypeDOCX:
		res, err = extractDOCX(ctx, data)
	default:
		res, err = extractText(data)
	}
	if err != nil {
		return nil, err
	}

	res.WordCount = len(strings.Fields(res.Text))
	return res, nil
}

func failed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperr.ErrExtractionFailed, fmt.Sprintf(format, args...))
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func hasNUL(data []byte) bool {
	return bytes.IndexByte(data, 0) >= 0
}
