package extract

import (
	"bytes"
	"context"
	"strings"

	"github.com/ledongthuc/pdf"
)

func extractPDF(ctx context.Context, data []byte) (*Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, failed("open pdf: %v", err)
	}

	numPages := reader.NumPage()
	var b strings.Builder
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, failed("pdf extraction interrupted at page %d: %v", i, err)
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return nil, failed("read pdf page %d: %v", i, err)
		}
		b.WriteString(content)
		b.WriteString("\n\n")
	}

	return &Result{Text: b.String(), PageCount: numPages}, nil
}
