package extract

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// extractText accepts UTF-8, BOM-marked UTF-16 and falls back to Windows-1252
// for legacy 8-bit files. NUL bytes outside UTF-16 mean binary content.
func extractText(data []byte) (*Result, error) {
	if bytes.HasPrefix(data, []byte{0xFF, 0xFE}) || bytes.HasPrefix(data, []byte{0xFE, 0xFF}) {
		dec := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
		out, _, err := transform.Bytes(dec, data)
		if err != nil {
			return nil, failed("decode utf-16: %v", err)
		}
		return textResult(string(out)), nil
	}

	data = bytes.TrimPrefix(data, utf8BOM)
	if hasNUL(data) {
		return nil, failed("binary content in plain text upload")
	}
	if utf8.Valid(data) {
		return textResult(string(data)), nil
	}

	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return nil, failed("decode windows-1252: %v", err)
	}
	return textResult(string(out)), nil
}

func textResult(s string) *Result {
	pages := 0
	if len(bytes.TrimSpace([]byte(s))) > 0 {
		pages = 1
	}
	return &Result{Text: s, PageCount: pages}
}
