package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"
)

const (
	docxBodyPart  = "word/document.xml"
	docxPropsPart = "docProps/app.xml"
)

type appProperties struct {
	Pages string `xml:"Pages"`
}

// extractDOCX walks word/document.xml as a token stream so paragraphs nested
// in tables and text boxes are picked up alongside top-level ones.
func extractDOCX(ctx context.Context, data []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, failed("open docx archive: %v", err)
	}

	var body, props *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case docxBodyPart:
			body = f
		case docxPropsPart:
			props = f
		}
	}
	if body == nil {
		return nil, failed("docx archive has no %s", docxBodyPart)
	}

	text, err := readDocumentXML(ctx, body)
	if err != nil {
		return nil, err
	}

	pages := 1
	if props != nil {
		if n := readPageCount(props); n > 0 {
			pages = n
		}
	}
	return &Result{Text: text, PageCount: pages}, nil
}

func readDocumentXML(ctx context.Context, f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", failed("open %s: %v", f.Name, err)
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var (
		b      strings.Builder
		inText bool
		tokens int
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", failed("parse %s: %v", f.Name, err)
		}

		tokens++
		if tokens%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return "", failed("docx extraction interrupted: %v", err)
			}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br", "cr":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n\n")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}

func readPageCount(f *zip.File) int {
	rc, err := f.Open()
	if err != nil {
		return 0
	}
	defer rc.Close()

	var props appProperties
	if err := xml.NewDecoder(rc).Decode(&props); err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(props.Pages))
	if err != nil {
		return 0
	}
	return n
}
