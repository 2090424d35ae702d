// Package document reads the certificate returned by the registry.
package document

import (
	"bytes"
	"fmt"
	"mime"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	apperrors "github.com/adverant/nexus/vigencia-worker/internal/errors"
)

const mimePDF = "application/pdf"

// Info describes a certificate file.
type Info struct {
	Pages     int    `json:"pages"`
	Title     string `json:"title,omitempty"`
	Producer  string `json:"producer,omitempty"`
	Encrypted bool   `json:"encrypted"`
	Size      int    `json:"size"`
}

// IsPDF reports whether a response is a PDF, by declared content type or by
// its leading bytes.
func IsPDF(contentType string, data []byte) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt == mimePDF {
		return true
	}
	if strings.Contains(strings.ToLower(contentType), mimePDF) {
		return true
	}
	return DetectMimeType(data) == mimePDF
}

// DetectMimeType sniffs the formats the registry can answer with.
func DetectMimeType(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PDF: %PDF-
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return mimePDF
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return "image/png"
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return "image/jpeg"
	}

	// GIF: 'G' 'I' 'F' '8' ('7' or '9') 'a'
	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return "image/gif"
	}

	trimmed := bytes.TrimLeft(data[:min(512, len(data))], " \t\r\n\xef\xbb\xbf")
	lower := bytes.ToLower(trimmed)
	if bytes.HasPrefix(lower, []byte("<!doctype html")) || bytes.HasPrefix(lower, []byte("<html")) {
		return "text/html"
	}

	return "application/octet-stream"
}

// Inspect validates data as a PDF and reports its page count and metadata.
func Inspect(data []byte) (*Info, error) {
	if DetectMimeType(data) != mimePDF {
		return nil, apperrors.NewDocumentUnreadableError("", fmt.Errorf("not a PDF (%s)", DetectMimeType(data)))
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	ctx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return nil, apperrors.NewDocumentUnreadableError("", fmt.Errorf("failed to read PDF context: %w", err))
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return nil, apperrors.NewDocumentUnreadableError("", fmt.Errorf("failed to ensure page count: %w", err))
	}

	return &Info{
		Pages:     ctx.PageCount,
		Title:     ctx.Title,
		Producer:  ctx.Producer,
		Encrypted: ctx.Encrypt != nil,
		Size:      len(data),
	}, nil
}

// ExtractText returns the text of every page, one line per text row, top to
// bottom. Each page ends with a newline. Pages without text are skipped.
func ExtractText(data []byte) (text string, err error) {
	defer func() {
		// the reader panics on some malformed object streams
		if r := recover(); r != nil {
			text = ""
			err = apperrors.NewDocumentUnreadableError("", fmt.Errorf("pdf reader panic: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", apperrors.NewDocumentUnreadableError("", fmt.Errorf("failed to open PDF: %w", err))
	}

	var b strings.Builder
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return "", apperrors.NewDocumentUnreadableError("", fmt.Errorf("page %d: %w", pageNum, err))
		}
		for _, row := range rows {
			line := rowText(row)
			if strings.TrimSpace(line) == "" {
				continue
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

func rowText(row *pdf.Row) string {
	var b strings.Builder
	for _, t := range row.Content {
		b.WriteString(t.S)
	}
	return strings.TrimRight(b.String(), " ")
}
