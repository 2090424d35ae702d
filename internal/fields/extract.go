// Package fields recovers typed values from a certificate transcript.
//
// Patterns are applied independently and the first match wins per field. No
// cross-field validation is done, so a date-shaped or long number printed
// before the real document number can be picked up instead.
package fields

import (
	"fmt"
	"regexp"
	"strings"
)

// Keys of the extracted record.
const (
	KeyDocumentNumber = "numero_documento"
	KeyIssueDate      = "fecha_expedicion"
	KeyStatus         = "estado_vigencia"
	KeySnippet        = "raw_text_snippet"
)

// SnippetLines bounds the diagnostic excerpt.
const SnippetLines = 10

// DateMode selects how the issue date is located.
type DateMode string

const (
	// DateLenient tries the labeled pattern and falls back to the first bare date.
	DateLenient DateMode = "lenient"
	// DateStrict only accepts a date introduced by the "Fecha" label.
	DateStrict DateMode = "strict"
)

// ParseDateMode accepts "lenient" or "strict"; empty means lenient.
func ParseDateMode(s string) (DateMode, error) {
	switch DateMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", DateLenient:
		return DateLenient, nil
	case DateStrict:
		return DateStrict, nil
	default:
		return "", fmt.Errorf("unknown date mode %q", s)
	}
}

const datePattern = `[0-3]?\d[/\-.\s][01]?\d[/\-.\s]\d{4}`

var (
	spaceRun     = regexp.MustCompile(`[ \t]+`)
	blankLineRun = regexp.MustCompile(`\n{2,}`)

	documentNumberRe = regexp.MustCompile(`\b([0-9]{6,13})\b`)
	labeledDateRe    = regexp.MustCompile(`(?i)Fecha(?: de expedici[oó]n|:)?\s*[:\-]?\s*(` + datePattern + `)`)
	bareDateRe       = regexp.MustCompile(`\b(` + datePattern + `)\b`)
	statusRe         = regexp.MustCompile(`(?i)\b(Vigente|No Vigente|Cancelad[oa]|Suspendid[oa]|Anulado|Activo|Inactivo)\b`)
)

// Fields maps a key to its trimmed, non-empty value. Missing keys mean the
// pattern found nothing.
type Fields map[string]string

// Get returns the value and whether it was extracted.
func (f Fields) Get(key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}

// Merge returns a copy of f with meta added under "_meta." keys.
func (f Fields) Merge(meta map[string]string) Fields {
	out := make(Fields, len(f)+len(meta))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range meta {
		out["_meta."+k] = v
	}
	return out
}

// Extractor applies the certificate patterns to a transcript.
type Extractor struct {
	DateMode DateMode
}

// NewExtractor returns an extractor using mode.
func NewExtractor(mode DateMode) *Extractor {
	return &Extractor{DateMode: mode}
}

// Extract normalizes text and applies each field pattern. The snippet is always
// present.
func (e *Extractor) Extract(text string) Fields {
	norm := Normalize(text)
	out := Fields{}

	setFirst(out, KeyDocumentNumber, documentNumberRe, norm)

	if !setFirst(out, KeyIssueDate, labeledDateRe, norm) && e.DateMode != DateStrict {
		setFirst(out, KeyIssueDate, bareDateRe, norm)
	}

	setFirst(out, KeyStatus, statusRe, norm)

	out[KeySnippet] = Snippet(norm, SnippetLines)
	return out
}

// Extract runs a lenient extractor.
func Extract(text string) Fields {
	return NewExtractor(DateLenient).Extract(text)
}

// Normalize collapses runs of spaces or tabs and consecutive newlines.
func Normalize(text string) string {
	text = spaceRun.ReplaceAllString(text, " ")
	return blankLineRun.ReplaceAllString(text, "\n")
}

// Snippet returns the first n lines of text, each trimmed, joined by "\n".
func Snippet(text string, n int) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.Join(lines, "\n")
}

func setFirst(out Fields, key string, re *regexp.Regexp, text string) bool {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return false
	}
	v := strings.TrimSpace(m[1])
	if v == "" {
		return false
	}
	out[key] = v
	return true
}
