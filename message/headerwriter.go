package message

import (
	"fmt"
	"mime"
	"sort"
	"strings"
)

// HeaderWriter builds a header field value, folding to the next line when a
// line would become longer than 78 characters. Continuation lines start with a
// single space, lines end with a bare newline.
type HeaderWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

// NewHeaderWriter returns a writer for the value of header field name. The name
// is only used for the length of the first line.
func NewHeaderWriter(name string) *HeaderWriter {
	return &HeaderWriter{lineLen: len(name) + 2}
}

// Addf formats the string and calls Add.
func (w *HeaderWriter) Addf(separator string, format string, args ...any) {
	w.Add(separator, fmt.Sprintf(format, args...))
}

// Add adds texts, each separated by separator. Individual elements in text are
// not wrapped.
func (w *HeaderWriter) Add(separator string, texts ...string) {
	for _, text := range texts {
		n := len(text)
		if w.nonfirst && w.lineLen > 1 && w.lineLen+len(separator)+n > 78 {
			w.b.WriteString(strings.TrimRight(separator, " "))
			w.b.WriteString("\n ")
			w.lineLen = 1
		} else if w.nonfirst && separator != "" {
			w.b.WriteString(separator)
			w.lineLen += len(separator)
		}
		w.b.WriteString(text)
		w.lineLen += len(text)
		w.nonfirst = true
	}
}

// Value returns the folded value, without trailing newline.
func (w *HeaderWriter) Value() string {
	return w.b.String()
}

// formatParams returns a header value for a media type or disposition with
// parameters, in sorted order, folded between parameters.
func formatParams(name, value string, params map[string]string) string {
	w := NewHeaderWriter(name)
	w.Add("", value)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		// FormatMediaType takes care of quoting and RFC 2231 encoding.
		s := mime.FormatMediaType("x", map[string]string{k: params[k]})
		if s == "" {
			continue
		}
		w.Add("; ", strings.TrimPrefix(s, "x; "))
	}
	return w.Value()
}
