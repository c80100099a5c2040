package message

import (
	"io"
	"strings"
)

// Field is a header field. Value has leading whitespace and the final line
// ending removed. Folded lines are kept, separated by "\n".
type Field struct {
	Name  string
	Value string
}

// Headers is a list of header fields in message order. Duplicates are allowed,
// except for singleton fields, which are replaced when added again.
type Headers []Field

// Singleton fields, in lower case. Adding one of these replaces the existing
// field.
var singletons = map[string]bool{
	"content-type":              true,
	"content-transfer-encoding": true,
	"content-disposition":       true,
	"content-id":                true,
	"content-md5":               true,
	"content-location":          true,
	"content-language":          true,
	"content-description":       true,
	"mime-version":              true,
}

// IsSingleton returns whether a field with name occurs at most once in a part.
func IsSingleton(name string) bool {
	return singletons[strings.ToLower(name)]
}

// Add appends a field. For singleton fields, an existing field is replaced
// instead.
func (h *Headers) Add(name, value string) {
	if IsSingleton(name) && h.Values(name) != nil {
		h.Set(name, value)
		return
	}
	*h = append(*h, Field{name, value})
}

// Set replaces all fields with name by a single field, at the position of the
// first, or at the end if absent.
func (h *Headers) Set(name, value string) {
	var l Headers
	set := false
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			l = append(l, f)
		} else if !set {
			l = append(l, Field{name, value})
			set = true
		}
	}
	if !set {
		l = append(l, Field{name, value})
	}
	*h = l
}

// Get returns the value of the first field with name, case-insensitive.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns the values of all fields with name.
func (h Headers) Values(name string) []string {
	var l []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			l = append(l, f.Value)
		}
	}
	return l
}

// Remove removes all fields with name.
func (h *Headers) Remove(name string) {
	l := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			l = append(l, f)
		}
	}
	*h = l
}

// WriteTo writes the fields with "\n" line endings, without the empty line
// that ends a header.
func (h Headers) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	for _, f := range h {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\n")
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
