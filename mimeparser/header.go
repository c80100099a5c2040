package mimeparser

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
)

// Header is a raw header field of a part.
type Header struct {
	Name   string // As in the message. Empty for malformed lines.
	Value  string // Value after the colon, without leading whitespace and the final line ending. Folding is kept.
	Raw    []byte // Complete header field, including line endings.
	Offset int64  // Offset of the header field in the input.
}

// Unfolded returns the value with line endings of folded lines removed.
func (h Header) Unfolded() string {
	return Unfold(h.Value)
}

// Unfold removes CR and LF characters from a folded header value.
func Unfold(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

// parseHeaderLine parses the first line of a header field. If the line has no
// valid header name, ok is false.
func parseHeaderLine(line []byte) (name, value string, ok bool) {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return "", "", false
	}
	n := bytes.TrimRight(line[:i], " \t")
	for _, c := range n {
		// RFC 5322 field name: printable ascii except colon.
		if c <= ' ' || c >= 0x7f {
			return "", "", false
		}
	}
	v := bytes.TrimLeft(line[i+1:], " \t")
	v = bytes.TrimRight(v, "\r\n")
	return string(n), string(v), true
}

// ContentType is a parsed Content-Type header.
type ContentType struct {
	Type    string            // Lower case, e.g. "text".
	Subtype string            // Lower case, e.g. "plain".
	Params  map[string]string // Keys are lower case.
}

// DefaultContentType is the content type of a part without Content-Type header.
func DefaultContentType() *ContentType {
	return &ContentType{"text", "plain", map[string]string{"charset": "us-ascii"}}
}

// ParseContentType parses a Content-Type header value. For values with invalid
// parameters, the type and subtype are still returned, along with the error.
// See RFC 2045, section 5.1.
func ParseContentType(s string) (*ContentType, error) {
	mt, params, err := mime.ParseMediaType(Unfold(s))
	if err != nil {
		// Try parsing just the media type, ignoring parameters.
		mt = strings.TrimSpace(strings.SplitN(Unfold(s), ";", 2)[0])
		params = map[string]string{}
	}
	t := strings.SplitN(strings.ToLower(mt), "/", 2)
	if len(t) != 2 || !isToken(t[0]) || !isToken(t[1]) {
		return &ContentType{"application", "octet-stream", map[string]string{}}, fmt.Errorf("%w: %q", ErrBadContentType, s)
	}
	if err != nil {
		err = fmt.Errorf("%w: %s: %q", ErrBadContentType, err, s)
	}
	return &ContentType{t[0], t[1], params}, err
}

func isToken(s string) bool {
	const separators = `()<>@,;:\\"/[]?= `
	for _, c := range s {
		if c < 0x20 || c >= 0x80 || strings.ContainsRune(separators, c) {
			return false
		}
	}
	return len(s) > 0
}

// Is returns whether the content type matches. A "*" matches any subtype.
func (ct *ContentType) Is(typ, subtype string) bool {
	return ct != nil && strings.EqualFold(ct.Type, typ) && (subtype == "*" || strings.EqualFold(ct.Subtype, subtype))
}

// Param returns the value of a parameter, with case-insensitive name.
func (ct *ContentType) Param(name string) string {
	if ct == nil {
		return ""
	}
	return ct.Params[strings.ToLower(name)]
}

// SetParam sets a parameter. An empty value removes the parameter.
func (ct *ContentType) SetParam(name, value string) {
	name = strings.ToLower(name)
	if value == "" {
		delete(ct.Params, name)
		return
	}
	if ct.Params == nil {
		ct.Params = map[string]string{}
	}
	ct.Params[name] = value
}

// MediaType returns type/subtype.
func (ct *ContentType) MediaType() string {
	return ct.Type + "/" + ct.Subtype
}

// String formats the content type as header value, with parameters in sorted
// order and quoted when needed.
func (ct *ContentType) String() string {
	if s := mime.FormatMediaType(ct.MediaType(), ct.Params); s != "" {
		return s
	}
	return ct.MediaType()
}
