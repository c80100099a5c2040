package message

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/mjl-/moxmime/charset"
	"github.com/mjl-/moxmime/mimeparser"
)

// ContentType is a parsed Content-Type header, shared with the parser.
type ContentType = mimeparser.ContentType

// ParseContentType parses a Content-Type value. A usable content type is
// returned even with an error.
func ParseContentType(s string) (*ContentType, error) {
	return mimeparser.ParseContentType(s)
}

func cloneContentType(ct *ContentType) *ContentType {
	if ct == nil {
		return nil
	}
	nct := &ContentType{Type: ct.Type, Subtype: ct.Subtype, Params: map[string]string{}}
	for k, v := range ct.Params {
		nct.Params[k] = v
	}
	return nct
}

// Disposition is a parsed Content-Disposition header.
type Disposition struct {
	Type   string            // Lower case, e.g. "attachment" or "inline".
	Params map[string]string // Keys are lower case.
}

// ParseDisposition parses a Content-Disposition value. See RFC 2183.
func ParseDisposition(s string) (*Disposition, error) {
	t, params, err := mime.ParseMediaType(mimeparser.Unfold(s))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing disposition: %v", ErrParamEncoding, err)
	}
	return &Disposition{strings.ToLower(t), params}, nil
}

// String formats the disposition as header value.
func (d *Disposition) String() string {
	return formatParams("Content-Disposition", d.Type, d.Params)
}

var ErrParamEncoding = errors.New("bad header parameter encoding")

var wordDecoder = mime.WordDecoder{
	CharsetReader: func(cs string, r io.Reader) (io.Reader, error) {
		switch charset.Canonical(cs) {
		case "", "us-ascii", "utf-8":
			return r, nil
		}
		enc, err := charset.Lookup(cs)
		if err != nil {
			return r, err
		}
		return enc.NewDecoder().Reader(r), nil
	},
}

// DecodeHeader decodes RFC 2047 encoded-words in a header value, and unfolds
// it. If decoding fails, the unfolded raw value is returned.
func DecodeHeader(s string) string {
	s = mimeparser.Unfold(s)
	if r, err := wordDecoder.DecodeHeader(s); err == nil {
		return r
	}
	return s
}

// Attempt q/b-word decode of a Content-Type "name" or Content-Disposition
// "filename" parameter. RFC 2231 specifies the encoding for non-ascii values in
// parameters, which mime.ParseMediaType already decoded. But mail software
// commonly q/b-word encodes these values instead, so we look for the markers and
// decode those too.
func tryDecodeParam(name string) (string, error) {
	if name == "" || !strings.HasPrefix(name, "=?") && !strings.HasSuffix(name, "?=") {
		return name, nil
	}
	s, err := wordDecoder.DecodeHeader(name)
	if err != nil {
		return name, fmt.Errorf("%w: q/b-word decoding mime parameter: %v", ErrParamEncoding, err)
	}
	return s, nil
}
