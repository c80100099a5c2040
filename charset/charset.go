// Package charset detects and looks up character sets for MIME content.
//
// The lookup tables are initialized once and read-only afterwards, so they can be
// shared between goroutines. A Detector is not safe for concurrent use.
package charset

import (
	"errors"
	"fmt"
	"io"
	"strings"

	htmlcharset "golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

var ErrUnknown = errors.New("unknown charset")

// Alias mappings for non-standard charset names, seen in the wild.
var aliases = map[string]string{
	"ascii":      "us-ascii",
	"latin1":     "iso-8859-1",
	"latin2":     "iso-8859-2",
	"latin3":     "iso-8859-3",
	"latin4":     "iso-8859-4",
	"latin5":     "iso-8859-9",
	"latin6":     "iso-8859-10",
	"latin7":     "iso-8859-13",
	"latin8":     "iso-8859-14",
	"latin9":     "iso-8859-15",
	"latin10":    "iso-8859-16",
	"cp1250":     "windows-1250",
	"cp1251":     "windows-1251",
	"cp1252":     "windows-1252",
	"cp1253":     "windows-1253",
	"cp1254":     "windows-1254",
	"cp1255":     "windows-1255",
	"cp1256":     "windows-1256",
	"cp1257":     "windows-1257",
	"cp1258":     "windows-1258",
	"cp874":      "windows-874",
	"ms-ansi":    "windows-1252",
	"utf8":       "utf-8",
	"x-sjis":     "shift_jis",
	"ks_c_5601":  "euc-kr",
	"5601":       "euc-kr",
	"koi8r":      "koi8-r",
	"koi8u":      "koi8-u",
}

// Canonical returns a lower-case canonical name for charset. Aliases and
// variations like "iso8859-1", "ISO_8859-1" and "8859_1" are normalized to
// "iso-8859-1".
func Canonical(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if a, ok := aliases[s]; ok {
		return a
	}
	if t, ok := isoNumber(s); ok {
		return "iso-8859-" + t
	}
	return s
}

// isoNumber recognizes iso-8859-n in its many spellings, returning n.
func isoNumber(s string) (string, bool) {
	s = strings.TrimPrefix(s, "iso")
	s = strings.TrimLeft(s, "-_ ")
	if !strings.HasPrefix(s, "8859") {
		return "", false
	}
	s = strings.TrimLeft(s[len("8859"):], "-_ ")
	if s == "" {
		return "", false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return s, true
}

// Lookup returns the encoding for a charset name. It looks at the MIME and IANA
// registries first, and falls back to the names known by web browsers (which
// includes names like gb2312 that ianaindex does not know).
func Lookup(name string) (encoding.Encoding, error) {
	c := Canonical(name)
	switch c {
	case "", "us-ascii", "utf-8":
		return unicode.UTF8, nil
	}
	enc, _ := ianaindex.MIME.Encoding(c)
	if enc == nil {
		enc, _ = ianaindex.IANA.Encoding(c)
	}
	if enc == nil {
		enc, _ = htmlcharset.Lookup(c)
	}
	if enc == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return enc, nil
}

// DecodeReader returns a reader that reads from r, decoding as charset. If
// charset is empty, us-ascii, utf-8 or unknown, the original reader is
// returned and no decoding takes place.
func DecodeReader(charset string, r io.Reader) io.Reader {
	switch Canonical(charset) {
	case "", "us-ascii", "utf-8":
		return r
	}
	enc, err := Lookup(charset)
	if err != nil {
		return r
	}
	return enc.NewDecoder().Reader(r)
}
