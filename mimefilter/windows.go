package mimefilter

import (
	"log/slog"

	"github.com/mjl-/moxmime/charset"
)

// Windows passes data through unchanged, detecting whether text has bytes in the
// range 0x80-0x9f. Those are control characters in ISO-8859 and not valid in
// us-ascii, text with them claiming such a charset is really in the Windows code
// page.
type Windows struct {
	claimed   string
	isWindows bool
}

func NewWindows(claimed string) *Windows {
	return &Windows{claimed: claimed}
}

func (f *Windows) Filter(in []byte) []byte {
	if !f.isWindows {
		for _, c := range in {
			if c >= 0x80 && c <= 0x9f {
				f.isWindows = true
				xlog.Debug("byte in windows-only range", slog.String("claimed", f.claimed), slog.String("real", f.RealCharset()))
				break
			}
		}
	}
	count("windows", in, in)
	return in
}

func (f *Windows) Complete(in []byte) []byte {
	return f.Filter(in)
}

func (f *Windows) Reset() {
	f.isWindows = false
}

// IsWindows returns whether a byte in the Windows-only range was seen.
func (f *Windows) IsWindows() bool {
	return f.isWindows
}

// RealCharset returns the Windows code page for the claimed charset if a
// Windows-only byte was seen, and the claimed charset otherwise. Charsets
// without Windows code page, such as utf-8, are returned as claimed.
func (f *Windows) RealCharset() string {
	if f.isWindows {
		return charset.IsoToWindows(f.claimed)
	}
	return f.claimed
}
