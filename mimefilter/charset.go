package mimefilter

import (
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"

	"github.com/mjl-/moxmime/charset"
	"github.com/mjl-/moxmime/metrics"
	"github.com/mjl-/moxmime/mlog"
)

var xlog = mlog.New("mimefilter", nil)

// Charset converts text from one charset to another. Conversion goes through
// UTF-8. Invalid input and characters that cannot be represented in the target
// charset are skipped, and counted.
type Charset struct {
	Base
	from, to string
	dec      transform.Transformer // To UTF-8.
	enc      transform.Transformer // From UTF-8, nil if target is UTF-8.
	mid      []byte
	skipped  int
}

// NewCharset returns a filter converting from charset "from" to charset "to".
func NewCharset(from, to string) (*Charset, error) {
	f := &Charset{from: charset.Canonical(from), to: charset.Canonical(to)}

	if isUTF8(f.from) {
		f.dec = encoding.UTF8Validator
	} else {
		enc, err := charset.Lookup(f.from)
		if err != nil {
			return nil, fmt.Errorf("source charset: %w", err)
		}
		f.dec = enc.NewDecoder()
	}
	if f.to == "us-ascii" {
		f.enc = asciiEncoder{}
	} else if !isUTF8(f.to) {
		enc, err := charset.Lookup(f.to)
		if err != nil {
			return nil, fmt.Errorf("target charset: %w", err)
		}
		f.enc = enc.NewEncoder()
	}
	return f, nil
}

// errUnrepresentable is returned by asciiEncoder for non-ASCII input.
var errUnrepresentable = errors.New("encoding: rune not supported by encoding")

// asciiEncoder encodes UTF-8 to us-ascii. Other characters are unrepresentable.
type asciiEncoder struct{ transform.NopResetter }

func (asciiEncoder) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c >= 0x80 {
			return nDst, nSrc, errUnrepresentable
		}
		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	return nDst, nSrc, nil
}

// isUTF8 returns whether input in charset name is read as UTF-8. Us-ascii is a
// subset, and decoding is lenient.
func isUTF8(name string) bool {
	switch name {
	case "", "utf-8", "us-ascii":
		return true
	}
	return false
}

// Skipped returns the number of invalid input bytes and unrepresentable
// characters skipped since the last reset.
func (f *Charset) Skipped() int {
	return f.skipped
}

func (f *Charset) Filter(in []byte) []byte {
	return f.convert(in, false)
}

func (f *Charset) Complete(in []byte) []byte {
	out := f.convert(in, true)
	f.dec.Reset()
	if f.enc != nil {
		f.enc.Reset()
	}
	return out
}

// Reset resets the converters without emitting their shift state.
func (f *Charset) Reset() {
	f.ResetBase()
	f.dec.Reset()
	if f.enc != nil {
		f.enc.Reset()
	}
	f.skipped = 0
}

func (f *Charset) convert(in []byte, last bool) []byte {
	orig := in
	in = f.Leftover(in)

	if f.enc == nil {
		f.SetSize(len(in)+len(in)/2+16, false)
		out, rest := f.transform(f.dec, f.out, in, last, 1)
		f.Backup(rest)
		count("charset", orig, out)
		return f.done(out)
	}

	if cap(f.mid) < 2*len(in)+16 {
		f.mid = make([]byte, 0, 2*len(in)+16)
	}
	mid, rest := f.transform(f.dec, f.mid[:0], in, last, 1)
	f.mid = mid
	f.Backup(rest)
	f.SetSize(len(mid)+16, false)
	// Encoder input is complete UTF-8 from the decoder, so there is no rest.
	out, _ := f.transform(f.enc, f.out, mid, last, 0)
	count("charset", orig, out)
	return f.done(out)
}

// transform runs t over in, appending to out. The three outcomes of a
// conversion step are handled: short destination grows out, short source
// returns the remaining input as rest, other errors skip input (skip bytes, or
// a rune if skip is 0) and continue.
func (f *Charset) transform(t transform.Transformer, out, in []byte, last bool, skip int) (rout, rest []byte) {
	for {
		nDst, nSrc, err := t.Transform(out[len(out):cap(out)], in, last)
		out = out[:len(out)+nDst]
		in = in[nSrc:]
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, transform.ErrShortDst):
			n := 2*cap(out) + utf8.UTFMax
			nout := make([]byte, len(out), n)
			copy(nout, out)
			out = nout
		case errors.Is(err, transform.ErrShortSrc) && !last:
			return out, in
		default:
			if len(in) == 0 {
				return out, nil
			}
			n := skip
			if n == 0 {
				_, n = utf8.DecodeRune(in)
			}
			xlog.Debugx("skipping invalid input in charset conversion", err, slog.String("from", f.from), slog.String("to", f.to), slog.Int("offset", nSrc))
			f.skipped++
			metrics.CharsetInvalidInc()
			in = in[n:]
		}
	}
}
