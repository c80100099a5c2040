package mimefilter

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
)

// BasicType is the codec of a Basic filter.
type BasicType int

const (
	Base64Enc BasicType = iota
	Base64Dec
	QPEnc
	QPDec
	UUEnc
	UUDec
)

var basicNames = []string{"base64enc", "base64dec", "qpenc", "qpdec", "uuenc", "uudec"}

func (t BasicType) String() string {
	if t < 0 || int(t) >= len(basicNames) {
		return fmt.Sprintf("basic%d", int(t))
	}
	return basicNames[t]
}

// Line length for base64 and quoted-printable encoding.
const lineMax = 76

// Bytes per uuencoded line.
const uuLineBytes = 45

// UU decode state bits.
const (
	uuBegin = 1 << iota // "begin" line seen.
	uuEnd               // "end" line seen.
)

// Basic encodes or decodes a content transfer encoding: base64,
// quoted-printable or uuencode.
type Basic struct {
	Base
	typ BasicType

	// Carry state. Encoders keep nsave pending input bytes in save, and the
	// characters written on the current line in linelen. The base64 decoder
	// keeps sextets in bits, their count in state. The quoted-printable encoder
	// has a pending whitespace character or -1 in state. The quoted-printable
	// decoder has 0 (normal), 1 (after "="), 2 (after "=" and a hex digit in
	// save) or 3 (after "=\r") in state. The uudecoder has uuBegin/uuEnd bits.
	state   int
	save    [uuLineBytes]byte
	nsave   int
	linelen int
	bits    uint32

	uubegin bool
	uumode  int
	uuname  string
}

// NewBasic returns a new filter for the codec.
func NewBasic(typ BasicType) *Basic {
	f := &Basic{typ: typ}
	f.Reset()
	return f
}

// Type returns the codec of the filter.
func (f *Basic) Type() BasicType {
	return f.typ
}

// UUBeginInfo returns the mode and file name from the "begin" line seen by an
// uudecoding filter.
func (f *Basic) UUBeginInfo() (mode int, name string, ok bool) {
	if f.typ != UUDec || !f.uubegin {
		return 0, "", false
	}
	return f.uumode, f.uuname, true
}

func (f *Basic) Reset() {
	f.resetCarry()
	f.uubegin = false
	f.uumode = 0
	f.uuname = ""
}

// resetCarry resets the state for new data, keeping the information from the
// uudecode "begin" line.
func (f *Basic) resetCarry() {
	f.ResetBase()
	f.state = 0
	f.nsave = 0
	f.linelen = 0
	f.bits = 0
	if f.typ == QPEnc {
		// At line start, no pending whitespace.
		f.state = -1
	}
}

func (f *Basic) Filter(in []byte) []byte {
	return f.run(in, false)
}

func (f *Basic) Complete(in []byte) []byte {
	out := f.run(in, true)
	f.resetCarry()
	return out
}

func (f *Basic) run(in []byte, last bool) []byte {
	orig := in
	var out []byte
	switch f.typ {
	case Base64Enc:
		f.SetSize(2*len(in)+6, false)
		out = f.base64Encode(f.out, in)
		if last {
			out = f.base64EncodeClose(out)
		}
	case Base64Dec:
		if last {
			f.SetSize(len(in)+3, false)
		} else {
			f.SetSize(len(in), false)
		}
		out = f.base64Decode(f.out, in)
		if last {
			out = f.base64DecodeClose(out)
		}
	case QPEnc:
		f.SetSize(4*len(in)+4, false)
		out = f.qpEncode(f.out, in)
		if last {
			out = f.qpEncodeClose(out)
		}
	case QPDec:
		f.SetSize(len(in)+2, false)
		out = f.qpDecode(f.out, in)
		if last {
			out = f.qpDecodeClose(out)
		}
	case UUEnc:
		f.SetSize(2*(len(in)+2)+62, false)
		out = f.uuEncode(f.out, in)
		if last {
			out = f.uuEncodeClose(out)
		}
	case UUDec:
		in = f.Leftover(in)
		f.SetSize(len(in)+3, false)
		out = f.uuDecode(f.out, in, last)
	default:
		panic(fmt.Sprintf("unknown basic filter type %d", f.typ))
	}
	count(f.typ.String(), orig, out)
	return f.done(out)
}

func (f *Basic) base64Encode(out, in []byte) []byte {
	for _, c := range in {
		f.save[f.nsave] = c
		f.nsave++
		if f.nsave == 3 {
			out = f.base64Quad(out, f.save[:3])
			f.nsave = 0
		}
	}
	return out
}

// base64Quad writes 4 characters for the 1 to 3 bytes in b, starting a new line
// if the current line is full.
func (f *Basic) base64Quad(out, b []byte) []byte {
	if f.linelen+4 > lineMax {
		out = append(out, '\n')
		f.linelen = 0
	}
	var buf [4]byte
	base64.StdEncoding.Encode(buf[:], b)
	f.linelen += 4
	return append(out, buf[:]...)
}

func (f *Basic) base64EncodeClose(out []byte) []byte {
	if f.nsave > 0 {
		out = f.base64Quad(out, f.save[:f.nsave])
		f.nsave = 0
	}
	return out
}

var base64Rank [256]byte

func init() {
	for i := range base64Rank {
		base64Rank[i] = 0xff
	}
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	for i := 0; i < len(alphabet); i++ {
		base64Rank[alphabet[i]] = byte(i)
	}
}

// base64Decode decodes in, ignoring characters outside the alphabet. A "="
// ends a quad, so concatenated base64 data decodes.
func (f *Basic) base64Decode(out, in []byte) []byte {
	for _, c := range in {
		if c == '=' {
			out = f.base64Flush(out)
			continue
		}
		r := base64Rank[c]
		if r == 0xff {
			continue
		}
		f.bits = f.bits<<6 | uint32(r)
		f.state++
		if f.state == 4 {
			out = append(out, byte(f.bits>>16), byte(f.bits>>8), byte(f.bits))
			f.state = 0
			f.bits = 0
		}
	}
	return out
}

// base64Flush writes the bytes for a partial quad.
func (f *Basic) base64Flush(out []byte) []byte {
	switch f.state {
	case 2:
		out = append(out, byte(f.bits>>4))
	case 3:
		out = append(out, byte(f.bits>>10), byte(f.bits>>2))
	}
	f.state = 0
	f.bits = 0
	return out
}

func (f *Basic) base64DecodeClose(out []byte) []byte {
	return f.base64Flush(out)
}

const hexdigits = "0123456789ABCDEF"

func qpSafe(c byte) bool {
	return c >= 33 && c <= 126 && c != '='
}

// qpToken writes a token of 1 or 3 characters, inserting a soft line break
// first if the token would not fit on the line.
func (f *Basic) qpToken(out []byte, tok ...byte) []byte {
	if f.linelen+len(tok) > lineMax-1 {
		out = append(out, '=', '\n')
		f.linelen = 0
	}
	f.linelen += len(tok)
	return append(out, tok...)
}

func (f *Basic) qpEncoded(out []byte, c byte) []byte {
	return f.qpToken(out, '=', hexdigits[c>>4], hexdigits[c&0xf])
}

func (f *Basic) qpEncode(out, in []byte) []byte {
	for _, c := range in {
		if c == '\n' {
			// Whitespace at end of line must be encoded.
			if f.state >= 0 {
				out = f.qpEncoded(out, byte(f.state))
			}
			out = append(out, '\n')
			f.linelen = 0
			f.state = -1
			continue
		}
		if f.state >= 0 {
			out = f.qpToken(out, byte(f.state))
			f.state = -1
		}
		switch {
		case c == ' ' || c == '\t':
			f.state = int(c)
		case qpSafe(c):
			out = f.qpToken(out, c)
		default:
			out = f.qpEncoded(out, c)
		}
	}
	return out
}

func (f *Basic) qpEncodeClose(out []byte) []byte {
	if f.state >= 0 {
		out = f.qpEncoded(out, byte(f.state))
		f.state = -1
	}
	return out
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// qpDecode decodes quoted-printable. Invalid escapes are passed through
// literally.
func (f *Basic) qpDecode(out, in []byte) []byte {
	for _, c := range in {
		switch f.state {
		case 0:
			if c == '=' {
				f.state = 1
			} else {
				out = append(out, c)
			}
		case 1:
			if c == '\n' {
				f.state = 0
			} else if c == '\r' {
				f.state = 3
			} else if _, ok := unhex(c); ok {
				f.save[0] = c
				f.state = 2
			} else {
				out = append(out, '=', c)
				f.state = 0
			}
		case 2:
			h, _ := unhex(f.save[0])
			if l, ok := unhex(c); ok {
				out = append(out, h<<4|l)
				f.state = 0
			} else if c == '=' {
				out = append(out, '=', f.save[0])
				f.state = 1
			} else {
				out = append(out, '=', f.save[0], c)
				f.state = 0
			}
		case 3:
			// Soft line break with CRLF, or a lone CR that we also treat as one.
			f.state = 0
			if c == '=' {
				f.state = 1
			} else if c != '\n' {
				out = append(out, c)
			}
		}
	}
	return out
}

func (f *Basic) qpDecodeClose(out []byte) []byte {
	switch f.state {
	case 1:
		out = append(out, '=')
	case 2:
		out = append(out, '=', f.save[0])
	}
	f.state = 0
	return out
}

func uuChar(v byte) byte {
	v &= 0x3f
	if v == 0 {
		return '`'
	}
	return ' ' + v
}

func (f *Basic) uuEncode(out, in []byte) []byte {
	for _, c := range in {
		f.save[f.nsave] = c
		f.nsave++
		if f.nsave == uuLineBytes {
			out = f.uuLine(out)
		}
	}
	return out
}

// uuLine writes the saved bytes as a line with a length character.
func (f *Basic) uuLine(out []byte) []byte {
	n := f.nsave
	out = append(out, uuChar(byte(n)))
	for i := 0; i < n; i += 3 {
		var b [3]byte
		copy(b[:], f.save[i:n])
		out = append(out,
			uuChar(b[0]>>2),
			uuChar(b[0]<<4|b[1]>>4),
			uuChar(b[1]<<2|b[2]>>6),
			uuChar(b[2]),
		)
	}
	f.nsave = 0
	return append(out, '\n')
}

func (f *Basic) uuEncodeClose(out []byte) []byte {
	if f.nsave > 0 {
		out = f.uuLine(out)
	}
	return append(out, "`\nend\n"...)
}

// uuDecode processes complete lines of in. A partial last line is backed up,
// unless last is set.
func (f *Basic) uuDecode(out, in []byte, last bool) []byte {
	for len(in) > 0 && f.state&uuEnd == 0 {
		i := bytes.IndexByte(in, '\n')
		var line []byte
		if i < 0 {
			if !last {
				f.Backup(in)
				break
			}
			line, in = in, nil
		} else {
			line, in = in[:i], in[i+1:]
		}
		line = bytes.TrimSuffix(line, []byte("\r"))

		if f.state&uuBegin == 0 {
			f.uuParseBegin(line)
			continue
		}
		if string(bytes.TrimRight(line, " \t")) == "end" {
			f.state |= uuEnd
			break
		}
		out = uuDecodeLine(out, line)
	}
	return out
}

// uuParseBegin checks for a "begin <mode> <filename>" line.
func (f *Basic) uuParseBegin(line []byte) {
	t := bytes.SplitN(line, []byte(" "), 3)
	if len(t) != 3 || string(t[0]) != "begin" {
		return
	}
	mode, err := strconv.ParseInt(string(t[1]), 8, 32)
	if err != nil {
		return
	}
	f.uubegin = true
	f.uumode = int(mode)
	f.uuname = string(t[2])
	f.state |= uuBegin
}

func uuDecodeLine(out, line []byte) []byte {
	if len(line) == 0 {
		return out
	}
	n := int((line[0] - ' ') & 0x3f)
	line = line[1:]
	for n > 0 {
		var v [4]byte
		for i := range v {
			if i < len(line) {
				v[i] = (line[i] - ' ') & 0x3f
			}
		}
		b := [3]byte{v[0]<<2 | v[1]>>4, v[1]<<4 | v[2]>>2, v[2]<<6 | v[3]}
		k := min(n, 3)
		out = append(out, b[:k]...)
		n -= k
		if len(line) <= 4 {
			line = nil
		} else {
			line = line[4:]
		}
	}
	return out
}
