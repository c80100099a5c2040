package mimefilter

// Direction of a CRLF filter.
type Direction int

const (
	Encode Direction = iota // Bare LF to CRLF.
	Decode                  // CRLF to LF.
)

// CRLFMode selects dot escaping for a CRLF filter.
type CRLFMode int

const (
	ModeCRLFOnly CRLFMode = iota
	ModeCRLFDots          // Also escape leading dots, as for SMTP DATA.
)

// CRLF canonicalizes line endings. Encoding turns bare "\n" into "\r\n",
// keeping existing "\r\n". Decoding turns "\r\n" into "\n", keeping bare "\r".
// With ModeCRLFDots, a dot at the start of a line is doubled when encoding, and
// one leading dot is removed when decoding.
type CRLF struct {
	Base
	dir  Direction
	mode CRLFMode

	sawCR  bool // Encode: previous byte was CR. Decode: CR pending.
	sawLF  bool // At start of line.
	sawDot bool // Decode: leading dot removed on current line.
}

func NewCRLF(dir Direction, mode CRLFMode) *CRLF {
	f := &CRLF{dir: dir, mode: mode}
	f.Reset()
	return f
}

func (f *CRLF) Reset() {
	f.ResetBase()
	f.sawCR = false
	f.sawLF = true
	f.sawDot = false
}

func (f *CRLF) Filter(in []byte) []byte {
	var out []byte
	if f.dir == Encode {
		f.SetSize(2*len(in), false)
		out = f.encode(f.out, in)
	} else {
		f.SetSize(len(in)+1, false)
		out = f.decode(f.out, in)
	}
	count("crlf", in, out)
	return f.done(out)
}

func (f *CRLF) Complete(in []byte) []byte {
	out := f.Filter(in)
	if f.dir == Decode && f.sawCR {
		out = append(out, '\r')
		out = f.done(out)
	}
	f.sawCR = false
	f.sawLF = true
	f.sawDot = false
	return out
}

func (f *CRLF) encode(out, in []byte) []byte {
	dots := f.mode == ModeCRLFDots
	for _, c := range in {
		switch {
		case c == '\n':
			if !f.sawCR {
				out = append(out, '\r')
			}
			out = append(out, '\n')
			f.sawCR = false
			f.sawLF = true
			continue
		case c == '.' && dots && f.sawLF:
			out = append(out, '.')
		}
		out = append(out, c)
		f.sawCR = c == '\r'
		f.sawLF = false
	}
	return out
}

func (f *CRLF) decode(out, in []byte) []byte {
	dots := f.mode == ModeCRLFDots
	for _, c := range in {
		if f.sawCR {
			f.sawCR = false
			if c == '\n' {
				out = append(out, '\n')
				f.sawLF = true
				f.sawDot = false
				continue
			}
			out = append(out, '\r')
			f.sawLF = false
		}
		switch {
		case c == '\r':
			f.sawCR = true
		case c == '\n':
			out = append(out, '\n')
			f.sawLF = true
			f.sawDot = false
		case c == '.' && dots && f.sawLF && !f.sawDot:
			f.sawDot = true
			f.sawLF = false
		default:
			out = append(out, c)
			f.sawLF = false
		}
	}
	return out
}
