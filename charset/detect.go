package charset

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Charsets considered by Detector, in order of preference. A charset is only
// considered when all non-ascii characters seen can be represented in it.
var detectCharsets = []struct {
	name string
	cm   *charmap.Charmap
}{
	{"iso-8859-2", charmap.ISO8859_2},
	{"iso-8859-4", charmap.ISO8859_4},
	{"koi8-r", charmap.KOI8R},
	{"koi8-u", charmap.KOI8U},
	{"iso-8859-5", charmap.ISO8859_5},
	{"iso-8859-7", charmap.ISO8859_7},
	{"iso-8859-8", charmap.ISO8859_8},
	{"iso-8859-9", charmap.ISO8859_9},
	{"iso-8859-13", charmap.ISO8859_13},
	{"iso-8859-15", charmap.ISO8859_15},
	{"windows-1251", charmap.Windows1251},
	{"windows-1252", charmap.Windows1252},
}

// Maps a non-ascii code point to a bit mask of detectCharsets that can represent
// it. Only written during init.
var charsetMasks = map[rune]uint32{}

func init() {
	for i, cs := range detectCharsets {
		for b := 0x80; b <= 0xff; b++ {
			r := cs.cm.DecodeByte(byte(b))
			if r == utf8.RuneError {
				continue
			}
			charsetMasks[r] |= 1 << uint(i)
		}
	}
}

// Detector determines the simplest charset that can represent text. Text is
// given to Step as UTF-8. The zero value is not ready for use, call Init first
// or use NewDetector.
type Detector struct {
	mask  uint32
	level int // 0: only ascii seen, 1: only latin1, 2: other.
}

// NewDetector returns an initialized Detector.
func NewDetector() *Detector {
	d := &Detector{}
	d.Init()
	return d
}

// Init resets the detector.
func (d *Detector) Init() {
	d.mask = ^uint32(0)
	d.level = 0
}

// Step accumulates the characters in buf, which should be UTF-8. Invalid UTF-8
// cannot be represented in any of the 8-bit charsets, and leads to UTF-8.
func (d *Detector) Step(buf []byte) {
	for len(buf) > 0 {
		c := buf[0]
		if c < utf8.RuneSelf {
			buf = buf[1:]
			continue
		}
		r, n := utf8.DecodeRune(buf)
		buf = buf[n:]
		d.rune(r, n)
	}
}

// StepString is like Step, for a string.
func (d *Detector) StepString(s string) {
	for i, r := range s {
		if r < utf8.RuneSelf {
			continue
		}
		n := len(string(r))
		if r == utf8.RuneError {
			_, n = utf8.DecodeRuneInString(s[i:])
		}
		d.rune(r, n)
	}
}

func (d *Detector) rune(r rune, n int) {
	if r == utf8.RuneError && n <= 1 {
		d.mask = 0
		d.level = 2
		return
	}
	if r <= 0xff {
		if d.level < 1 {
			d.level = 1
		}
	} else {
		d.level = 2
	}
	d.mask &= charsetMasks[r]
}

// BestName returns the name of the simplest charset that can represent all
// text seen. It returns "us-ascii" for pure ascii, "iso-8859-1" for latin1 text,
// the first matching 8-bit charset for other text, and "UTF-8" as fallback.
func (d *Detector) BestName() string {
	switch d.level {
	case 0:
		return "us-ascii"
	case 1:
		return "iso-8859-1"
	}
	for i, cs := range detectCharsets {
		if d.mask&(1<<uint(i)) != 0 {
			return cs.name
		}
	}
	return "UTF-8"
}

// BestNameFor returns the best charset for s, see Detector.BestName.
func BestNameFor(s string) string {
	d := NewDetector()
	d.StepString(s)
	return d.BestName()
}
