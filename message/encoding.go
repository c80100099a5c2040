package message

import (
	"bytes"
	"strings"

	"github.com/mjl-/moxmime/mimefilter"
)

// Encoding is a Content-Transfer-Encoding.
type Encoding int

const (
	EncodingDefault Encoding = iota // No Content-Transfer-Encoding header, same as 7bit.
	Encoding7bit
	Encoding8bit
	EncodingBinary
	EncodingBase64
	EncodingQuotedPrintable
	EncodingUUEncode
)

var encodingNames = []string{
	EncodingDefault:         "",
	Encoding7bit:            "7bit",
	Encoding8bit:            "8bit",
	EncodingBinary:          "binary",
	EncodingBase64:          "base64",
	EncodingQuotedPrintable: "quoted-printable",
	EncodingUUEncode:        "x-uuencode",
}

// ParseEncoding parses a Content-Transfer-Encoding header value, case
// insensitive. Unknown values are returned as EncodingDefault, their content is
// treated as is.
func ParseEncoding(s string) Encoding {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "uuencode", "x-uue":
		return EncodingUUEncode
	}
	for i, name := range encodingNames {
		if i > 0 && name == s {
			return Encoding(i)
		}
	}
	return EncodingDefault
}

// String returns the header value for the encoding, empty for EncodingDefault.
func (e Encoding) String() string {
	if e < 0 || int(e) >= len(encodingNames) {
		return ""
	}
	return encodingNames[e]
}

// Identity returns whether content in this encoding is stored as is.
func (e Encoding) Identity() bool {
	switch e {
	case EncodingBase64, EncodingQuotedPrintable, EncodingUUEncode:
		return false
	}
	return true
}

// Decoder returns a new filter decoding content in this encoding, or nil for
// identity encodings.
func (e Encoding) Decoder() mimefilter.Filter {
	switch e {
	case EncodingBase64:
		return mimefilter.NewBasic(mimefilter.Base64Dec)
	case EncodingQuotedPrintable:
		return mimefilter.NewBasic(mimefilter.QPDec)
	case EncodingUUEncode:
		return mimefilter.NewBasic(mimefilter.UUDec)
	}
	return nil
}

// Encoder returns a new filter encoding to this encoding, or nil for identity
// encodings. For uuencode, the "begin" line is not written by the filter.
func (e Encoding) Encoder() mimefilter.Filter {
	switch e {
	case EncodingBase64:
		return mimefilter.NewBasic(mimefilter.Base64Enc)
	case EncodingQuotedPrintable:
		return mimefilter.NewBasic(mimefilter.QPEnc)
	case EncodingUUEncode:
		return mimefilter.NewBasic(mimefilter.UUEnc)
	}
	return nil
}

// BestEncoding returns the encoding to use for data. Data that is 7 bit clean
// with lines of at most 998 bytes is 7bit. Text with a low fraction of 8 bit
// bytes becomes quoted-printable, everything else base64. See RFC 2045,
// section 6.
func BestEncoding(data []byte) Encoding {
	var high, ctl int
	long := false
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) > 998 {
			long = true
		}
		for _, c := range line {
			if c >= 0x80 {
				high++
			} else if c == 0 || c < ' ' && c != '\t' && c != '\r' {
				ctl++
			}
		}
	}
	switch {
	case high == 0 && ctl == 0 && !long:
		return Encoding7bit
	case ctl == 0 && high <= len(data)/6:
		return EncodingQuotedPrintable
	}
	return EncodingBase64
}
