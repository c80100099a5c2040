package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/mjl-/moxmime/mimefilter"
	"github.com/mjl-/moxmime/stream"
)

var (
	ErrMissingBoundary = errors.New("missing boundary")
	ErrSignedStructure = errors.New("bad multipart/signed structure")
	ErrSignedNotParsed = errors.New("multipart/signed part not available")
)

// SignedIndex is the index of a part of a multipart/signed.
type SignedIndex int

const (
	SignedContent   SignedIndex = 0
	SignedSignature SignedIndex = 1
)

// MultipartSigned is the content of a multipart/signed part, see RFC 1847 and
// RFC 3156. The signed content must be verified against the exact bytes of the
// message, so the content is kept as is, and the two parts are located by
// scanning for boundaries in the raw bytes instead of parsing as MIME.
type MultipartSigned struct {
	Boundary string
	Preface  []byte
	Postface []byte

	// Offsets in the raw content of the signed content (part 1) and the
	// signature (part 2), excluding boundary lines and the line ending before a
	// boundary. -1 if not found.
	Start1, End1, Start2, End2 int64

	protocol string
	micalg   string
	raw      []byte
	parts    [2]*Part // Parsed lazily.
}

// NewMultipartSigned returns an empty multipart/signed with the parameters
// from its content type.
func NewMultipartSigned(ct *ContentType) *MultipartSigned {
	return &MultipartSigned{
		Boundary: ct.Param("boundary"),
		protocol: ct.Param("protocol"),
		micalg:   ct.Param("micalg"),
		Start1:   -1,
		End1:     -1,
		Start2:   -1,
		End2:     -1,
	}
}

// Protocol returns the protocol parameter, e.g. "application/pgp-signature".
func (m *MultipartSigned) Protocol() string {
	return m.protocol
}

// Micalg returns the message integrity check algorithm parameter, e.g.
// "pgp-sha256".
func (m *MultipartSigned) Micalg() string {
	return m.micalg
}

// Raw returns the raw content as set with ParseContent.
func (m *MultipartSigned) Raw() []byte {
	return m.raw
}

// boundaryLine returns whether line (without line ending) is a boundary line
// for b, and whether it is the closing boundary.
func boundaryLine(line, b []byte) (match, closing bool) {
	if !bytes.HasPrefix(line, b) {
		return false, false
	}
	rest := line[len(b):]
	if bytes.HasPrefix(rest, []byte("--")) {
		return true, true
	}
	return len(bytes.TrimRight(rest, " \t\r")) == 0, false
}

// ParseContent sets the raw content and locates the two parts. The offsets
// are set for as many parts as could be found, Number reports how many.
func (m *MultipartSigned) ParseContent(raw []byte) error {
	m.raw = raw
	m.Preface, m.Postface = nil, nil
	m.Start1, m.End1, m.Start2, m.End2 = -1, -1, -1, -1
	m.parts = [2]*Part{}
	if m.Boundary == "" {
		return fmt.Errorf("%w: multipart/signed without boundary parameter", ErrMissingBoundary)
	}
	b := []byte("--" + m.Boundary)

	// Offset before line ending preceding offset o, not before start.
	beforeNL := func(o, start int64) int64 {
		if o > start && raw[o-1] == '\n' {
			o--
			if o > start && raw[o-1] == '\r' {
				o--
			}
		}
		return o
	}

	var o int64
	n := int64(len(raw))
	var boundaries int
	for o < n {
		start := o
		end := n
		if i := bytes.IndexByte(raw[o:], '\n'); i >= 0 {
			end = o + int64(i) + 1
		}
		o = end
		match, closing := boundaryLine(bytes.TrimRight(raw[start:end], "\n"), b)
		if !match {
			continue
		}
		if closing {
			switch boundaries {
			case 0:
				return fmt.Errorf("%w: closing boundary before first part", ErrSignedStructure)
			case 1:
				m.End1 = beforeNL(start, m.Start1)
			case 2:
				m.End2 = beforeNL(start, m.Start2)
			}
			m.Postface = raw[end:]
			if boundaries != 2 {
				return fmt.Errorf("%w: %d parts instead of 2", ErrSignedStructure, boundaries)
			}
			return nil
		}
		boundaries++
		switch boundaries {
		case 1:
			m.Preface = raw[:beforeNL(start, 0)]
			m.Start1 = end
		case 2:
			m.End1 = beforeNL(start, m.Start1)
			m.Start2 = end
		default:
			m.End2 = beforeNL(start, m.Start2)
			return fmt.Errorf("%w: more than 2 parts", ErrSignedStructure)
		}
	}
	switch boundaries {
	case 0:
		return fmt.Errorf("%w: no boundary found", ErrSignedStructure)
	case 1:
		m.End1 = beforeNL(n, m.Start1)
	case 2:
		m.End2 = beforeNL(n, m.Start2)
	}
	return fmt.Errorf("%w: missing closing boundary", ErrSignedStructure)
}

// Number returns the number of parts that can be returned by Part: 0 if no
// content was parsed or no boundary was found, 1 if only the signed content
// was found, 2 if the signature was found as well.
func (m *MultipartSigned) Number() int {
	switch {
	case m.raw == nil || m.Start1 < 0 || m.End1 < 0:
		return 0
	case m.Start2 < 0 || m.End2 < 0:
		return 1
	}
	return 2
}

// Part returns the signed content or the signature as a part, parsed from the
// exact bytes on first use. The Raw method of the returned part returns those
// bytes.
func (m *MultipartSigned) Part(index SignedIndex) (*Part, error) {
	if index < 0 || int(index) >= m.Number() {
		return nil, fmt.Errorf("%w: part %d of %d", ErrSignedNotParsed, index, m.Number())
	}
	if p := m.parts[index]; p != nil {
		return p, nil
	}
	start, end := m.Start1, m.End1
	if index == SignedSignature {
		start, end = m.Start2, m.End2
	}
	raw := m.raw[start:end]
	msg, err := ParseBytes(nil, raw)
	if msg == nil {
		return nil, fmt.Errorf("parsing part of multipart/signed: %w", err)
	}
	if err != nil {
		xlog.Debugx("parsing part of multipart/signed, continuing", err)
	}
	p := &msg.Part
	p.raw = raw
	m.parts[index] = p
	return p, nil
}

// ContentStream returns the signed content, header included, with line
// endings canonicalized to CRLF, as needed for signature verification.
func (m *MultipartSigned) ContentStream() (io.Reader, error) {
	if m.Number() < 1 {
		return nil, fmt.Errorf("%w: no signed content", ErrSignedNotParsed)
	}
	sub := stream.Sub(stream.NewMem(m.raw), m.Start1, m.End1)
	fs := stream.NewFilter(sub)
	fs.Add(mimefilter.NewCRLF(mimefilter.Encode, mimefilter.ModeCRLFOnly))
	return fs, nil
}

// SetPart panics, the parts of a multipart/signed cannot be changed.
func (m *MultipartSigned) SetPart(index SignedIndex, p *Part) {
	panic("multipart/signed: parts cannot be changed")
}

// AddPart panics, parts cannot be added to a multipart/signed.
func (m *MultipartSigned) AddPart(p *Part) {
	panic("multipart/signed: parts cannot be added")
}

// Sign is not implemented, it always panics.
func (m *MultipartSigned) Sign(content *Part, signer string) {
	panic("multipart/signed: sign not implemented")
}

func (m *MultipartSigned) writeContent(w io.Writer, p *Part) error {
	_, err := w.Write(m.raw)
	return err
}
