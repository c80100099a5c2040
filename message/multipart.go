package message

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Multipart is the content of a multipart part.
type Multipart struct {
	Boundary string
	Preface  []byte // Text before the first boundary, without line ending.
	Postface []byte // Text after the closing boundary.

	parts []*Part
}

// NewMultipart returns a multipart with a new random boundary.
func NewMultipart() *Multipart {
	return &Multipart{Boundary: NewBoundary()}
}

// NewBoundary returns a random boundary that cannot occur in base64 or
// quoted-printable content.
func NewBoundary() string {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("random boundary: %v", err))
	}
	return "=-" + base64.RawURLEncoding.EncodeToString(buf)
}

// AddPart appends a part.
func (m *Multipart) AddPart(p *Part) {
	m.parts = append(m.parts, p)
}

// Part returns part i, or nil if out of range.
func (m *Multipart) Part(i int) *Part {
	if i < 0 || i >= len(m.parts) {
		return nil
	}
	return m.parts[i]
}

// Len returns the number of parts.
func (m *Multipart) Len() int {
	return len(m.parts)
}

// Parts returns the parts.
func (m *Multipart) Parts() []*Part {
	return m.parts
}

func (m *Multipart) writeContent(w io.Writer, p *Part) error {
	boundary := m.Boundary
	if boundary == "" {
		boundary = p.ContentType().Param("boundary")
	}
	if boundary == "" {
		return fmt.Errorf("writing multipart: %w", ErrMissingBoundary)
	}
	if _, err := w.Write(m.Preface); err != nil {
		return err
	}
	// The line ending before a boundary belongs to the boundary.
	nl := ""
	if len(m.Preface) > 0 {
		nl = "\n"
	}
	for _, sp := range m.parts {
		if _, err := fmt.Fprintf(w, "%s--%s\n", nl, boundary); err != nil {
			return err
		}
		if _, err := sp.WriteTo(w); err != nil {
			return err
		}
		nl = "\n"
	}
	if _, err := fmt.Fprintf(w, "%s--%s--\n", nl, boundary); err != nil {
		return err
	}
	_, err := w.Write(m.Postface)
	return err
}

// MultipartEncrypted is the content of a multipart/encrypted part, see RFC
// 1847. The first part is the control information of the protocol, the second
// part the encrypted data.
type MultipartEncrypted struct {
	Multipart

	protocol  string
	decrypted *Part
}

// Protocol returns the protocol parameter of the content type, e.g.
// "application/pgp-encrypted".
func (m *MultipartEncrypted) Protocol() string {
	return m.protocol
}

// VersionPart returns the part with control information, or nil.
func (m *MultipartEncrypted) VersionPart() *Part {
	return m.Part(0)
}

// EncryptedPart returns the part with encrypted data, or nil.
func (m *MultipartEncrypted) EncryptedPart() *Part {
	return m.Part(1)
}

// Decrypted returns the decrypted part set with SetDecrypted, or nil.
func (m *MultipartEncrypted) Decrypted() *Part {
	return m.decrypted
}

// SetDecrypted caches the decrypted part.
func (m *MultipartEncrypted) SetDecrypted(p *Part) {
	m.decrypted = p
}

// Encrypt is not implemented, it always panics.
func (m *MultipartEncrypted) Encrypt(content *Part, recipients []string) {
	panic("multipart/encrypted: encrypt not implemented")
}
