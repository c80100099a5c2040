// Package message is an in-memory model of MIME messages: parts with their
// headers, leaf content, multiparts, embedded messages, and multipart/signed
// and multipart/encrypted parts. Trees are constructed from mimeparser events
// and can be written out again, re-encoding content as needed.
package message

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mjl-/moxmime/mimefilter"
	"github.com/mjl-/moxmime/mimeparser"
	"github.com/mjl-/moxmime/mlog"
)

var xlog = mlog.New("message", nil)

// DefaultCharset is assumed for text without charset parameter that is not
// valid us-ascii.
var DefaultCharset = "iso-8859-1"

var ErrNotLeaf = errors.New("part does not have leaf content")

// Content is the content of a part: *DataWrapper, *Multipart,
// *MultipartSigned, *MultipartEncrypted or *Message.
type Content interface {
	writeContent(w io.Writer, p *Part) error
}

// Part is a MIME part with its headers and content. Standard MIME header
// fields are parsed when set, and available through getters.
type Part struct {
	headers Headers

	contentType     *ContentType
	disposition     *Disposition
	contentID       string
	contentMD5      string
	contentLocation string
	languages       []string
	description     string
	encoding        Encoding

	content Content

	raw []byte // Exact bytes of part, for parts of a multipart/signed.
}

// Headers returns a copy of the header fields.
func (p *Part) Headers() Headers {
	return append(Headers(nil), p.headers...)
}

// Header returns the value of the first header field with name.
func (p *Part) Header(name string) string {
	return p.headers.Get(name)
}

// AddHeader adds a header field. Singleton fields like Content-Type are
// replaced.
func (p *Part) AddHeader(name, value string) {
	p.headers.Add(name, value)
	p.process(name, value)
}

// SetHeader replaces header fields with name by a single field.
func (p *Part) SetHeader(name, value string) {
	p.headers.Set(name, value)
	p.process(name, value)
}

// RemoveHeader removes all header fields with name.
func (p *Part) RemoveHeader(name string) {
	p.headers.Remove(name)
	p.process(name, "")
}

// process updates the parsed value of a standard header field. An empty value
// clears it.
func (p *Part) process(name, value string) {
	v := strings.TrimSpace(mimeparser.Unfold(value))
	switch strings.ToLower(name) {
	case "content-type":
		p.contentType = nil
		if v != "" {
			ct, err := ParseContentType(v)
			if err != nil {
				xlog.Debugx("parsing content-type, continuing", err, slog.String("contenttype", v))
			}
			p.contentType = ct
		}
	case "content-transfer-encoding":
		p.encoding = ParseEncoding(v)
	case "content-disposition":
		p.disposition = nil
		if v != "" {
			d, err := ParseDisposition(v)
			if err != nil {
				xlog.Debugx("parsing content-disposition, ignoring", err, slog.String("disposition", v))
			}
			p.disposition = d
		}
	case "content-id":
		p.contentID = strings.TrimSuffix(strings.TrimPrefix(v, "<"), ">")
	case "content-md5":
		p.contentMD5 = v
	case "content-location":
		p.contentLocation = v
	case "content-language":
		p.languages = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				p.languages = append(p.languages, s)
			}
		}
	case "content-description":
		p.description = v
	}
}

// ContentType returns the content type, text/plain if not set.
func (p *Part) ContentType() *ContentType {
	if p.contentType == nil {
		return DefaultContentType()
	}
	return p.contentType
}

// DefaultContentType returns text/plain with charset us-ascii.
func DefaultContentType() *ContentType {
	return &ContentType{Type: "text", Subtype: "plain", Params: map[string]string{"charset": "us-ascii"}}
}

// SetContentType sets the Content-Type header.
func (p *Part) SetContentType(ct *ContentType) {
	p.headers.Set("Content-Type", formatParams("Content-Type", ct.MediaType(), ct.Params))
	p.contentType = cloneContentType(ct)
}

// Disposition returns the parsed Content-Disposition, or nil.
func (p *Part) Disposition() *Disposition {
	return p.disposition
}

// SetDisposition sets the Content-Disposition header. A nil disposition
// removes the header.
func (p *Part) SetDisposition(d *Disposition) {
	if d == nil {
		p.RemoveHeader("Content-Disposition")
		return
	}
	p.SetHeader("Content-Disposition", d.String())
}

// ContentID returns the Content-ID, without angle brackets.
func (p *Part) ContentID() string {
	return p.contentID
}

// SetContentID sets the Content-ID, id is without angle brackets.
func (p *Part) SetContentID(id string) {
	p.setOrRemove("Content-ID", "<"+id+">", id == "")
}

func (p *Part) ContentMD5() string {
	return p.contentMD5
}

func (p *Part) SetContentMD5(md5 string) {
	p.setOrRemove("Content-MD5", md5, md5 == "")
}

func (p *Part) ContentLocation() string {
	return p.contentLocation
}

func (p *Part) SetContentLocation(loc string) {
	p.setOrRemove("Content-Location", loc, loc == "")
}

// ContentLanguages returns the languages from Content-Language.
func (p *Part) ContentLanguages() []string {
	return p.languages
}

func (p *Part) SetContentLanguages(l []string) {
	p.setOrRemove("Content-Language", strings.Join(l, ", "), len(l) == 0)
}

// Description returns the Content-Description, with encoded-words decoded.
func (p *Part) Description() string {
	return DecodeHeader(p.description)
}

func (p *Part) SetDescription(s string) {
	p.setOrRemove("Content-Description", s, s == "")
}

func (p *Part) setOrRemove(name, value string, remove bool) {
	if remove {
		p.RemoveHeader(name)
	} else {
		p.SetHeader(name, value)
	}
}

// Encoding returns the transfer encoding of the part.
func (p *Part) Encoding() Encoding {
	return p.encoding
}

// SetEncoding sets the transfer encoding used when writing the part. Content is
// re-encoded if it is stored in another encoding.
func (p *Part) SetEncoding(enc Encoding) {
	p.setOrRemove("Content-Transfer-Encoding", enc.String(), enc == EncodingDefault)
}

// Content returns the content of the part, nil if not set.
func (p *Part) Content() Content {
	return p.content
}

// SetContent sets the content. For multiparts with a boundary, the boundary
// parameter of the content type is updated.
func (p *Part) SetContent(c Content) {
	p.content = c
	var boundary string
	switch mp := c.(type) {
	case *Multipart:
		boundary = mp.Boundary
	case *MultipartEncrypted:
		boundary = mp.Boundary
	}
	if boundary != "" {
		ct := p.ContentType()
		if !ct.Is("multipart", "*") {
			ct = &ContentType{Type: "multipart", Subtype: "mixed"}
		}
		ct = cloneContentType(ct)
		ct.SetParam("boundary", boundary)
		p.SetContentType(ct)
	}
}

// Raw returns the exact bytes of the part, including header, for parts of a
// multipart/signed. Nil for other parts.
func (p *Part) Raw() []byte {
	return p.raw
}

// DispositionFilename tries to parse the disposition header and the "filename"
// parameter. If the filename parameter is absent or can't be parsed, the "name"
// parameter from the Content-Type header is used for the filename. The returned
// filename is decoded according to RFC 2231 or RFC 2047. If the returned error
// is an ErrParamEncoding, it can be treated as a diagnostic and a filename may
// still be returned.
func (p *Part) DispositionFilename() (disposition string, filename string, err error) {
	var params map[string]string
	if v := p.headers.Get("Content-Disposition"); v != "" {
		var d *Disposition
		d, err = ParseDisposition(v)
		if err != nil {
			return "", "", err
		}
		disposition, params = d.Type, d.Params
	}
	filename, err = tryDecodeParam(params["filename"])
	if filename == "" {
		s, err2 := tryDecodeParam(p.ContentType().Param("name"))
		filename = s
		if err == nil {
			err = err2
		}
	}
	return disposition, filename, err
}

// WriteTo writes the header and content of the part. Content is re-encoded
// when the transfer encoding of the part differs from the encoding the content
// is stored in. Lines end in "\n", use a mimefilter.CRLF to canonicalize.
func (p *Part) WriteTo(w io.Writer) (int64, error) {
	cw := &countWriter{w: w}
	if _, err := p.headers.WriteTo(cw); err != nil {
		return cw.n, err
	}
	if _, err := io.WriteString(cw, "\n"); err != nil {
		return cw.n, err
	}
	if p.content != nil {
		if err := p.content.writeContent(cw, p); err != nil {
			return cw.n, err
		}
	}
	return cw.n, nil
}

type countWriter struct {
	w io.Writer
	n int64
}

func (w *countWriter) Write(buf []byte) (int, error) {
	n, err := w.w.Write(buf)
	w.n += int64(n)
	return n, err
}

// DecodedReader returns a reader for the content with the transfer encoding
// decoded.
func (p *Part) DecodedReader() (io.Reader, error) {
	dw, ok := p.content.(*DataWrapper)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotLeaf, p.content)
	}
	return dw.Reader(), nil
}

// Charset returns the charset of the text content. If the charset parameter is
// absent and the text is not us-ascii, DefaultCharset is returned. A claimed
// iso-8859 charset is replaced by its windows variant if the text contains
// bytes only used by the windows charset.
func (p *Part) Charset() (string, error) {
	data, err := p.decoded()
	if err != nil {
		return "", err
	}
	return detectCharset(p.contentType.Param("charset"), data), nil
}

func detectCharset(claimed string, data []byte) string {
	if claimed == "" {
		claimed = "us-ascii"
		for _, c := range data {
			if c >= 0x80 {
				claimed = DefaultCharset
				break
			}
		}
	}
	w := mimefilter.NewWindows(claimed)
	mimefilter.Apply(w, data)
	return w.RealCharset()
}

func (p *Part) decoded() ([]byte, error) {
	r, err := p.DecodedReader()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// TextUTF8 returns the decoded content converted to UTF-8 from its charset.
// Bytes invalid in the charset are skipped.
func (p *Part) TextUTF8() (string, error) {
	data, err := p.decoded()
	if err != nil {
		return "", err
	}
	cs := detectCharset(p.contentType.Param("charset"), data)
	f, err := mimefilter.NewCharset(cs, "utf-8")
	if err != nil {
		return "", fmt.Errorf("converting from charset: %w", err)
	}
	buf := mimefilter.Apply(f, data)
	if n := f.Skipped(); n > 0 {
		xlog.Debug("invalid bytes skipped in text", slog.String("charset", cs), slog.Int("skipped", n))
	}
	return string(buf), nil
}

// Walk calls fn for p and all its descendants, depth first, including parts of
// embedded messages. Parts of a multipart/signed are included if they can be
// parsed. If fn returns an error, walking stops and the error is returned.
func (p *Part) Walk(fn func(path []int, p *Part) error) error {
	return p.walk(nil, fn)
}

func (p *Part) walk(path []int, fn func(path []int, p *Part) error) error {
	if err := fn(path, p); err != nil {
		return err
	}
	var parts []*Part
	switch c := p.content.(type) {
	case *Multipart:
		parts = c.parts
	case *MultipartEncrypted:
		parts = c.parts
	case *MultipartSigned:
		for i := 0; i < c.Number(); i++ {
			if sp, err := c.Part(SignedIndex(i)); err == nil {
				parts = append(parts, sp)
			}
		}
	case *Message:
		return c.Part.walk(append(append([]int(nil), path...), 0), fn)
	}
	for i, sp := range parts {
		if err := sp.walk(append(append([]int(nil), path...), i), fn); err != nil {
			return err
		}
	}
	return nil
}
