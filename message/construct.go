package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mjl-/moxmime/mimeparser"
	"github.com/mjl-/moxmime/mlog"
)

var ErrParserState = errors.New("unexpected parser state")

// Parse reads a message from r. A message is returned unless reading failed
// before the first header. Anomalies in the message are returned as error
// along with the message, and can be treated as diagnostics.
func Parse(elog *slog.Logger, r io.Reader) (*Message, error) {
	return ParseParser(mimeparser.New(elog, r))
}

// ParseBytes parses a message from buf, see Parse.
func ParseBytes(elog *slog.Logger, buf []byte) (*Message, error) {
	return Parse(elog, bytes.NewReader(buf))
}

// ParseFile parses the message in file path, see Parse.
func ParseFile(elog *slog.Logger, path string) (*Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		err := f.Close()
		mlog.New("message", elog).Check(err, "closing message file")
	}()
	return Parse(elog, f)
}

// ParseParser constructs a message from the next part of the parser, which
// must return a header as next state. Anomalies recorded by the parser are
// returned as error along with the message.
func ParseParser(mp *mimeparser.Parser) (*Message, error) {
	if st, _ := mp.Step(); st != mimeparser.StateHeader {
		mp.Unstep()
		return nil, fmt.Errorf("%w: %v, expected header", ErrParserState, st)
	}
	m := &Message{}
	if err := ConstructFromParser(&m.Part, mp); err != nil {
		return m, err
	}
	return m, mp.Err()
}

// ConstructFromParser sets the headers and content of p from the parser, which
// must have just returned StateHeader. The parser is stepped until the end
// state of the part.
func ConstructFromParser(p *Part, mp *mimeparser.Parser) error {
	if st := mp.State(); st != mimeparser.StateHeader {
		return fmt.Errorf("%w: %v, expected header", ErrParserState, st)
	}
	for _, h := range mp.Headers() {
		if h.Name != "" {
			p.AddHeader(h.Name, h.Value)
		}
	}
	// Without header, the content type stays implicit, except for the
	// message/rfc822 default of parts of a multipart/digest.
	if p.contentType == nil && mp.ContentType().Is("message", "rfc822") {
		p.contentType = cloneContentType(mp.ContentType())
	}
	ct := p.ContentType()
	enc := p.encoding

	st, data := mp.Step()
	switch st {
	case mimeparser.StateBody, mimeparser.StateBodyEnd:
		var buf []byte
		for st == mimeparser.StateBody {
			buf = append(buf, data...)
			st, _ = mp.Step()
		}
		if st != mimeparser.StateBodyEnd {
			return fmt.Errorf("%w: %v in body", ErrParserState, st)
		}
		if ct.Is("multipart", "signed") {
			ms := NewMultipartSigned(ct)
			if err := ms.ParseContent(buf); err != nil {
				xlog.Debugx("parsing multipart/signed content, continuing", err)
			}
			p.content = ms
			return nil
		}
		dw := &DataWrapper{Data: buf}
		p.content = dw
		// Transfer encoding is set on the content after it is constructed.
		dw.Encoding = enc

	case mimeparser.StateMultipart:
		var mp0 *Multipart
		if ct.Is("multipart", "encrypted") {
			me := &MultipartEncrypted{protocol: ct.Param("protocol")}
			mp0 = &me.Multipart
			p.content = me
		} else {
			mp0 = &Multipart{}
			p.content = mp0
		}
		mp0.Boundary = ct.Param("boundary")
		mp0.Preface = append([]byte(nil), data...)
		for {
			st, data = mp.Step()
			if st == mimeparser.StateMultipartEnd {
				mp0.Postface = append([]byte(nil), data...)
				break
			}
			if st != mimeparser.StateHeader {
				return fmt.Errorf("%w: %v in multipart", ErrParserState, st)
			}
			sp := &Part{}
			if err := ConstructFromParser(sp, mp); err != nil {
				return err
			}
			mp0.AddPart(sp)
		}

	case mimeparser.StateMessage:
		if st, _ := mp.Step(); st != mimeparser.StateHeader {
			return fmt.Errorf("%w: %v in message", ErrParserState, st)
		}
		m := &Message{}
		if err := ConstructFromParser(&m.Part, mp); err != nil {
			return err
		}
		p.content = m
		if st, _ := mp.Step(); st != mimeparser.StateMessageEnd {
			return fmt.Errorf("%w: %v after message", ErrParserState, st)
		}

	default:
		return fmt.Errorf("%w: %v after header", ErrParserState, st)
	}
	return nil
}
