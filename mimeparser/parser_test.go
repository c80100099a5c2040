package mimeparser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/mjl-/moxmime/mimefilter"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if fmt.Sprint(got) != fmt.Sprint(exp) {
		t.Fatalf("got:\n%v\nexpected:\n%v", got, exp)
	}
}

func tfail(t *testing.T, err, expErr error) {
	t.Helper()
	if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
		t.Fatalf("got err %v, expected %v", err, expErr)
	}
}

// events steps the parser until EOF, returning states with their data for
// states that have data.
func events(p *Parser) []string {
	var l []string
	for i := 0; i < 1000; i++ {
		st, data := p.Step()
		switch st {
		case StateBody, StateMultipart, StateMultipartEnd, StatePreFrom, StateFrom:
			l = append(l, fmt.Sprintf("%s(%q)", st, data))
		default:
			l = append(l, st.String())
		}
		if st == StateEOF {
			break
		}
	}
	return l
}

func parse(s string) *Parser {
	return New(nil, strings.NewReader(s))
}

var multipartMsg = "Content-Type: multipart/mixed; boundary=\"X\"\r\n\r\n--X\r\n\r\npart1\r\n--X\r\n\r\npart2\r\n--X--\r\n"

func TestMultipart(t *testing.T) {
	p := parse(multipartMsg)
	tcompare(t, events(p), []string{
		"header",
		`multipart("")`,
		"header",
		`body("part1")`,
		"body_end",
		"header",
		`body("part2")`,
		"body_end",
		`multipart_end("")`,
		"eof",
	})
	tcheck(t, p.Err(), "parse")

	// Structural events only, as the parts appear.
	var structure []State
	p = parse(multipartMsg)
	for {
		st, _ := p.Step()
		if st == StateEOF {
			break
		}
		if st != StateBody {
			structure = append(structure, st)
		}
	}
	tcompare(t, structure, []State{StateHeader, StateMultipart, StateHeader, StateBodyEnd, StateHeader, StateBodyEnd, StateMultipartEnd})
}

func TestUnstep(t *testing.T) {
	exp := events(parse(multipartMsg))

	p := parse(multipartMsg)
	var got []string
	for i := 0; i < 100; i++ {
		st, data := p.Step()
		p.Unstep()
		st2, data2 := p.Step()
		if st != st2 || !bytes.Equal(data, data2) {
			t.Fatalf("after unstep, got %v %q, expected %v %q", st2, data2, st, data)
		}
		switch st {
		case StateBody, StateMultipart, StateMultipartEnd:
			got = append(got, fmt.Sprintf("%s(%q)", st, data))
		default:
			got = append(got, st.String())
		}
		if st == StateEOF {
			break
		}
	}
	tcompare(t, got, exp)

	defer func() {
		if x := recover(); x == nil {
			t.Fatalf("expected panic for double unstep")
		}
	}()
	p.Unstep()
	p.Unstep()
}

func TestHeaders(t *testing.T) {
	msg := "Subject: hello\r\n world\r\nFrom: a@example.org\r\nbad line\r\nX-Custom: 1\r\n\r\nbody\r\n"
	p := parse(msg)
	st, data := p.Step()
	tcompare(t, st, StateHeader)
	tcompare(t, string(data), "Subject: hello\r\n world\r\nFrom: a@example.org\r\nbad line\r\nX-Custom: 1\r\n")
	tfail(t, p.Err(), ErrMalformedHeader)

	hdrs := p.Headers()
	if len(hdrs) != 4 {
		t.Fatalf("got %d headers, expected 4", len(hdrs))
	}
	tcompare(t, hdrs[0].Value, "hello\n world")
	tcompare(t, hdrs[0].Unfolded(), "hello world")
	tcompare(t, string(hdrs[2].Raw), "bad line\r\n")
	tcompare(t, hdrs[2].Name, "")
	v, off, ok := p.Header("from")
	if !ok || v != "a@example.org" || off != int64(len("Subject: hello\r\n world\r\n")) {
		t.Fatalf("header from: %q %d %v", v, off, ok)
	}
	tcompare(t, p.ContentType().MediaType(), "text/plain")
	tcompare(t, p.TellStartContent(), int64(len(data)+2))

	st, data = p.Step()
	tcompare(t, st, StateBody)
	// At end of input, the final line ending is part of the body.
	tcompare(t, string(data), "body\r\n")

	// Only headers matching the filter, and Content-Type.
	p = parse("Subject: x\nContent-Type: text/html\nX-Keep: 1\n\nhi")
	p.HeaderFilter(regexp.MustCompile(`(?i)^x-`))
	p.Step()
	var names []string
	for _, h := range p.Headers() {
		names = append(names, h.Name)
	}
	tcompare(t, names, []string{"Content-Type", "X-Keep"})
	tcompare(t, p.ContentType().MediaType(), "text/html")
}

func TestNested(t *testing.T) {
	msg := strings.Join([]string{
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"preface text",
		"--outer",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"plain",
		"--inner",
		"Content-Type: text/html",
		"",
		"<b>html</b>",
		"--inner--",
		"inner postface",
		"--outer",
		"Content-Type: message/rfc822",
		"",
		"Subject: embedded",
		"",
		"embedded body",
		"--outer--",
		"epilogue",
		"",
	}, "\n")
	p := parse(msg)
	tcompare(t, events(p), []string{
		"header",
		`multipart("preface text")`,
		"header",
		`multipart("")`,
		"header",
		`body("plain")`,
		"body_end",
		"header",
		`body("<b>html</b>")`,
		"body_end",
		`multipart_end("inner postface")`,
		"header",
		"message",
		"header",
		`body("embedded body")`,
		"body_end",
		"message_end",
		`multipart_end("epilogue\n")`,
		"eof",
	})
	tcheck(t, p.Err(), "parse")
}

func TestDepthBoundary(t *testing.T) {
	p := parse(multipartMsg)
	p.Step()
	tcompare(t, p.Depth(), 1)
	tcompare(t, p.Boundary(), "")
	p.Step()
	tcompare(t, p.Boundary(), "X")
	p.Step()
	tcompare(t, p.Depth(), 2)
	tcompare(t, p.Boundary(), "X")
	// Offset of "--X\r\n" line before the first part.
	hdrlen := int64(len("Content-Type: multipart/mixed; boundary=\"X\"\r\n\r\n"))
	tcompare(t, p.TellStartBoundary(), hdrlen)
	tcompare(t, p.TellStartHeaders(), hdrlen+5)
	p.Step()
	st, _ := p.Step()
	tcompare(t, st, StateBodyEnd)
	// End excludes the line ending before the boundary.
	tcompare(t, p.TellEndContent(), hdrlen+5+2+5)
	tcompare(t, p.PartCount(), 2)
}

func TestMissingBoundary(t *testing.T) {
	// Multipart without boundary parameter is a leaf.
	p := parse("Content-Type: multipart/mixed\r\n\r\n--X\r\ntext\r\n")
	tcompare(t, events(p), []string{"header", `body("--X\r\ntext\r\n")`, "body_end", "eof"})
	tfail(t, p.Err(), ErrMissingBoundaryParam)

	// Missing closing boundary at end of input.
	p = parse("Content-Type: multipart/mixed; boundary=X\r\n\r\n--X\r\n\r\ntext\r\n")
	tcompare(t, events(p), []string{"header", `multipart("")`, "header", `body("text\r\n")`, "body_end", `multipart_end("")`, "eof"})
	tfail(t, p.Err(), ErrMissingClosingBoundary)

	// Inner multipart ended by outer boundary.
	msg := "Content-Type: multipart/mixed; boundary=A\n\n--A\nContent-Type: multipart/mixed; boundary=B\n\n--B\n\ninner\n--A\n\nsecond\n--A--\n"
	p = parse(msg)
	tcompare(t, events(p), []string{
		"header", `multipart("")`,
		"header", `multipart("")`,
		"header", `body("inner")`, "body_end",
		`multipart_end("")`,
		"header", `body("second")`, "body_end",
		`multipart_end("")`,
		"eof",
	})
	tfail(t, p.Err(), ErrMissingClosingBoundary)
}

func TestMalformedContentType(t *testing.T) {
	p := parse("Content-Type: text/plain; charset\r\n\r\nx")
	p.Step()
	tcompare(t, p.ContentType().MediaType(), "text/plain")
	p = parse("Content-Type: bogus\r\n\r\nx")
	p.Step()
	tcompare(t, p.ContentType().MediaType(), "application/octet-stream")
}

func TestDigest(t *testing.T) {
	msg := "Content-Type: multipart/digest; boundary=D\n\n--D\n\nSubject: one\n\nbody one\n--D--\n"
	p := parse(msg)
	tcompare(t, events(p), []string{
		"header", `multipart("")`,
		"header", "message", "header", `body("body one")`, "body_end", "message_end",
		`multipart_end("")`, "eof",
	})
}

func TestSigned(t *testing.T) {
	// Multipart/signed is returned as a leaf, byte-exact.
	body := "--S\r\nContent-Type: text/plain\r\n\r\nsigned\r\n--S\r\nContent-Type: application/pgp-signature\r\n\r\nsig\r\n--S--\r\n"
	p := parse("Content-Type: multipart/signed; boundary=S; protocol=\"application/pgp-signature\"\r\n\r\n" + body)
	tcompare(t, events(p), []string{"header", fmt.Sprintf("body(%q)", body), "body_end", "eof"})
}

func TestLargeBody(t *testing.T) {
	line := strings.Repeat("0123456789", 7) + "\r\n"
	body := strings.Repeat(line, 500)
	msg := "Content-Type: multipart/mixed; boundary=X\r\n\r\n--X\r\n\r\n" + body + "--X--\r\n"
	small := New(nil, strings.NewReader(msg))
	small.ReadSize(13)
	parsers := []*Parser{
		New(nil, strings.NewReader(msg)),
		New(nil, iotest.OneByteReader(strings.NewReader(msg))),
		New(nil, iotest.HalfReader(strings.NewReader(msg))),
		small,
	}
	for _, p := range parsers {
		var got []byte
		var chunks int
		for {
			st, data := p.Step()
			if st == StateEOF {
				break
			}
			if st == StateBody {
				got = append(got, data...)
				chunks++
			}
		}
		tcheck(t, p.Err(), "parse")
		tcompare(t, string(got), strings.TrimSuffix(body, "\r\n"))
		if chunks < 2 {
			t.Fatalf("got %d chunks, expected multiple", chunks)
		}
	}
}

func TestLongLine(t *testing.T) {
	long := strings.Repeat("x", maxLine+100)
	p := parse("Subject: test\n\n" + long + "\n--not a boundary\n")
	var got []byte
	for {
		st, data := p.Step()
		if st == StateEOF {
			break
		}
		if st == StateBody {
			got = append(got, data...)
		}
	}
	tcompare(t, string(got), long+"\n--not a boundary\n")
}

func TestFilterRead(t *testing.T) {
	msg := "Content-Transfer-Encoding: base64\r\n\r\nSGVsbG8s\r\nIFdvcmxk\r\nIQ==\r\n"
	p := parse(msg)
	p.FilterAdd(mimefilter.NewBasic(mimefilter.Base64Dec))
	st, _ := p.Step()
	tcompare(t, st, StateHeader)
	buf, err := io.ReadAll(p)
	tcheck(t, err, "read")
	tcompare(t, string(buf), "Hello, World!")
	st, _ = p.Step()
	tcompare(t, st, StateBodyEnd)
	st, _ = p.Step()
	tcompare(t, st, StateEOF)

	// Removed filter.
	p = parse(msg)
	id := p.FilterAdd(mimefilter.NewBasic(mimefilter.Base64Dec))
	p.FilterRemove(id)
	p.Step()
	buf, err = io.ReadAll(p)
	tcheck(t, err, "read")
	tcompare(t, string(buf), "SGVsbG8s\r\nIFdvcmxk\r\nIQ==\r\n")
}

const mbox = "garbage before\n" +
	"From alice@example.org Tue Jan  2 15:04:05 2024\n" +
	"Subject: one\n" +
	"\n" +
	"first body\n" +
	">From quoted\n" +
	"\n" +
	"From bob@example.org Wed Jan  3 15:04 2024\n" +
	"Subject: two\n" +
	"\n" +
	"second body\n" +
	"From this is not a separator\n"

func TestMbox(t *testing.T) {
	p := parse(mbox)
	p.ScanFrom(true)
	tcompare(t, events(p), []string{
		`prefrom("garbage before\n")`,
		`from("From alice@example.org Tue Jan  2 15:04:05 2024\n")`,
		"header",
		`body("first body\n>From quoted\n")`,
		"body_end",
		"from_end",
		`from("From bob@example.org Wed Jan  3 15:04 2024\n")`,
		"header",
		`body("second body\nFrom this is not a separator\n")`,
		"body_end",
		"from_end",
		"eof",
	})
	tcheck(t, p.Err(), "parse")
}

func TestMboxSeek(t *testing.T) {
	p := parse(mbox)
	p.ScanFrom(true)
	var offsets []int64
	for {
		st, _ := p.Step()
		if st == StateEOF {
			break
		}
		if st == StateFrom {
			offsets = append(offsets, p.TellStartFrom())
		}
	}
	tcompare(t, offsets, []int64{15, int64(strings.Index(mbox, "From bob"))})

	// Resume at the second message.
	_, err := p.Seek(offsets[1], io.SeekStart)
	tcheck(t, err, "seek")
	p.DropStep()
	tcompare(t, p.State(), StateInitial)
	st, _ := p.Step()
	tcompare(t, st, StateFrom)
	tcompare(t, p.TellStartFrom(), offsets[1])
	st, _ = p.Step()
	tcompare(t, st, StateHeader)
	v, _, _ := p.Header("Subject")
	tcompare(t, v, "two")

	_, err = New(nil, iotest.OneByteReader(strings.NewReader(""))).Seek(0, io.SeekStart)
	tfail(t, err, errors.ErrUnsupported)
}

func TestFromLine(t *testing.T) {
	good := []string{
		"From alice@example.org Tue Jan  2 15:04:05 2024\n",
		"From alice@example.org Tue Jan  2 15:04 2024\r\n",
		"From MAILER-DAEMON Sat Jan  3 01:05:34 1998 +0100\n",
		"From alice Sat Jan  3 01:05:34 EST 1998\n",
		"From  Mon Feb 10 10:00:00 2020\n",
		"From alice@example.org Tue Jan  2 15:04:05 2024",
	}
	bad := []string{
		"From here to there\n",
		"From: alice@example.org\n",
		">From alice@example.org Tue Jan  2 15:04:05 2024\n",
		"From alice@example.org Tue Jan  2 15:04:05\n",
		"From alice@example.org Tue Jan  2 1504 2024\n",
		"From alice@example.org Tue Foo  2 15:04:05 2024\n",
	}
	for _, s := range good {
		if !isFromLine([]byte(s)) {
			t.Fatalf("%q not recognized as from line", s)
		}
	}
	for _, s := range bad {
		if isFromLine([]byte(s)) {
			t.Fatalf("%q recognized as from line", s)
		}
	}
}

func TestState(t *testing.T) {
	for _, st := range []State{StateFrom, StateHeader, StateBody, StateMultipart, StateMessage} {
		if st.IsEnd() || !st.End().IsEnd() || st.End().Begin() != st {
			t.Fatalf("bad end state for %v", st)
		}
	}
	tcompare(t, StateEOF.End(), StateEOF)
	tcompare(t, StateMultipartEnd.String(), "multipart_end")
	tcompare(t, State(100).String(), "state100")
}
