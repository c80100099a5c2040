package stream

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"testing/iotest"

	"golang.org/x/text/encoding/charmap"

	"github.com/mjl-/moxmime/mimefilter"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp string) {
	t.Helper()
	if got != exp {
		t.Fatalf("got %q, expected %q", got, exp)
	}
}

func latin1(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(0x20 + i%0xe0)
		if buf[i] >= 0x7f && buf[i] < 0xa0 {
			buf[i] = 'x'
		}
	}
	return buf
}

// Input split by short reads is backed up by the filters, not the stream.
func TestFilterShortReads(t *testing.T) {
	raw := latin1(3 * ReadSize)
	src := []byte(base64.StdEncoding.EncodeToString(raw))
	fs := NewFilter(NewReader(iotest.OneByteReader(bytes.NewReader(src))))
	if len(fs.buf) != ReadSize {
		t.Fatalf("read buffer %d bytes, expected %d", len(fs.buf), ReadSize)
	}
	fs.Add(mimefilter.NewBasic(mimefilter.Base64Dec))
	got, err := io.ReadAll(fs)
	tcheck(t, err, "read")
	tcompare(t, string(got), string(raw))
}

// Reading through base64 decode and charset filters gives the same result as
// decoding and converting in memory, for sources around the read size.
func TestFilterRead(t *testing.T) {
	for _, encsize := range []int{4, ReadSize - 4, ReadSize, ReadSize + 4, 3 * ReadSize, 3*ReadSize + 8} {
		raw := latin1(encsize / 4 * 3)
		src := []byte(base64.StdEncoding.EncodeToString(raw))
		if len(src) != encsize {
			t.Fatalf("encoded size %d, expected %d", len(src), encsize)
		}
		exp, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
		tcheck(t, err, "decode")

		charsetFilter, err := mimefilter.NewCharset("iso-8859-1", "utf-8")
		tcheck(t, err, "charset filter")

		fs := NewFilter(NewMem(src))
		fs.Add(mimefilter.NewBasic(mimefilter.Base64Dec))
		fs.Add(charsetFilter)
		got, err := io.ReadAll(fs)
		tcheck(t, err, "read")
		if !bytes.Equal(got, exp) {
			t.Fatalf("size %d: filtered read differs from in-memory conversion", encsize)
		}
		if !fs.EOS() {
			t.Fatalf("not at eos after reading all")
		}

		// Again after reset, one byte at a time.
		tcheck(t, fs.Reset(), "reset")
		got, err = io.ReadAll(iotest.OneByteReader(fs))
		tcheck(t, err, "read")
		if !bytes.Equal(got, exp) {
			t.Fatalf("size %d: filtered read after reset differs", encsize)
		}

		// With a base64 encoded source with line breaks, as in messages.
		lines := mimefilter.Apply(mimefilter.NewBasic(mimefilter.Base64Enc), raw)
		charsetFilter.Reset()
		fs = NewFilter(NewReader(bytes.NewReader(lines)))
		fs.Add(mimefilter.NewBasic(mimefilter.Base64Dec))
		fs.Add(charsetFilter)
		got, err = io.ReadAll(fs)
		tcheck(t, err, "read")
		if !bytes.Equal(got, exp) {
			t.Fatalf("size %d: filtered read of wrapped base64 differs", encsize)
		}
	}
}

func TestFilterAddRemove(t *testing.T) {
	fs := NewFilter(NewMem([]byte("a.b\n")))
	id1 := fs.Add(mimefilter.NewCRLF(mimefilter.Encode, mimefilter.ModeCRLFOnly))
	id2 := fs.Add(mimefilter.Funcs{FilterFunc: bytes.ToUpper, CompleteFunc: bytes.ToUpper})
	if id1 != 1 || id2 != 2 {
		t.Fatalf("ids %d %d, expected 1 2", id1, id2)
	}
	fs.Remove(id1)
	fs.Remove(10)
	id3 := fs.Add(mimefilter.NewCRLF(mimefilter.Encode, mimefilter.ModeCRLFOnly))
	if id3 != 3 {
		t.Fatalf("id %d, expected 3", id3)
	}
	// Order is upper, then crlf.
	got, err := io.ReadAll(fs)
	tcheck(t, err, "read")
	tcompare(t, string(got), "A.B\r\n")
}

func TestFilterWrite(t *testing.T) {
	var b bytes.Buffer
	fs := NewFilter(NewWriter(&b))
	fs.Add(mimefilter.NewBasic(mimefilter.Base64Enc))
	for _, s := range []string{"Hel", "lo, W", "orld!"} {
		_, err := fs.Write([]byte(s))
		tcheck(t, err, "write")
	}
	tcompare(t, b.String(), "SGVsbG8sIFdvcmxk")
	tcheck(t, fs.Close(), "close")
	tcompare(t, b.String(), "SGVsbG8sIFdvcmxkIQ==")

	// Write applies filters in the same order as read.
	b.Reset()
	fs = NewFilter(NewWriter(&b))
	fs.Add(mimefilter.NewBasic(mimefilter.Base64Enc))
	fs.Add(mimefilter.NewBasic(mimefilter.Base64Dec))
	_, err := fs.Write([]byte("roundtrip"))
	tcheck(t, err, "write")
	tcheck(t, fs.Flush(), "flush")
	tcompare(t, b.String(), "roundtrip")
}

func TestFilterFlushAfterRead(t *testing.T) {
	mem := NewMem([]byte("abc"))
	fs := NewFilter(mem)
	fs.Add(mimefilter.NewBasic(mimefilter.Base64Enc))
	buf := make([]byte, 1)
	_, err := fs.Read(buf)
	tcheck(t, err, "read")
	tcheck(t, fs.Flush(), "flush")
	// Nothing was written to the source.
	tcompare(t, string(mem.Bytes()), "abc")
}

func TestMem(t *testing.T) {
	m := NewMem(nil)
	_, err := m.Write([]byte("hello world"))
	tcheck(t, err, "write")
	_, err = m.Seek(6, io.SeekStart)
	tcheck(t, err, "seek")
	_, err = m.Write([]byte("there!"))
	tcheck(t, err, "write")
	tcompare(t, string(m.Bytes()), "hello there!")

	tcheck(t, m.Reset(), "reset")
	buf, err := io.ReadAll(m)
	tcheck(t, err, "read")
	tcompare(t, string(buf), "hello there!")
	if !m.EOS() {
		t.Fatalf("not eos")
	}
	if m.Tell() != 12 {
		t.Fatalf("tell %d, expected 12", m.Tell())
	}
}

func TestSub(t *testing.T) {
	m := NewMem([]byte("0123456789"))
	s := Sub(m, 2, 5)
	buf, err := io.ReadAll(s)
	tcheck(t, err, "read")
	tcompare(t, string(buf), "234")

	// Two substreams used alternately.
	s1 := Sub(m, 0, 4)
	s2 := Sub(m, 6, -1)
	b := make([]byte, 2)
	_, err = s1.Read(b)
	tcheck(t, err, "read")
	tcompare(t, string(b), "01")
	_, err = s2.Read(b)
	tcheck(t, err, "read")
	tcompare(t, string(b), "67")
	_, err = s1.Read(b)
	tcheck(t, err, "read")
	tcompare(t, string(b), "23")
	_, err = s1.Read(b)
	if err != io.EOF || !s1.EOS() {
		t.Fatalf("got err %v, expected eof", err)
	}

	end, err := s2.Seek(0, io.SeekEnd)
	tcheck(t, err, "seek")
	if end != 4 {
		t.Fatalf("substream size %d, expected 4", end)
	}
	_, err = Sub(m, 0, 2).Write([]byte("abc"))
	if err == nil {
		t.Fatalf("expected error writing beyond end")
	}
}

func TestFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "stream.txt")
	f, err := OpenFile(p, os.O_RDWR|os.O_CREATE, 0600)
	tcheck(t, err, "open")
	defer f.Close()
	_, err = f.Write([]byte("file data"))
	tcheck(t, err, "write")
	tcheck(t, f.Flush(), "flush")
	tcheck(t, f.Reset(), "reset")
	buf, err := io.ReadAll(f)
	tcheck(t, err, "read")
	tcompare(t, string(buf), "file data")
	if !f.EOS() {
		t.Fatalf("not eos")
	}
}

func TestReaderWriter(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("x")))
	if _, err := r.Write([]byte("y")); !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("got %v, expected ErrUnsupported", err)
	}
	buf, err := io.ReadAll(r)
	tcheck(t, err, "read")
	tcompare(t, string(buf), "x")
	tcheck(t, r.Reset(), "reset")

	r = NewReader(iotest.OneByteReader(bytes.NewReader(nil)))
	if err := r.Reset(); !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("got %v, expected ErrUnsupported", err)
	}

	w := NewWriter(io.Discard)
	if _, err := w.Read(make([]byte, 1)); !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("got %v, expected ErrUnsupported", err)
	}
}
