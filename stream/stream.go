// Package stream has byte streams that can be read from and written to, and a
// stream that passes data through filters.
//
// Streams are not safe for concurrent use.
package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Stream is a source and/or sink of bytes.
type Stream interface {
	io.Reader
	io.Writer

	// EOS returns whether the end of the stream has been reached by a read.
	EOS() bool

	// Reset prepares the stream for reading from the start, if possible.
	Reset() error

	// Flush writes buffered data.
	Flush() error

	Close() error
}

// Seekable is a Stream with random access.
type Seekable interface {
	Stream
	io.Seeker
	Tell() int64
}

// Mem is a growable in-memory stream.
type Mem struct {
	buf []byte
	pos int64
	eos bool
}

// NewMem returns a stream reading from and writing to buf, positioned at the start.
func NewMem(buf []byte) *Mem {
	return &Mem{buf: buf}
}

// Bytes returns the contents of the stream.
func (m *Mem) Bytes() []byte {
	return m.buf
}

func (m *Mem) Read(buf []byte) (int, error) {
	if m.pos >= int64(len(m.buf)) {
		m.eos = true
		return 0, io.EOF
	}
	n := copy(buf, m.buf[m.pos:])
	m.pos += int64(n)
	return n, nil
}

// Write writes at the current position, overwriting and extending the contents.
func (m *Mem) Write(buf []byte) (int, error) {
	end := m.pos + int64(len(buf))
	if end > int64(len(m.buf)) {
		if end > int64(cap(m.buf)) {
			nbuf := make([]byte, len(m.buf), 2*end)
			copy(nbuf, m.buf)
			m.buf = nbuf
		}
		m.buf = m.buf[:end]
	}
	copy(m.buf[m.pos:], buf)
	m.pos = end
	return len(buf), nil
}

func (m *Mem) Seek(offset int64, whence int) (int64, error) {
	var npos int64
	switch whence {
	case io.SeekStart:
		npos = offset
	case io.SeekCurrent:
		npos = m.pos + offset
	case io.SeekEnd:
		npos = int64(len(m.buf)) + offset
	default:
		return m.pos, fmt.Errorf("bad whence %d", whence)
	}
	if npos < 0 {
		return m.pos, fmt.Errorf("negative position %d", npos)
	}
	m.pos = npos
	m.eos = false
	return npos, nil
}

func (m *Mem) Tell() int64 {
	return m.pos
}

func (m *Mem) EOS() bool {
	return m.eos
}

func (m *Mem) Reset() error {
	_, err := m.Seek(0, io.SeekStart)
	return err
}

func (m *Mem) Flush() error {
	return nil
}

func (m *Mem) Close() error {
	return nil
}

// File is a stream on a file, or anything else that can read, write and seek.
// Reset seeks back to the offset at the time the File was created.
type File struct {
	f     io.ReadWriteSeeker
	start int64
	eos   bool
}

// NewFile returns a stream for f, at its current offset.
func NewFile(f io.ReadWriteSeeker) (*File, error) {
	start, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("get offset: %w", err)
	}
	return &File{f: f, start: start}, nil
}

// OpenFile opens a file as stream, see os.OpenFile.
func OpenFile(path string, flag int, perm os.FileMode) (*File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	s, err := NewFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (f *File) Read(buf []byte) (int, error) {
	n, err := f.f.Read(buf)
	if err == io.EOF {
		f.eos = true
	}
	return n, err
}

func (f *File) Write(buf []byte) (int, error) {
	return f.f.Write(buf)
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.eos = false
	return f.f.Seek(offset, whence)
}

func (f *File) Tell() int64 {
	off, err := f.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1
	}
	return off
}

func (f *File) EOS() bool {
	return f.eos
}

func (f *File) Reset() error {
	_, err := f.Seek(f.start, io.SeekStart)
	return err
}

func (f *File) Flush() error {
	if s, ok := f.f.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

func (f *File) Close() error {
	if c, ok := f.f.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// readerStream is a read-only stream.
type readerStream struct {
	r   io.Reader
	eos bool
}

// NewReader returns a read-only stream. Writes fail, and Reset only works if r
// is an io.Seeker.
func NewReader(r io.Reader) Stream {
	return &readerStream{r: r}
}

func (s *readerStream) Read(buf []byte) (int, error) {
	n, err := s.r.Read(buf)
	if err == io.EOF {
		s.eos = true
	}
	return n, err
}

func (s *readerStream) Write(buf []byte) (int, error) {
	return 0, fmt.Errorf("write to read-only stream: %w", errors.ErrUnsupported)
}

func (s *readerStream) EOS() bool {
	return s.eos
}

func (s *readerStream) Reset() error {
	seeker, ok := s.r.(io.Seeker)
	if !ok {
		return fmt.Errorf("reset of non-seekable stream: %w", errors.ErrUnsupported)
	}
	_, err := seeker.Seek(0, io.SeekStart)
	s.eos = false
	return err
}

func (s *readerStream) Flush() error {
	return nil
}

func (s *readerStream) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// writerStream is a write-only stream.
type writerStream struct {
	w io.Writer
}

// NewWriter returns a write-only stream. If w has a Flush method, Flush calls
// it.
func NewWriter(w io.Writer) Stream {
	return &writerStream{w}
}

func (s *writerStream) Read(buf []byte) (int, error) {
	return 0, fmt.Errorf("read from write-only stream: %w", errors.ErrUnsupported)
}

func (s *writerStream) Write(buf []byte) (int, error) {
	return s.w.Write(buf)
}

func (s *writerStream) EOS() bool {
	return true
}

func (s *writerStream) Reset() error {
	return nil
}

func (s *writerStream) Flush() error {
	if f, ok := s.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (s *writerStream) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
