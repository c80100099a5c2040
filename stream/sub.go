package stream

import (
	"fmt"
	"io"
)

// SubStream is a window on a seekable stream, from start to end. The
// underlying stream is positioned before each operation, so multiple
// substreams of one stream can be used alternately.
type SubStream struct {
	s          Seekable
	start, end int64 // End -1 means unbounded.
	pos        int64 // Relative to start.
	eos        bool
}

// Sub returns a substream of s from start to end. If end is -1, the substream
// extends to the end of s.
func Sub(s Seekable, start, end int64) *SubStream {
	return &SubStream{s: s, start: start, end: end}
}

// Bounds returns the start and end offsets in the underlying stream.
func (s *SubStream) Bounds() (start, end int64) {
	return s.start, s.end
}

func (s *SubStream) Read(buf []byte) (int, error) {
	if s.end >= 0 {
		left := s.end - s.start - s.pos
		if left <= 0 {
			s.eos = true
			return 0, io.EOF
		}
		if int64(len(buf)) > left {
			buf = buf[:left]
		}
	}
	if _, err := s.s.Seek(s.start+s.pos, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := s.s.Read(buf)
	s.pos += int64(n)
	if err == io.EOF {
		s.eos = true
	}
	return n, err
}

func (s *SubStream) Write(buf []byte) (int, error) {
	if s.end >= 0 && s.start+s.pos+int64(len(buf)) > s.end {
		return 0, fmt.Errorf("write beyond end of substream")
	}
	if _, err := s.s.Seek(s.start+s.pos, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := s.s.Write(buf)
	s.pos += int64(n)
	return n, err
}

func (s *SubStream) Seek(offset int64, whence int) (int64, error) {
	var npos int64
	switch whence {
	case io.SeekStart:
		npos = offset
	case io.SeekCurrent:
		npos = s.pos + offset
	case io.SeekEnd:
		if s.end < 0 {
			end, err := s.s.Seek(0, io.SeekEnd)
			if err != nil {
				return s.pos, err
			}
			npos = end - s.start + offset
		} else {
			npos = s.end - s.start + offset
		}
	default:
		return s.pos, fmt.Errorf("bad whence %d", whence)
	}
	if npos < 0 {
		return s.pos, fmt.Errorf("negative position %d", npos)
	}
	s.pos = npos
	s.eos = false
	return npos, nil
}

func (s *SubStream) Tell() int64 {
	return s.pos
}

func (s *SubStream) EOS() bool {
	return s.eos
}

func (s *SubStream) Reset() error {
	s.pos = 0
	s.eos = false
	return nil
}

func (s *SubStream) Flush() error {
	return s.s.Flush()
}

// Close does not close the underlying stream.
func (s *SubStream) Close() error {
	return nil
}
