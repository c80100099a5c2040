package stream

import (
	"io"
	"log/slog"

	"github.com/mjl-/moxmime/mimefilter"
	"github.com/mjl-/moxmime/mlog"
)

var xlog = mlog.New("stream", nil)

// ReadSize is the number of bytes read from the source stream at a time.
// Filters keep incomplete input themselves (see mimefilter.Base.Backup), so the
// read buffer has no headroom.
const ReadSize = 4096

type filterEntry struct {
	id int
	f  mimefilter.Filter
}

// Filter is a stream that passes data read from and written to a source stream
// through filters.
//
// Filters are applied in the order they were added, for both reading and
// writing. A stream used for writing typically has different filters than one
// used for reading.
type Filter struct {
	Log    mlog.Log
	source Stream

	filters []filterEntry
	lastID  int

	buf       []byte // ReadSize, for reading from source.
	filtered  []byte // Filtered data not yet returned by Read.
	completed bool   // Source reached EOS and filters were completed.
	lastWrite bool   // Whether last operation was a write.
}

// NewFilter returns a filter stream on source, without filters.
func NewFilter(source Stream) *Filter {
	return &Filter{
		Log:    xlog,
		source: source,
		buf:    make([]byte, ReadSize),
	}
}

// Source returns the underlying stream.
func (s *Filter) Source() Stream {
	return s.source
}

// Add adds a filter at the end of the filter list, returning an ID for use with
// Remove. IDs are increasing.
func (s *Filter) Add(f mimefilter.Filter) int {
	s.lastID++
	s.filters = append(s.filters, filterEntry{s.lastID, f})
	return s.lastID
}

// Remove removes a filter by ID. Unknown IDs are ignored.
func (s *Filter) Remove(id int) {
	for i, fe := range s.filters {
		if fe.id == id {
			s.filters = append(s.filters[:i], s.filters[i+1:]...)
			return
		}
	}
}

// Read returns filtered data from the source. Data is read from the source in
// blocks of ReadSize bytes, and passed through all filters. At the end of the
// source, filters are completed so they flush their state.
func (s *Filter) Read(buf []byte) (int, error) {
	s.lastWrite = false
	for len(s.filtered) == 0 {
		if s.completed {
			return 0, io.EOF
		}
		data := s.buf
		n, err := s.source.Read(data)
		data = data[:n]
		if err != nil && err != io.EOF {
			return 0, err
		}
		if err == io.EOF || (n == 0 && s.source.EOS()) {
			for _, fe := range s.filters {
				data = fe.f.Complete(data)
			}
			s.completed = true
		} else {
			for _, fe := range s.filters {
				data = fe.f.Filter(data)
			}
		}
		s.filtered = data
	}
	n := copy(buf, s.filtered)
	s.filtered = s.filtered[n:]
	return n, nil
}

// Write passes buf through the filters and writes the result to the source.
// Filters may hold back data until Flush.
func (s *Filter) Write(buf []byte) (int, error) {
	s.lastWrite = true
	data := buf
	for _, fe := range s.filters {
		data = fe.f.Filter(data)
	}
	if len(data) > 0 {
		if _, err := s.source.Write(data); err != nil {
			return 0, err
		}
	}
	return len(buf), nil
}

// Flush completes the filters, writes the remaining data and flushes the
// source. Flush is only meaningful after writing.
func (s *Filter) Flush() error {
	if !s.lastWrite {
		s.Log.Info("flush of filter stream after read, ignoring", slog.Int("filters", len(s.filters)))
		return nil
	}
	var data []byte
	for _, fe := range s.filters {
		data = fe.f.Complete(data)
	}
	if len(data) > 0 {
		if _, err := s.source.Write(data); err != nil {
			return err
		}
	}
	return s.source.Flush()
}

// EOS returns whether all filtered data has been read.
func (s *Filter) EOS() bool {
	return s.completed && len(s.filtered) == 0
}

// Reset discards filtered data, resets the source and all filters.
func (s *Filter) Reset() error {
	s.filtered = nil
	s.completed = false
	s.lastWrite = false
	for _, fe := range s.filters {
		fe.f.Reset()
	}
	return s.source.Reset()
}

// Close flushes if the last operation was a write, and closes the source.
func (s *Filter) Close() error {
	var err error
	if s.lastWrite {
		err = s.Flush()
		s.lastWrite = false
	}
	if cerr := s.source.Close(); err == nil {
		err = cerr
	}
	return err
}
