// Package mimefilter implements streaming transformations of MIME content:
// transfer encodings, charset conversion, line ending canonicalization and
// detection of mislabeled charsets.
//
// Filters are fed data in chunks of arbitrary size. A filter keeps state
// between calls, and saves trailing input it cannot process yet (e.g. half of a
// multibyte character) for the next call. Feeding input in many chunks gives
// the same output as feeding it all at once.
//
// A Filter is not safe for concurrent use.
package mimefilter

import (
	"io"

	"github.com/mjl-/moxmime/metrics"
)

// Filter transforms bytes. The returned slice is only valid until the next call
// on the filter.
type Filter interface {
	// Filter processes in, returning output for as much of in as could be
	// processed. Remaining data is kept by the filter.
	Filter(in []byte) []byte

	// Complete is like Filter, but signals the end of the data. Data saved by the
	// filter is flushed, with padding as required by the encoding. The filter is
	// ready for new data after Complete.
	Complete(in []byte) []byte

	// Reset clears the state of the filter, discarding saved data.
	Reset()
}

// Base holds the output buffer and backed up input for a filter.
type Base struct {
	out    []byte
	backup []byte
	merged []byte
}

// SetSize ensures the output buffer can hold at least n bytes. If keep is set,
// the current contents of the buffer are preserved, otherwise the buffer is
// emptied.
func (b *Base) SetSize(n int, keep bool) {
	if cap(b.out) < n {
		nb := make([]byte, 0, n)
		if keep {
			nb = append(nb, b.out...)
		}
		b.out = nb
	} else if !keep {
		b.out = b.out[:0]
	}
}

// Outsize returns the capacity of the output buffer.
func (b *Base) Outsize() int {
	return cap(b.out)
}

// Backup saves data to be prepended to the input of the next call.
func (b *Base) Backup(data []byte) {
	b.backup = append(b.backup[:0], data...)
}

// Leftover returns in, prefixed with data saved with Backup, which is cleared.
func (b *Base) Leftover(in []byte) []byte {
	if len(b.backup) == 0 {
		return in
	}
	b.merged = append(append(b.merged[:0], b.backup...), in...)
	b.backup = b.backup[:0]
	return b.merged
}

// ResetBase discards backed up data and output.
func (b *Base) ResetBase() {
	b.backup = b.backup[:0]
	b.out = b.out[:0]
}

// done stores out, which may have grown, as output buffer.
func (b *Base) done(out []byte) []byte {
	b.out = out
	return out
}

// Funcs turns functions into a Filter. Nil functions pass data through
// unchanged.
type Funcs struct {
	FilterFunc   func(in []byte) []byte
	CompleteFunc func(in []byte) []byte
	ResetFunc    func()
}

func (f Funcs) Filter(in []byte) []byte {
	if f.FilterFunc == nil {
		return in
	}
	return f.FilterFunc(in)
}

func (f Funcs) Complete(in []byte) []byte {
	if f.CompleteFunc == nil {
		return in
	}
	return f.CompleteFunc(in)
}

func (f Funcs) Reset() {
	if f.ResetFunc != nil {
		f.ResetFunc()
	}
}

// Save is a filter that passes data through unchanged, writing a copy to W.
// The first write error is kept and returned by Err, later data is not
// written.
type Save struct {
	W   io.Writer
	err error
}

func NewSave(w io.Writer) *Save {
	return &Save{W: w}
}

func (s *Save) Filter(in []byte) []byte {
	if s.err == nil && len(in) > 0 {
		_, s.err = s.W.Write(in)
	}
	count("save", in, in)
	return in
}

func (s *Save) Complete(in []byte) []byte {
	return s.Filter(in)
}

func (s *Save) Reset() {}

// Err returns the first error writing to W.
func (s *Save) Err() error {
	return s.err
}

// Apply runs all of in through f, in a single call to Complete, returning a copy
// of the output.
func Apply(f Filter, in []byte) []byte {
	return append([]byte(nil), f.Complete(in)...)
}

func count(name string, in, out []byte) {
	metrics.FilterBytesAdd(name, len(in), len(out))
}
