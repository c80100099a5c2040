// Package mimeparser is a streaming parser for MIME messages and mbox files.
//
// The parser is driven by calling Step, which returns the next structural
// event (a header, a chunk of body data, the start or end of a multipart,
// etc.) along with its raw data. Messages of arbitrary size are parsed without
// reading them into memory. Offsets of parts in the input are tracked so parts
// can be read again later.
//
// Malformed input does not stop the parser. Anomalies are recorded, and
// returned by Err after parsing. The parser is not safe for concurrent use.
package mimeparser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mjl-/moxmime/metrics"
	"github.com/mjl-/moxmime/mimefilter"
	"github.com/mjl-/moxmime/mlog"
)

var (
	ErrMissingBoundaryParam   = errors.New("multipart without boundary parameter")
	ErrMissingClosingBoundary = errors.New("missing closing boundary")
	ErrMalformedHeader        = errors.New("malformed header line")
	ErrUnexpectedEOF          = errors.New("unexpected end of input")
	ErrBadContentType         = errors.New("bad content-type")
)

const (
	readSize   = 4096        // Default bytes read from the source at a time.
	chunkSize  = 4096        // Target size of body chunks returned by Step.
	maxLine    = 64 * 1024   // Longer lines are returned in pieces.
	maxErrors  = 100         // Recorded errors, later errors are only counted.
	maxPrePost = 1024 * 1024 // Preface and postface are truncated beyond this size.
)

// frame is a part on the stack of the parser.
type frame struct {
	state         State // StateHeader until content starts, then StateBody, StateMultipart or StateMessage.
	headers       []Header
	rawHeader     []byte
	contentType   *ContentType
	boundary      []byte // "--" + boundary, for multiparts.
	preface       []byte
	postface      []byte
	parts         int
	startHeaders  int64
	startBoundary int64 // -1 for the top-level part.
	startContent  int64
	endContent    int64 // Set at end of content.
}

type filterEntry struct {
	id int
	f  mimefilter.Filter
}

// Parser is a streaming MIME parser.
type Parser struct {
	log mlog.Log
	r   io.Reader

	buf       []byte // Data read from r. Unconsumed data starts at pos.
	pos       int
	bufOffset int64 // Offset of buf[0] in input.
	eof       bool
	midline   bool   // Last consumed data did not end with a newline.
	pendingNL []byte // Line ending of last content line, not part of content if a boundary follows.

	scanFrom     bool
	headerFilter *regexp.Regexp
	readSize     int

	state     State
	stack     []*frame
	startFrom int64  // Offset of last "From " line.
	fromLine  []byte // Last "From " line.
	bodyDone  bool   // Body content reached its end, next body step ends the body.
	partCount int

	boundaryOffset int64 // Offset of last boundary line of a multipart on the stack.
	contentEnd     int64 // Offset of end of last scanned content.

	unstep   bool
	lastData []byte
	out      []byte // Data returned by last step.
	readbuf  []byte // Body data for Read.

	filters      []filterEntry
	lastFilterID int

	errs    []error
	nerrors int
}

// New returns a parser reading from r. If log is nil, the package logger is used.
func New(log *slog.Logger, r io.Reader) *Parser {
	return &Parser{
		log:       mlog.New("mimeparser", log),
		r:         r,
		startFrom: -1,
		readSize:  readSize,
	}
}

// ReadSize sets the number of bytes read from the source at a time. Values
// below 1 reset to the default.
func (p *Parser) ReadSize(n int) {
	if n < 1 {
		n = readSize
	}
	p.readSize = n
}

// ScanFrom sets whether the input is an mbox file, with messages separated by
// "From " lines. Must be called before the first Step.
func (p *Parser) ScanFrom(scanFrom bool) {
	p.scanFrom = scanFrom
}

// HeaderFilter sets a regular expression for header names to retain in
// Headers. Content-Type is always retained. With a nil filter, all headers
// are retained.
func (p *Parser) HeaderFilter(re *regexp.Regexp) {
	p.headerFilter = re
}

// FilterAdd adds a filter for body data returned by Step and Read, returning an
// ID for FilterRemove. Filters are applied in the order they were added. The
// last chunk of a body is completed by the filters.
func (p *Parser) FilterAdd(f mimefilter.Filter) int {
	p.lastFilterID++
	p.filters = append(p.filters, filterEntry{p.lastFilterID, f})
	return p.lastFilterID
}

// FilterRemove removes a filter by ID.
func (p *Parser) FilterRemove(id int) {
	for i, fe := range p.filters {
		if fe.id == id {
			p.filters = append(p.filters[:i], p.filters[i+1:]...)
			return
		}
	}
}

// State returns the state returned by the last Step.
func (p *Parser) State() State {
	return p.state
}

// Err returns the anomalies encountered during parsing, joined, or nil.
func (p *Parser) Err() error {
	return errors.Join(p.errs...)
}

// ErrorCount returns the number of anomalies, including those beyond the
// errors kept for Err.
func (p *Parser) ErrorCount() int {
	return p.nerrors
}

func (p *Parser) addError(err error, kind string) {
	metrics.ParserErrorInc(kind)
	p.nerrors++
	if len(p.errs) < maxErrors {
		p.errs = append(p.errs, err)
	}
	p.log.Debugx("parse anomaly", err, slog.Int64("offset", p.Tell()), slog.Int("depth", len(p.stack)))
}

// Depth returns the number of parts on the stack, 1 for the top-level part.
func (p *Parser) Depth() int {
	return len(p.stack)
}

// PartCount returns the number of parts, including messages and multiparts,
// whose header has been parsed.
func (p *Parser) PartCount() int {
	return p.partCount
}

func (p *Parser) top() *frame {
	if len(p.stack) == 0 {
		return nil
	}
	return p.stack[len(p.stack)-1]
}

// Headers returns the retained headers of the current part.
func (p *Parser) Headers() []Header {
	if f := p.top(); f != nil {
		return f.headers
	}
	return nil
}

// RawHeader returns the complete header of the current part.
func (p *Parser) RawHeader() []byte {
	if f := p.top(); f != nil {
		return f.rawHeader
	}
	return nil
}

// Header returns the value and offset of the first header field with name,
// case-insensitive, in the current part.
func (p *Parser) Header(name string) (value string, offset int64, ok bool) {
	for _, h := range p.Headers() {
		if strings.EqualFold(h.Name, name) {
			return h.Value, h.Offset, true
		}
	}
	return "", -1, false
}

// ContentType returns the content type of the current part.
func (p *Parser) ContentType() *ContentType {
	if f := p.top(); f != nil {
		return f.contentType
	}
	return nil
}

// Boundary returns the boundary of the innermost multipart, without leading
// dashes, or the empty string.
func (p *Parser) Boundary() string {
	for i := len(p.stack) - 1; i >= 0; i-- {
		if b := p.stack[i].boundary; b != nil {
			return string(b[2:])
		}
	}
	return ""
}

// Preface returns the preface of the current multipart.
func (p *Parser) Preface() []byte {
	if f := p.top(); f != nil {
		return f.preface
	}
	return nil
}

// Postface returns the postface of the current multipart, available at
// StateMultipartEnd.
func (p *Parser) Postface() []byte {
	if f := p.top(); f != nil {
		return f.postface
	}
	return nil
}

// FromLine returns the last "From " line, including line ending.
func (p *Parser) FromLine() []byte {
	return p.fromLine
}

// Tell returns the offset of the next unprocessed byte in the input.
func (p *Parser) Tell() int64 {
	return p.bufOffset + int64(p.pos)
}

// TellStartHeaders returns the offset of the header of the current part.
func (p *Parser) TellStartHeaders() int64 {
	if f := p.top(); f != nil {
		return f.startHeaders
	}
	return -1
}

// TellStartFrom returns the offset of the last "From " line.
func (p *Parser) TellStartFrom() int64 {
	return p.startFrom
}

// TellStartBoundary returns the offset of the boundary line before the current
// part, or -1 for the top-level part.
func (p *Parser) TellStartBoundary() int64 {
	if f := p.top(); f != nil {
		return f.startBoundary
	}
	return -1
}

// TellStartContent returns the offset of the content of the current part,
// after its header.
func (p *Parser) TellStartContent() int64 {
	if f := p.top(); f != nil {
		return f.startContent
	}
	return -1
}

// TellEndContent returns the offset of the end of the content of the current
// part, excluding the line ending before a boundary. Set at the end states.
func (p *Parser) TellEndContent() int64 {
	if f := p.top(); f != nil {
		return f.endContent
	}
	return -1
}

// Seek positions the underlying reader, which must implement io.Seeker. The
// state of the parser is not changed, the caller is responsible for seeking to
// an offset that matches the state, e.g. a "From " line with state
// StateInitial.
func (p *Parser) Seek(offset int64, whence int) (int64, error) {
	s, ok := p.r.(io.Seeker)
	if !ok {
		return -1, fmt.Errorf("seek on non-seekable reader: %w", errors.ErrUnsupported)
	}
	if whence == io.SeekCurrent {
		offset += p.Tell()
		whence = io.SeekStart
	}
	n, err := s.Seek(offset, whence)
	if err != nil {
		return -1, err
	}
	p.buf = p.buf[:0]
	p.pos = 0
	p.bufOffset = n
	p.eof = false
	p.midline = false
	p.pendingNL = p.pendingNL[:0]
	p.readbuf = nil
	return n, nil
}

// Unstep makes the next Step return the same state and data as the last Step.
// Unstep can only be called once between Steps.
func (p *Parser) Unstep() {
	if p.unstep {
		panic("mimeparser: unstep called twice")
	}
	p.unstep = true
}

// DropStep cancels an Unstep, and leaves the current part: the state becomes
// that of the parent part, or StateInitial at the top level. Used after Seek to
// start parsing anew at a "From " line.
func (p *Parser) DropStep() {
	p.unstep = false
	p.readbuf = nil
	switch p.state {
	case StateInitial:
		return
	case StateEOF, StatePreFrom, StateFrom, StateFromEnd:
		p.stack = nil
		p.state = StateInitial
		return
	}
	if len(p.stack) > 0 {
		p.stack = p.stack[:len(p.stack)-1]
	}
	if f := p.top(); f != nil {
		p.state = f.state
	} else {
		p.state = StateInitial
	}
}

// Step advances the parser, returning the new state and its data. The data is
// only valid until the next call to Step or Read.
//
// For StateHeader, data is the raw header. For StateBody, data is a chunk of the
// (filtered) body. For StateMultipart, data is the preface and for
// StateMultipartEnd the postface. For StateFrom, it is the "From " line, and for
// StatePreFrom the data before the first "From " line.
func (p *Parser) Step() (State, []byte) {
	if p.unstep {
		p.unstep = false
		return p.state, p.lastData
	}
	st, data := p.step()
	p.state = st
	p.lastData = data
	metrics.ParserStepInc(st.String())
	return st, data
}

func (p *Parser) step() (State, []byte) {
	switch p.state {
	case StateInitial, StatePreFrom, StateFromEnd:
		if p.scanFrom {
			return p.scanFromLine()
		}
		if p.state == StateInitial {
			return p.startPart()
		}
		return StateEOF, nil
	case StateFrom:
		return p.startPart()
	case StateHeader:
		return p.startContent()
	case StateBody:
		return p.bodyStep()
	case StateMessage:
		return p.startPart()
	case StateMultipart:
		return p.multipartNext()
	case StateBodyEnd, StateMultipartEnd, StateMessageEnd:
		p.stack = p.stack[:len(p.stack)-1]
		return p.afterPart()
	case StateEOF:
		return StateEOF, nil
	}
	panic(fmt.Sprintf("mimeparser: step in unexpected state %v", p.state))
}

// Read reads body data of the current leaf part, stepping the parser. At the
// end of the body, io.EOF is returned and the next Step returns StateBodyEnd.
func (p *Parser) Read(buf []byte) (int, error) {
	for len(p.readbuf) == 0 {
		if p.state != StateHeader && p.state != StateBody || p.unstep {
			return 0, io.EOF
		}
		st, data := p.Step()
		if st != StateBody {
			p.Unstep()
			return 0, io.EOF
		}
		p.readbuf = data
	}
	n := copy(buf, p.readbuf)
	p.readbuf = p.readbuf[n:]
	return n, nil
}

// fill reads more data from the source. It returns false at end of input.
func (p *Parser) fill() bool {
	if p.eof {
		return false
	}
	if p.pos > 0 {
		n := copy(p.buf, p.buf[p.pos:])
		p.bufOffset += int64(p.pos)
		p.buf = p.buf[:n]
		p.pos = 0
	}
	if cap(p.buf)-len(p.buf) < p.readSize {
		nbuf := make([]byte, len(p.buf), 2*cap(p.buf)+p.readSize)
		copy(nbuf, p.buf)
		p.buf = nbuf
	}
	n, err := p.r.Read(p.buf[len(p.buf) : len(p.buf)+p.readSize])
	p.buf = p.buf[:len(p.buf)+n]
	if err == io.EOF {
		p.eof = true
	} else if err != nil {
		p.addError(fmt.Errorf("read: %w", err), "io")
		p.eof = true
	}
	return n > 0 || !p.eof
}

// peekLine returns the next line, including line ending. The line is
// incomplete (without newline) at end of input, or if it is too long. At end of
// input, an empty line is returned.
func (p *Parser) peekLine() []byte {
	for {
		if i := bytes.IndexByte(p.buf[p.pos:], '\n'); i >= 0 {
			return p.buf[p.pos : p.pos+i+1]
		}
		if len(p.buf)-p.pos >= maxLine || !p.fill() {
			return p.buf[p.pos:]
		}
	}
}

func (p *Parser) consume(line []byte) {
	p.pos += len(line)
	p.midline = len(line) > 0 && line[len(line)-1] != '\n'
}

// splitNL splits the line ending from a line.
func splitNL(line []byte) (data, nl []byte) {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
		if n > 0 && line[n-1] == '\r' {
			n--
		}
	}
	return line[:n], line[n:]
}

// checkBound returns whether line is a boundary line for bound (including the
// leading dashes), and if so whether it is the closing boundary.
func checkBound(line, bound []byte) (match, closing bool) {
	if !bytes.HasPrefix(line, bound) {
		return false, false
	}
	line = line[len(bound):]
	if bytes.HasPrefix(line, []byte("--")) {
		return true, true
	}
	if len(line) == 0 {
		return true, false
	}
	switch line[0] {
	case ' ', '\t', '\r', '\n':
		return true, false
	}
	return false, false
}

// boundary checks if line is a boundary of a multipart on the stack, or a
// "From " line when scanning an mbox. It returns the stack index of the
// multipart, -1 for a "From " line.
func (p *Parser) boundary(line []byte) (index int, closing, ok bool) {
	if p.midline || len(line) < 2 {
		return 0, false, false
	}
	if line[0] == '-' && line[1] == '-' {
		for i := len(p.stack) - 1; i >= 0; i-- {
			if b := p.stack[i].boundary; b != nil {
				if match, closing := checkBound(line, b); match {
					return i, closing, true
				}
			}
		}
		return 0, false, false
	}
	if p.scanFrom && line[0] == 'F' && isFromLine(line) {
		return -1, false, true
	}
	return 0, false, false
}

// scanFromLine skips to the next "From " line, returning data before it as
// StatePreFrom, or the line as StateFrom.
func (p *Parser) scanFromLine() (State, []byte) {
	p.stack = nil
	p.out = p.out[:0]
	for {
		line := p.peekLine()
		if len(line) == 0 {
			if len(p.out) > 0 {
				return StatePreFrom, p.out
			}
			return StateEOF, nil
		}
		if !p.midline && isFromLine(line) {
			if len(p.out) > 0 {
				return StatePreFrom, p.out
			}
			p.startFrom = p.Tell()
			p.fromLine = append(p.fromLine[:0], line...)
			p.consume(line)
			return StateFrom, p.fromLine
		}
		p.out = append(p.out, line...)
		p.consume(line)
		if len(p.out) >= chunkSize {
			return StatePreFrom, p.out
		}
	}
}

// startPart parses the header of a new part and pushes it on the stack.
func (p *Parser) startPart() (State, []byte) {
	f := &frame{
		startBoundary: -1,
		startHeaders:  p.Tell(),
		endContent:    -1,
		state:         StateHeader,
	}
	var parent *frame
	if len(p.stack) > 0 {
		parent = p.top()
	}
	if parent != nil && parent.boundary != nil {
		f.startBoundary = p.boundaryOffset
	}
	p.partCount++
	p.midline = false
	p.out = p.out[:0]

	last := -1 // Index of last header in f.headers.
	for {
		line := p.peekLine()
		if len(line) == 0 {
			if parent != nil {
				p.addError(fmt.Errorf("%w: in header of part", ErrUnexpectedEOF), "unexpectedeof")
			}
			break
		}
		if _, _, ok := p.boundary(line); ok {
			// Header without empty line.
			break
		}
		offset := p.Tell()
		continuation := p.midline
		p.out = append(p.out, line...)
		p.consume(line)
		if !continuation {
			if data, nl := splitNL(line); len(data) == 0 && len(nl) > 0 {
				// Empty line, the raw header does not include it.
				p.out = p.out[:len(p.out)-len(line)]
				break
			}
		}
		if last >= 0 && (continuation || line[0] == ' ' || line[0] == '\t') {
			h := &f.headers[last]
			h.Raw = append(h.Raw, line...)
			if continuation {
				h.Value += string(bytes.TrimRight(line, "\r\n"))
			} else {
				h.Value += "\n" + string(bytes.TrimRight(line, "\r\n"))
			}
			continue
		}
		name, value, ok := parseHeaderLine(line)
		if !ok {
			p.addError(fmt.Errorf("%w: %q", ErrMalformedHeader, truncate(line)), "malformedheader")
		}
		f.headers = append(f.headers, Header{Name: name, Value: value, Raw: append([]byte(nil), line...), Offset: offset})
		last = len(f.headers) - 1
	}
	f.rawHeader = append([]byte(nil), p.out...)
	f.startContent = p.Tell()

	// Determine content type, default depending on parent.
	f.contentType = DefaultContentType()
	if parent != nil && parent.contentType.Is("multipart", "digest") {
		f.contentType = &ContentType{"message", "rfc822", map[string]string{}}
	}
	for _, h := range f.headers {
		if strings.EqualFold(h.Name, "Content-Type") {
			ct, err := ParseContentType(h.Value)
			if err != nil {
				p.log.Debugx("parsing content-type, continuing", err, slog.String("contenttype", h.Value))
			}
			f.contentType = ct
			break
		}
	}
	if p.headerFilter != nil {
		var l []Header
		for _, h := range f.headers {
			if strings.EqualFold(h.Name, "Content-Type") || h.Name != "" && p.headerFilter.MatchString(h.Name) {
				l = append(l, h)
			}
		}
		f.headers = l
	}
	p.stack = append(p.stack, f)
	return StateHeader, p.out
}

func truncate(b []byte) []byte {
	if len(b) > 60 {
		return b[:60]
	}
	return b
}

// startContent starts the content of the part whose header was just parsed.
func (p *Parser) startContent() (State, []byte) {
	f := p.top()
	ct := f.contentType
	switch {
	case ct.Is("multipart", "signed"):
		// Parts of multipart/signed must be kept byte-exact, it is parsed as a
		// whole by the caller.
	case ct.Is("multipart", "*"):
		b := ct.Param("boundary")
		if b == "" {
			p.addError(ErrMissingBoundaryParam, "missingboundary")
			break
		}
		f.boundary = []byte("--" + b)
		f.state = StateMultipart
		p.pendingNL = p.pendingNL[:0]
		p.out = p.out[:0]
		for {
			var end bool
			p.out, end = p.scanContent(p.out, chunkSize)
			if end {
				break
			}
			if len(p.out) > maxPrePost {
				// Keep scanning, but don't keep more.
				p.out = p.out[:maxPrePost]
			}
		}
		f.preface = append([]byte(nil), p.out...)
		return StateMultipart, f.preface
	case ct.Is("message", "rfc822"), ct.Is("message", "news"), ct.Is("message", "global"):
		f.state = StateMessage
		return StateMessage, nil
	}
	f.state = StateBody
	p.pendingNL = p.pendingNL[:0]
	p.bodyDone = false
	return p.bodyStep()
}

// bodyStep returns the next chunk of a leaf body, or the end of the body.
func (p *Parser) bodyStep() (State, []byte) {
	f := p.top()
	for !p.bodyDone {
		var end bool
		p.out, end = p.scanContent(p.out[:0], chunkSize)
		if end {
			p.bodyDone = true
		}
		data := p.out
		for _, fe := range p.filters {
			if end {
				data = fe.f.Complete(data)
			} else {
				data = fe.f.Filter(data)
			}
		}
		if len(data) > 0 {
			return StateBody, data
		}
	}
	p.bodyDone = false
	f.endContent = p.contentEnd
	return StateBodyEnd, nil
}

// scanContent appends content lines to out until a boundary line, end of input
// or at least limit bytes. The line ending before a boundary is part of the
// boundary, not of the content. At end of input, the line ending is kept. end
// is set if a boundary or end of input was reached.
func (p *Parser) scanContent(out []byte, limit int) (rout []byte, end bool) {
	for len(out) < limit {
		line := p.peekLine()
		if len(line) == 0 {
			out = append(out, p.pendingNL...)
			p.pendingNL = p.pendingNL[:0]
			p.contentEnd = p.Tell()
			return out, true
		}
		if _, _, ok := p.boundary(line); ok {
			p.contentEnd = p.Tell() - int64(len(p.pendingNL))
			p.pendingNL = p.pendingNL[:0]
			return out, true
		}
		out = append(out, p.pendingNL...)
		data, nl := splitNL(line)
		out = append(out, data...)
		p.pendingNL = append(p.pendingNL[:0], nl...)
		p.consume(line)
	}
	return out, false
}

// multipartNext handles the boundary line after the preface or a part of the
// multipart at the top of the stack.
func (p *Parser) multipartNext() (State, []byte) {
	f := p.top()
	line := p.peekLine()
	index, closing, ok := p.boundary(line)
	if ok && index == len(p.stack)-1 {
		p.boundaryOffset = p.Tell()
		p.consume(line)
		if !closing {
			f.parts++
			return p.startPart()
		}

		// Postface, until a boundary of an outer multipart or end of input.
		p.pendingNL = p.pendingNL[:0]
		p.out = p.out[:0]
		for {
			var end bool
			p.out, end = p.scanContent(p.out, chunkSize)
			if end {
				break
			}
			if len(p.out) > maxPrePost {
				p.out = p.out[:maxPrePost]
			}
		}
		f.endContent = p.contentEnd
		f.postface = append([]byte(nil), p.out...)
		return StateMultipartEnd, f.postface
	}

	// Outer boundary or end of input.
	p.addError(fmt.Errorf("%w: %s", ErrMissingClosingBoundary, f.boundary), "missingclosing")
	f.endContent = p.Tell()
	return StateMultipartEnd, nil
}

// afterPart returns the next state after a part was popped from the stack.
func (p *Parser) afterPart() (State, []byte) {
	parent := p.top()
	switch {
	case parent == nil:
		if p.scanFrom {
			return StateFromEnd, nil
		}
		return StateEOF, nil
	case parent.state == StateMultipart:
		return p.multipartNext()
	case parent.state == StateMessage:
		parent.endContent = p.Tell()
		return StateMessageEnd, nil
	}
	panic(fmt.Sprintf("mimeparser: part ended with parent in state %v", parent.state))
}
