// Package summary keeps an index of the messages in mbox files, with offsets
// and the envelope fields needed for listing messages without parsing the
// mbox again.
//
// Indexing is incremental: messages appended to an mbox since the last run are
// added, a rewritten or truncated mbox is indexed again from the start. The
// mbox file is locked with a shared flock while it is read.
package summary

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/crypto/blake2b"

	"github.com/mjl-/bstore"

	"github.com/mjl-/moxmime/message"
	"github.com/mjl-/moxmime/metrics"
	"github.com/mjl-/moxmime/mimeparser"
	"github.com/mjl-/moxmime/mlog"
	"github.com/mjl-/moxmime/moxvar"
)

var (
	ErrLocked  = errors.New("mbox is locked")
	ErrUnknown = errors.New("mbox not indexed")
)

// LockTimeout is how long to wait for a shared lock on an mbox file.
var LockTimeout = 10 * time.Second

const lockRetryDelay = 100 * time.Millisecond

// Entries are written in transactions of this size, along with the offset
// of the next message in the mailbox.
const batchSize = 100

var DBTypes = []any{Mailbox{}, Entry{}} // Types stored in DB.

// Mailbox is the indexing state of an mbox file.
type Mailbox struct {
	ID      int64
	Path    string `bstore:"nonzero,unique"` // Absolute path.
	Size    int64  // At last index.
	ModTime time.Time
	Indexed int64  // Offset up to which messages have been indexed.
	NextUID uint32 // UIDs are not reused, also not when indexing again.
	Updated time.Time
}

// Entry is a message in an mbox.
type Entry struct {
	ID        int64
	MailboxID int64  `bstore:"nonzero,ref Mailbox,index MailboxID+FromOffset"`
	UID       uint32 `bstore:"nonzero"`

	FromOffset    int64 // Start of "From " line.
	HeaderOffset  int64
	ContentOffset int64
	EndOffset     int64 // End of content of the message.

	// blake2b-256 of the raw header, to detect a rewritten mbox.
	HeaderDigest []byte

	Subject       string
	From          string
	MessageID     string // Canonical, without angle brackets.
	References    []string
	Date          time.Time
	ContentType   string // Media type, e.g. "multipart/mixed".
	Preview       string
	ThreadSubject string // Base subject for threading.
	IsResponse    bool
	Anomalies     int // Parser errors within the message.
}

// Store is an opened summary database.
type Store struct {
	DB  *bstore.DB
	log mlog.Log
}

// Open opens or creates the summary database at path.
func Open(ctx context.Context, elog *slog.Logger, path string) (*Store, error) {
	log := mlog.New("summary", elog)
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: moxvar.RegisterLogger(path, log.Logger)}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("opening summary database: %w", err)
	}
	log.Debug("summary database opened", slog.String("path", path))
	return &Store{db, log}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// lockMbox takes a shared lock on the mbox file, retrying until LockTimeout.
func lockMbox(ctx context.Context, path string) (*flock.Flock, error) {
	fl := flock.New(path)
	ctx, cancel := context.WithTimeout(ctx, LockTimeout)
	defer cancel()
	ok, err := fl.TryRLockContext(ctx, lockRetryDelay)
	if errors.Is(err, context.DeadlineExceeded) || err == nil && !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	} else if err != nil {
		return nil, fmt.Errorf("locking mbox: %w", err)
	}
	return fl, nil
}

func (s *Store) mailbox(ctx context.Context, path string) (Mailbox, error) {
	mb, err := bstore.QueryDB[Mailbox](ctx, s.DB).FilterNonzero(Mailbox{Path: path}).Get()
	if err == bstore.ErrAbsent {
		return Mailbox{}, fmt.Errorf("%w: %s", ErrUnknown, path)
	}
	return mb, err
}

// IndexResult is the outcome of indexing an mbox.
type IndexResult struct {
	Added   int
	Skipped int
	Rebuilt bool // Previous entries were removed because the mbox changed.
}

// Index adds the messages of the mbox file at mboxPath that are not yet in the
// database.
func (s *Store) Index(ctx context.Context, mboxPath string) (rres IndexResult, rerr error) {
	path, err := filepath.Abs(mboxPath)
	if err != nil {
		return rres, fmt.Errorf("mbox path: %w", err)
	}
	log := s.log.With(slog.String("mbox", path))

	fi, err := os.Stat(path)
	if err != nil {
		return rres, fmt.Errorf("stat mbox: %w", err)
	}
	fl, err := lockMbox(ctx, path)
	if err != nil {
		return rres, err
	}
	defer func() {
		err := fl.Unlock()
		log.Check(err, "unlocking mbox")
	}()

	f, err := os.Open(path)
	if err != nil {
		return rres, fmt.Errorf("open mbox: %w", err)
	}
	defer func() {
		err := f.Close()
		log.Check(err, "closing mbox")
	}()

	mb, err := s.mailbox(ctx, path)
	if errors.Is(err, ErrUnknown) {
		mb = Mailbox{Path: path, NextUID: 1}
		if err := s.DB.Insert(ctx, &mb); err != nil {
			return rres, fmt.Errorf("adding mailbox: %w", err)
		}
	} else if err != nil {
		return rres, fmt.Errorf("looking up mailbox: %w", err)
	} else if ok, err := s.unchanged(ctx, f, mb, fi.Size()); err != nil {
		return rres, err
	} else if !ok {
		log.Info("mbox changed, indexing again")
		err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
			_, err := bstore.QueryTx[Entry](tx).FilterNonzero(Entry{MailboxID: mb.ID}).Delete()
			return err
		})
		if err != nil {
			return rres, fmt.Errorf("removing entries: %w", err)
		}
		mb.Indexed = 0
		rres.Rebuilt = true
	}

	mp := mimeparser.New(log.Logger, f)
	mp.ScanFrom(true)
	if mb.Indexed > 0 {
		if _, err := mp.Seek(mb.Indexed, io.SeekStart); err != nil {
			return rres, fmt.Errorf("seek to end of indexed messages: %w", err)
		}
	}

	var batch []Entry
	flush := func() error {
		mb.Size = fi.Size()
		mb.ModTime = fi.ModTime()
		mb.Updated = time.Now()
		err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
			for i := range batch {
				if err := tx.Insert(&batch[i]); err != nil {
					return err
				}
			}
			return tx.Update(&mb)
		})
		if err != nil {
			for range batch {
				metrics.SummaryMessageInc("error")
			}
			return fmt.Errorf("storing entries: %w", err)
		}
		rres.Added += len(batch)
		for range batch {
			metrics.SummaryMessageInc("added")
		}
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return rres, err
		}
		st, _ := mp.Step()
		switch st {
		case mimeparser.StatePreFrom, mimeparser.StateFromEnd:
			mb.Indexed = mp.Tell()
			continue
		case mimeparser.StateEOF:
			mb.Indexed = mp.Tell()
			if err := flush(); err != nil {
				return rres, err
			}
			log.Debug("mbox indexed", slog.Int("added", rres.Added), slog.Int("skipped", rres.Skipped))
			return rres, nil
		case mimeparser.StateFrom:
			if len(batch) >= batchSize {
				mb.Indexed = mp.TellStartFrom()
				if err := flush(); err != nil {
					return rres, err
				}
			}
		default:
			// Remainder of a message that could not be parsed.
			continue
		}

		e, err := s.entry(mp, mb)
		if err != nil {
			log.Debugx("skipping message", err, slog.Int64("offset", mp.TellStartFrom()))
			metrics.SummaryMessageInc("skipped")
			rres.Skipped++
			continue
		}
		mb.NextUID++
		batch = append(batch, e)
	}
}

// entry parses the message after a "From " line into an entry.
func (s *Store) entry(mp *mimeparser.Parser, mb Mailbox) (Entry, error) {
	e := Entry{
		MailboxID:  mb.ID,
		UID:        mb.NextUID,
		FromOffset: mp.TellStartFrom(),
	}
	if st, _ := mp.Step(); st != mimeparser.StateHeader {
		mp.Unstep()
		return e, fmt.Errorf("%w: %v after from line", message.ErrParserState, st)
	}
	e.HeaderOffset = mp.TellStartHeaders()
	e.ContentOffset = mp.TellStartContent()
	digest := blake2b.Sum256(mp.RawHeader())
	e.HeaderDigest = digest[:]

	nerr := mp.ErrorCount()
	m := &message.Message{}
	if err := message.ConstructFromParser(&m.Part, mp); err != nil {
		return e, err
	}
	e.EndOffset = mp.TellEndContent()
	e.Anomalies = mp.ErrorCount() - nerr

	e.Subject = m.Subject()
	if l := m.From(); len(l) > 0 {
		e.From = l[0].String()
		if l[0].Name != "" {
			e.From = fmt.Sprintf("%s <%s>", l[0].Name, l[0].String())
		}
	}
	if id := m.MessageID(); id != "" {
		if c, _, err := message.MessageIDCanonical(id); err == nil {
			e.MessageID = c
		} else {
			s.log.Debugx("parsing message-id, ignoring", err, slog.String("messageid", id))
		}
	}
	e.References = m.References()
	if d, err := m.Date(); err == nil {
		e.Date = d
	}
	e.ContentType = m.ContentType().MediaType()
	e.ThreadSubject, e.IsResponse = message.BaseSubject(e.Subject)
	if p, err := m.Preview(); err != nil {
		s.log.Debugx("preview, ignoring", err)
	} else {
		e.Preview = p
	}
	return e, nil
}

// unchanged returns whether the indexed messages of mb are still in the mbox:
// the mbox did not shrink and the header of the last indexed message still
// matches.
func (s *Store) unchanged(ctx context.Context, f *os.File, mb Mailbox, size int64) (bool, error) {
	if size < mb.Size || size < mb.Indexed {
		return false, nil
	}
	last, err := bstore.QueryDB[Entry](ctx, s.DB).FilterNonzero(Entry{MailboxID: mb.ID}).SortDesc("FromOffset").Limit(1).Get()
	if err == bstore.ErrAbsent {
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("looking up last entry: %w", err)
	}
	buf := make([]byte, last.ContentOffset-last.HeaderOffset)
	if _, err := f.ReadAt(buf, last.HeaderOffset); err == io.EOF {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("reading header of last message: %w", err)
	}
	digest := blake2b.Sum256(buf)
	return bytes.Equal(digest[:], last.HeaderDigest), nil
}

// List returns the entries of an indexed mbox, in mbox order.
func (s *Store) List(ctx context.Context, mboxPath string) ([]Entry, error) {
	path, err := filepath.Abs(mboxPath)
	if err != nil {
		return nil, fmt.Errorf("mbox path: %w", err)
	}
	mb, err := s.mailbox(ctx, path)
	if err != nil {
		return nil, err
	}
	return bstore.QueryDB[Entry](ctx, s.DB).FilterNonzero(Entry{MailboxID: mb.ID}).SortAsc("FromOffset").List()
}

// Message reads and parses the message of an entry from its mbox. Anomalies
// are returned as error along with the message.
func (s *Store) Message(ctx context.Context, id int64) (*message.Message, error) {
	e := Entry{ID: id}
	if err := s.DB.Get(ctx, &e); err != nil {
		return nil, fmt.Errorf("looking up entry: %w", err)
	}
	mb := Mailbox{ID: e.MailboxID}
	if err := s.DB.Get(ctx, &mb); err != nil {
		return nil, fmt.Errorf("looking up mailbox: %w", err)
	}

	fl, err := lockMbox(ctx, mb.Path)
	if err != nil {
		return nil, err
	}
	defer func() {
		err := fl.Unlock()
		s.log.Check(err, "unlocking mbox")
	}()
	f, err := os.Open(mb.Path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer func() {
		err := f.Close()
		s.log.Check(err, "closing mbox")
	}()
	return message.Parse(s.log.Logger, io.NewSectionReader(f, e.HeaderOffset, e.EndOffset-e.HeaderOffset))
}

// Threads groups entries into threads. A message joins the thread of a message
// it references, or else of an earlier message with the same base subject if it
// is a response. Threads and their messages are in mbox order.
func Threads(entries []Entry) [][]Entry {
	var threads [][]Entry
	byID := map[string]int{}      // Message-ID to thread index.
	bySubject := map[string]int{} // Base subject to thread index.
	for _, e := range entries {
		ti := -1
		for i := len(e.References) - 1; i >= 0 && ti < 0; i-- {
			if t, ok := byID[e.References[i]]; ok {
				ti = t
			}
		}
		if t, ok := bySubject[e.ThreadSubject]; ti < 0 && ok && e.IsResponse {
			ti = t
		}
		if ti < 0 {
			ti = len(threads)
			threads = append(threads, nil)
		}
		threads[ti] = append(threads[ti], e)
		if e.MessageID != "" {
			byID[e.MessageID] = ti
		}
		if _, ok := bySubject[e.ThreadSubject]; !ok && e.ThreadSubject != "" {
			bySubject[e.ThreadSubject] = ti
		}
	}
	return threads
}

// Search returns the entries matching all terms, in order. A term of the form
// "subject:text", "from:text" or "messageid:text" matches if that field contains
// text, other terms match if any of subject, from, message-id and preview contain
// them. Matching is case-insensitive. Without terms, all entries match.
func Search(entries []Entry, terms []string) ([]Entry, error) {
	type term struct {
		field string // Empty for any field.
		text  string
	}
	var tl []term
	for _, t := range terms {
		field, text, ok := strings.Cut(t, ":")
		if !ok {
			field, text = "", t
		} else if field = strings.ToLower(field); field != "subject" && field != "from" && field != "messageid" {
			return nil, fmt.Errorf("unknown search field %q", field)
		}
		tl = append(tl, term{field, strings.ToLower(text)})
	}

	contains := func(s, text string) bool {
		return strings.Contains(strings.ToLower(s), text)
	}
	var r []Entry
next:
	for _, e := range entries {
		for _, t := range tl {
			var ok bool
			switch t.field {
			case "subject":
				ok = contains(e.Subject, t.text)
			case "from":
				ok = contains(e.From, t.text)
			case "messageid":
				ok = contains(e.MessageID, t.text)
			default:
				ok = contains(e.Subject, t.text) || contains(e.From, t.text) || contains(e.MessageID, t.text) || contains(e.Preview, t.text)
			}
			if !ok {
				continue next
			}
		}
		r = append(r, e)
	}
	return r, nil
}
