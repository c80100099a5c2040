package summary

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

const mbox1 = "From alice@example.org Tue Jan  2 15:04:05 2024\n" +
	"From: Alice <alice@example.org>\n" +
	"Subject: hello\n" +
	"Message-ID: <one@example.org>\n" +
	"Date: Tue, 2 Jan 2024 15:04:05 +0000\n" +
	"\n" +
	"first body\n" +
	"\n" +
	"From bob@example.org Wed Jan  3 15:04:05 2024\n" +
	"From: bob@example.org\n" +
	"Subject: Re: hello\n" +
	"In-Reply-To: <one@example.org>\n" +
	"\n" +
	"second body\n"

const mbox3 = "\n" +
	"From carol@example.org Thu Jan  4 15:04:05 2024\n" +
	"From: carol@example.org\n" +
	"Subject: third\n" +
	"Content-Type: multipart/mixed; boundary=X\n" +
	"\n" +
	"--X\n" +
	"\n" +
	"third body\n" +
	"--X--\n"

func uids(l []Entry) []uint32 {
	var r []uint32
	for _, e := range l {
		r = append(r, e.UID)
	}
	return r
}

func TestIndex(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(ctxbg, nil, filepath.Join(dir, "data", "summary.db"))
	tcheck(t, err, "open")
	defer s.Close()

	mboxPath := filepath.Join(dir, "mbox")
	tcheck(t, os.WriteFile(mboxPath, []byte(mbox1), 0600), "write mbox")

	res, err := s.Index(ctxbg, mboxPath)
	tcheck(t, err, "index")
	tcompare(t, res, IndexResult{Added: 2})

	l, err := s.List(ctxbg, mboxPath)
	tcheck(t, err, "list")
	tcompare(t, uids(l), []uint32{1, 2})

	e := l[0]
	tcompare(t, e.FromOffset, int64(0))
	tcompare(t, e.HeaderOffset, int64(strings.Index(mbox1, "From: Alice")))
	tcompare(t, e.ContentOffset, int64(strings.Index(mbox1, "first body")))
	tcompare(t, e.Subject, "hello")
	tcompare(t, e.From, "Alice <alice@example.org>")
	tcompare(t, e.MessageID, "one@example.org")
	tcompare(t, e.Date.Unix(), time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC).Unix())
	tcompare(t, e.ContentType, "text/plain")
	tcompare(t, e.Preview, "first body")
	tcompare(t, e.ThreadSubject, "hello")
	tcompare(t, e.IsResponse, false)
	tcompare(t, len(e.HeaderDigest), 32)

	e = l[1]
	tcompare(t, e.FromOffset, int64(strings.Index(mbox1, "From bob")))
	tcompare(t, e.From, "bob@example.org")
	tcompare(t, e.References, []string{"one@example.org"})
	tcompare(t, e.IsResponse, true)

	threads := Threads(l)
	tcompare(t, len(threads), 1)
	tcompare(t, uids(threads[0]), []uint32{1, 2})

	m, err := s.Message(ctxbg, l[0].ID)
	tcheck(t, err, "message")
	tcompare(t, m.Subject(), "hello")
	text, err := m.TextUTF8()
	tcheck(t, err, "text")
	tcompare(t, strings.TrimSpace(text), "first body")

	m, err = s.Message(ctxbg, l[1].ID)
	tcheck(t, err, "message")
	tcompare(t, m.Subject(), "Re: hello")

	// Nothing new.
	res, err = s.Index(ctxbg, mboxPath)
	tcheck(t, err, "index")
	tcompare(t, res, IndexResult{})

	// Appended message is added.
	tcheck(t, os.WriteFile(mboxPath, []byte(mbox1+mbox3), 0600), "append mbox")
	res, err = s.Index(ctxbg, mboxPath)
	tcheck(t, err, "index")
	tcompare(t, res, IndexResult{Added: 1})
	l, err = s.List(ctxbg, mboxPath)
	tcheck(t, err, "list")
	tcompare(t, uids(l), []uint32{1, 2, 3})
	tcompare(t, l[2].ContentType, "multipart/mixed")
	tcompare(t, l[2].Preview, "third body")
	tcompare(t, len(Threads(l)), 2)
	m, err = s.Message(ctxbg, l[2].ID)
	tcheck(t, err, "message")
	tcompare(t, m.Subject(), "third")

	// Rewritten mbox is indexed again, with new uids.
	rewritten := mbox1 + strings.Replace(mbox3, "Subject: third", "Subject: changed", 1)
	tcheck(t, os.WriteFile(mboxPath, []byte(rewritten), 0600), "rewrite mbox")
	res, err = s.Index(ctxbg, mboxPath)
	tcheck(t, err, "index")
	tcompare(t, res, IndexResult{Added: 3, Rebuilt: true})
	l, err = s.List(ctxbg, mboxPath)
	tcheck(t, err, "list")
	tcompare(t, uids(l), []uint32{4, 5, 6})
	tcompare(t, l[2].Subject, "changed")

	// Truncated mbox.
	first := mbox1[:strings.Index(mbox1, "From bob")]
	tcheck(t, os.WriteFile(mboxPath, []byte(first), 0600), "truncate mbox")
	res, err = s.Index(ctxbg, mboxPath)
	tcheck(t, err, "index")
	tcompare(t, res, IndexResult{Added: 1, Rebuilt: true})
	l, err = s.List(ctxbg, mboxPath)
	tcheck(t, err, "list")
	tcompare(t, uids(l), []uint32{7})
}

func TestErrors(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(ctxbg, nil, filepath.Join(dir, "summary.db"))
	tcheck(t, err, "open")
	defer s.Close()

	_, err = s.List(ctxbg, filepath.Join(dir, "unknown"))
	if !errors.Is(err, ErrUnknown) {
		t.Fatalf("got err %v, expected ErrUnknown", err)
	}
	_, err = s.Index(ctxbg, filepath.Join(dir, "missing"))
	if err == nil {
		t.Fatalf("indexing missing mbox succeeded")
	}
	_, err = s.Message(ctxbg, 123)
	if err == nil {
		t.Fatalf("message for unknown entry succeeded")
	}

	mboxPath := filepath.Join(dir, "mbox")
	tcheck(t, os.WriteFile(mboxPath, []byte(mbox1), 0600), "write mbox")
	fl := flock.New(mboxPath)
	tcheck(t, fl.Lock(), "lock mbox")
	defer fl.Unlock()

	orig := LockTimeout
	LockTimeout = 300 * time.Millisecond
	defer func() { LockTimeout = orig }()
	_, err = s.Index(ctxbg, mboxPath)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("got err %v, expected ErrLocked", err)
	}

	tcheck(t, fl.Unlock(), "unlock mbox")
	res, err := s.Index(ctxbg, mboxPath)
	tcheck(t, err, "index after unlock")
	tcompare(t, res.Added, 2)
}

func TestThreads(t *testing.T) {
	l := []Entry{
		{UID: 1, MessageID: "a@x", ThreadSubject: "topic"},
		{UID: 2, MessageID: "b@x", ThreadSubject: "other"},
		{UID: 3, MessageID: "c@x", References: []string{"a@x"}, ThreadSubject: "changed", IsResponse: true},
		{UID: 4, ThreadSubject: "other", IsResponse: true},
		{UID: 5, ThreadSubject: "other"},
		{UID: 6, References: []string{"unknown@x", "c@x"}},
	}
	var got [][]uint32
	for _, th := range Threads(l) {
		got = append(got, uids(th))
	}
	tcompare(t, got, [][]uint32{{1, 3, 6}, {2, 4}, {5}})
}

func TestSearch(t *testing.T) {
	l := []Entry{
		{UID: 1, Subject: "Meeting tomorrow", From: "Alice <alice@example.org>", MessageID: "a@x"},
		{UID: 2, Subject: "Re: meeting tomorrow", From: "bob@example.org", MessageID: "b@x", Preview: "fine by me"},
		{UID: 3, Subject: "Invoice", From: "billing@example.com", MessageID: "c@y", Preview: "see attached"},
	}
	check := func(terms []string, exp []uint32) {
		t.Helper()
		r, err := Search(l, terms)
		tcheck(t, err, "search")
		tcompare(t, uids(r), exp)
	}

	check(nil, []uint32{1, 2, 3})
	check([]string{"MEETING"}, []uint32{1, 2})
	check([]string{"meeting", "from:bob"}, []uint32{2})
	check([]string{"subject:invoice"}, []uint32{3})
	check([]string{"attached"}, []uint32{3})
	check([]string{"messageid:@x"}, []uint32{1, 2})
	check([]string{"example.org", "example.com"}, nil)
	check([]string{"from:nobody"}, nil)

	_, err := Search(l, []string{"body:x"})
	if err == nil {
		t.Fatalf("search with unknown field, expected error")
	}
}
