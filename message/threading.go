package message

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

var errBadMessageID = errors.New("not a message-id")

// MessageIDCanonical returns the canonical form of a Message-ID for matching in
// threading: lower case, without angle brackets and without unneeded quoting of
// the local part. The bool return is true if the message-id is not of the form
// localpart@domain, in which case the lower cased raw value is returned. This
// is common in practice.
func MessageIDCanonical(s string) (string, bool, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "<") {
		return "", false, fmt.Errorf("%w: missing <", errBadMessageID)
	}
	// Comments after the message-id are seen in the wild, we allow them.
	s, rem, ok := strings.Cut(s[1:], ">")
	if !ok || rem != "" && !strings.HasPrefix(rem, " ") {
		return "", false, fmt.Errorf("%w: missing >", errBadMessageID)
	}
	s = strings.ToLower(s)
	if s == "" {
		return "", false, fmt.Errorf("%w: empty message-id", errBadMessageID)
	}
	c, ok := canonicalAddr(s)
	return c, !ok, nil
}

// canonicalAddr removes unneeded quoting from the localpart of a message-id in
// address form.
func canonicalAddr(s string) (string, bool) {
	a, err := mail.ParseAddress("<" + s + ">")
	if err != nil {
		return s, false
	}
	lp, _, _ := strings.Cut(a.Address, "@")
	t := strings.Split(s, "@")
	return lp + "@" + t[len(t)-1], true
}

// ReferencedIDs returns the canonical message-ids referenced from the
// References header(s), falling back to the In-Reply-To header(s). Truncated
// and empty message-ids are skipped.
func ReferencedIDs(references []string, inReplyTo []string) []string {
	var ids []string

	// Parse one message-id from refs, returning the remainder.
	next := func(refs string) string {
		refs = strings.TrimLeft(refs, " \t\r\n")
		if !strings.HasPrefix(refs, "<") {
			i := strings.IndexAny(refs, " >")
			if i < 0 {
				return ""
			}
			return refs[i+1:]
		}
		refs = refs[1:]
		i := strings.IndexAny(refs, "<>")
		if i < 0 {
			return ""
		}
		if refs[i] == '<' {
			// Truncated.
			return refs[i:]
		}
		// Some mail software folds in the middle of message-ids.
		id := strings.NewReplacer(" ", "", "\t", "", "\r", "", "\n", "").Replace(strings.ToLower(refs[:i]))
		if id != "" {
			id, _ = canonicalAddr(id)
			ids = append(ids, id)
		}
		return refs[i+1:]
	}

	for _, refs := range references {
		for refs != "" {
			refs = next(refs)
		}
	}
	if len(ids) == 0 {
		for _, s := range inReplyTo {
			for s != "" && len(ids) == 0 {
				s = next(s)
			}
			if len(ids) > 0 {
				break
			}
		}
	}
	return ids
}

// BaseSubject returns the subject without reply and forward prefixes and
// trailing "(fwd)", in lower case, for matching messages of a thread by
// subject. isResponse is set if a prefix was removed. See RFC 5256, section 2.1.
func BaseSubject(subject string) (base string, isResponse bool) {
	s := strings.ToLower(strings.Join(strings.Fields(subject), " "))
	for {
		prev := s
		s = strings.TrimSuffix(s, "(fwd)")
		s = strings.TrimSpace(s)
		for _, prefix := range []string{"re:", "fw:", "fwd:", "aw:", "sv:"} {
			if strings.HasPrefix(s, prefix) {
				s = strings.TrimSpace(s[len(prefix):])
				isResponse = true
			}
		}
		// Blob like "[list]" before a prefix.
		if i := strings.Index(s, "]"); strings.HasPrefix(s, "[") && i > 0 {
			rest := strings.TrimSpace(s[i+1:])
			if strings.HasPrefix(rest, "re:") || strings.HasPrefix(rest, "fw") {
				s = rest
			}
		}
		if s == prev {
			return s, isResponse
		}
	}
}
