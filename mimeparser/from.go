package mimeparser

import (
	"bytes"
	"strings"
)

var weekdays = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}
var months = []string{"jan", "feb", "mar", "apr", "may", "jun", "jul", "aug", "sep", "oct", "nov", "dec"}

func isOneOf(s string, l []string) bool {
	s = strings.ToLower(s)
	for _, e := range l {
		if s == e {
			return true
		}
	}
	return false
}

func isDigits(s string, minLen, maxLen int) bool {
	if len(s) < minLen || len(s) > maxLen {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// isFromLine returns whether line is an mbox message separator, like:
//
//	From sender@example.org Tue Jan  2 15:04:05 2006
//
// The sender can be missing, seconds are optional, and a timezone may follow
// the time or the year.
func isFromLine(line []byte) bool {
	if !bytes.HasPrefix(line, []byte("From ")) {
		return false
	}
	t := strings.Fields(string(line[len("From "):]))

	// Find weekday and month, the sender could be missing or contain spaces.
	i := 0
	for ; i+1 < len(t); i++ {
		if isOneOf(t[i], weekdays) && isOneOf(t[i+1], months) {
			break
		}
	}
	// Need at least day, time and year after weekday and month.
	if i+4 >= len(t) || !isDigits(t[i+2], 1, 2) {
		return false
	}
	tm := strings.Split(t[i+3], ":")
	if len(tm) < 2 || len(tm) > 3 {
		return false
	}
	for _, s := range tm {
		if !isDigits(s, 2, 2) {
			return false
		}
	}
	// Year, possibly with a timezone before or after it.
	rest := t[i+4:]
	if len(rest) > 2 {
		return false
	}
	for _, s := range rest {
		if isDigits(s, 4, 4) {
			return true
		}
	}
	return false
}
