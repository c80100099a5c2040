package mimeparser

import (
	"fmt"
)

// State is the state of the parser, as returned by Step. Structural states
// have a matching end state.
type State int

const (
	StateInitial   State = iota // Nothing parsed yet.
	StatePreFrom                // Data before the first "From " line of an mbox.
	StateFrom                   // "From " line of an mbox message.
	StateHeader                 // Header of a part, or the top-level message.
	StateBody                   // Chunk of a leaf body.
	StateMultipart              // Multipart, with the preface.
	StateMessage                // Embedded message, followed by its header.
	StateEOF                    // End of input.

	StateFromEnd      // End of an mbox message.
	StateHeaderEnd    // Not returned by Step, for completeness.
	StateBodyEnd      // End of a leaf body.
	StateMultipartEnd // End of a multipart, with the postface.
	StateMessageEnd   // End of an embedded message.
)

var stateNames = []string{
	StateInitial:      "initial",
	StatePreFrom:      "prefrom",
	StateFrom:         "from",
	StateHeader:       "header",
	StateBody:         "body",
	StateMultipart:    "multipart",
	StateMessage:      "message",
	StateEOF:          "eof",
	StateFromEnd:      "from_end",
	StateHeaderEnd:    "header_end",
	StateBodyEnd:      "body_end",
	StateMultipartEnd: "multipart_end",
	StateMessageEnd:   "message_end",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state%d", int(s))
	}
	return stateNames[s]
}

// End returns the end state for a structural state. Other states are returned
// as is.
func (s State) End() State {
	switch s {
	case StateFrom:
		return StateFromEnd
	case StateHeader:
		return StateHeaderEnd
	case StateBody:
		return StateBodyEnd
	case StateMultipart:
		return StateMultipartEnd
	case StateMessage:
		return StateMessageEnd
	}
	return s
}

// Begin returns the structural state for an end state. Other states are
// returned as is.
func (s State) Begin() State {
	switch s {
	case StateFromEnd:
		return StateFrom
	case StateHeaderEnd:
		return StateHeader
	case StateBodyEnd:
		return StateBody
	case StateMultipartEnd:
		return StateMultipart
	case StateMessageEnd:
		return StateMessage
	}
	return s
}

// IsEnd returns whether s is an end state.
func (s State) IsEnd() bool {
	return s >= StateFromEnd && s <= StateMessageEnd
}
