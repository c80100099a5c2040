package message

import (
	"io"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/mjl-/moxmime/mimeparser"
)

// Message is a message with its top-level part. A Message is also the content
// of a message/rfc822 part.
type Message struct {
	Part
}

// Address as used in From and To headers.
type Address struct {
	Name string // Free-form name for display in mail applications, decoded.
	User string // Localpart.
	Host string // Domain.
}

// String returns the address as "user@host", without name.
func (a Address) String() string {
	if a.Host == "" {
		return a.User
	}
	return a.User + "@" + a.Host
}

// Subject returns the decoded Subject header.
func (m *Message) Subject() string {
	return DecodeHeader(m.Header("Subject"))
}

// From returns the addresses of the From header.
func (m *Message) From() []Address {
	return m.addressList("From")
}

// To returns the addresses of the To headers.
func (m *Message) To() []Address {
	return m.addressList("To")
}

// Cc returns the addresses of the Cc headers.
func (m *Message) Cc() []Address {
	return m.addressList("Cc")
}

// Date returns the parsed Date header.
func (m *Message) Date() (time.Time, error) {
	return mail.ParseDate(DecodeHeader(m.Header("Date")))
}

// MessageID returns the Message-ID header, including angle brackets.
func (m *Message) MessageID() string {
	return strings.TrimSpace(mimeparser.Unfold(m.Header("Message-ID")))
}

// References returns the canonical message-ids referenced by the message, for
// threading. See ReferencedIDs.
func (m *Message) References() []string {
	return ReferencedIDs(m.headers.Values("References"), m.headers.Values("In-Reply-To"))
}

func (m *Message) addressList(name string) []Address {
	var r []Address
	parser := mail.AddressParser{WordDecoder: &wordDecoder}
	for _, v := range m.headers.Values(name) {
		l, err := parser.ParseList(mimeparser.Unfold(v))
		if err != nil {
			xlog.Debugx("parsing address list, ignoring", err, slog.String("header", name), slog.String("value", v))
			continue
		}
		for _, a := range l {
			var user, host string
			if i := strings.LastIndexByte(a.Address, '@'); i >= 0 {
				user, host = a.Address[:i], a.Address[i+1:]
			} else {
				user = a.Address
			}
			r = append(r, Address{a.Name, user, strings.ToLower(host)})
		}
	}
	return r
}

func (m *Message) writeContent(w io.Writer, p *Part) error {
	_, err := m.WriteTo(w)
	return err
}
