package message

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Preview returns a short text for displaying next to the subject, from the
// first text/plain or text/html part that is not an attachment. Quoted text and
// the "On ... wrote:" line before it are left out. At most 256 characters are
// returned.
func (p *Part) Preview() (string, error) {
	if disp, _, err := p.DispositionFilename(); err == nil && disp == "attachment" {
		return "", nil
	}
	ct := p.ContentType()
	switch {
	case ct.Is("text", "plain"):
		s, err := p.TextUTF8()
		if err != nil {
			return "", err
		}
		return previewText(s), nil
	case ct.Is("text", "html"):
		s, err := p.TextUTF8()
		if err != nil {
			return "", err
		}
		t, err := htmlText(s)
		if err != nil {
			xlog.Debugx("parsing html for preview, ignoring", err)
			return "", nil
		}
		return previewText(t), nil
	}

	var parts []*Part
	switch c := p.content.(type) {
	case *Multipart:
		parts = c.parts
	case *MultipartSigned:
		if sp, err := c.Part(SignedContent); err == nil {
			parts = []*Part{sp}
		}
	case *Message:
		parts = []*Part{&c.Part}
	}
	for _, sp := range parts {
		if s, err := sp.Preview(); err != nil || s != "" {
			return s, err
		}
	}
	return "", nil
}

var regexpSpace = regexp.MustCompile(`\s+`)

func previewText(s string) string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	var b strings.Builder
	for i, line := range lines {
		if line == "--" || line == "-- " {
			// Signature.
			break
		}
		if strings.HasPrefix(line, ">") {
			continue
		}
		if strings.HasSuffix(line, "wrote:") && i+1 < len(lines) && (strings.HasPrefix(lines[i+1], ">") || i+2 < len(lines) && lines[i+1] == "" && strings.HasPrefix(lines[i+2], ">")) {
			continue
		}
		if line == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(line)
		if b.Len() > 4*256 {
			break
		}
	}
	r := []rune(regexpSpace.ReplaceAllString(b.String(), " "))
	if len(r) > 256 {
		r = r[:256]
	}
	return strings.TrimSpace(string(r))
}

var ignoreAtoms = map[atom.Atom]bool{atom.Head: true, atom.Script: true, atom.Style: true, atom.Template: true}
var blockAtoms = map[atom.Atom]bool{atom.P: true, atom.Div: true, atom.Br: true, atom.Tr: true, atom.Li: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.Table: true}

// htmlText returns the text of an html document, with newlines after block
// elements and blockquotes prefixed with ">".
func htmlText(s string) (string, error) {
	node, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return "", fmt.Errorf("parsing html: %v", err)
	}
	var b strings.Builder
	var quoteLevel int
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if ignoreAtoms[n.DataAtom] {
				return
			}
			if n.DataAtom == atom.Blockquote {
				quoteLevel++
				defer func() { quoteLevel-- }()
			}
		}
		if n.Type == html.TextNode {
			t := regexpSpace.ReplaceAllString(n.Data, " ")
			if strings.TrimSpace(t) != "" && quoteLevel > 0 {
				t = "\n" + strings.Repeat(">", quoteLevel) + " " + strings.TrimSpace(t) + "\n"
			}
			b.WriteString(t)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && (blockAtoms[n.DataAtom] || n.DataAtom == atom.Blockquote) {
			b.WriteString("\n")
		}
	}
	walk(node)
	return b.String(), nil
}
