package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/exp/maps"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/mjl-/moxmime/charset"
	"github.com/mjl-/moxmime/config"
	"github.com/mjl-/moxmime/message"
	"github.com/mjl-/moxmime/mimefilter"
	"github.com/mjl-/moxmime/mimeparser"
	"github.com/mjl-/moxmime/mlog"
	"github.com/mjl-/moxmime/moxvar"
	"github.com/mjl-/moxmime/pgp"
	"github.com/mjl-/moxmime/stream"
	"github.com/mjl-/moxmime/summary"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"parse", cmdParse},
	{"extract", cmdExtract},
	{"signed", cmdSigned},
	{"verify", cmdVerify},
	{"decrypt", cmdDecrypt},
	{"charset", cmdCharset},
	{"encode", cmdEncode},
	{"decode", cmdDecode},
	{"mbox index", cmdMboxIndex},
	{"mbox list", cmdMboxList},
	{"mbox show", cmdMboxShow},
	{"config describe", cmdConfigDescribe},
	{"config test", cmdConfigTest},
	{"metrics", cmdMetrics},
	{"serve-metrics", cmdServeMetrics},
	{"licenses", cmdLicenses},
	{"version", cmdVersion},
	{"help", cmdHelp},
	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// Commands are run with _gather set to collect their flags, params and help,
	// this panic stops them before they do actual work.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("moxmime "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "moxmime " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		fmt.Printf("moxmime %s\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# moxmime %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "moxmime [-config moxmime.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"moxmime"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var (
	configPath string
	loglevel   string // Overrides LogLevel from the config file if set.
	conf       = config.Default()
)

// mustLoadConfig loads the config file and applies its settings. The default
// config file may be absent, an explicitly requested one must exist.
func mustLoadConfig() {
	explicit := os.Getenv("MOXMIMECONF") != ""
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	c, errs := config.Load(configPath, !explicit)
	if len(errs) > 0 {
		for _, err := range errs {
			log.Printf("%s", err)
		}
		log.Fatalf("loading config file %s failed", configPath)
	}
	conf = c
	if loglevel != "" {
		conf.Log[""] = mlog.Levels[loglevel]
	}
	mlog.SetConfig(conf.Log)
	message.DefaultCharset = conf.DefaultCharset
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("MOXMIMECONF", "moxmime.conf"), "configuration file, defaults to $MOXMIMECONF with a fallback to moxmime.conf, a missing default config file is not an error")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is used instead of the level from the config file")
	flag.BoolVar(&mlog.Logfmt, "logfmt", false, "write log lines in logfmt")

	var cpuprofile, memprofile, tracefile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")
	flag.StringVar(&tracefile, "trace", "", "store execution trace to file")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	if tracefile != "" {
		defer traceExecution(tracefile)()
	}
	defer profile(cpuprofile, memprofile)()

	if loglevel != "" {
		if _, ok := mlog.Levels[loglevel]; !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
	}
	// Commands load the config themselves, but without config the default level
	// applies until then.
	mlog.SetConfig(conf.Log)

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("moxmime "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

// xanomalies reports anomalies found while parsing. With Strict set in the
// config, anomalies are fatal.
func xanomalies(err error, what string) {
	if err == nil {
		return
	}
	if conf.Strict {
		log.Fatalf("%s: %s", what, err)
	}
	for _, line := range strings.Split(err.Error(), "\n") {
		log.Printf("warning: %s: %s", what, line)
	}
}

// newParser returns a parser configured from the config file.
func newParser(r io.Reader, scanFrom bool) *mimeparser.Parser {
	mp := mimeparser.New(nil, r)
	mp.ReadSize(conf.ReadSize)
	mp.ScanFrom(scanFrom)
	mp.HeaderFilter(conf.HeaderFilterRegexp)
	return mp
}

func xopen(path string) *os.File {
	if path == "-" {
		return os.Stdin
	}
	f, err := os.Open(path)
	xcheckf(err, "open")
	return f
}

func xclose(f *os.File) {
	if f == os.Stdin {
		return
	}
	err := f.Close()
	xcheckf(err, "close")
}

func xparseMessage(path string) *message.Message {
	f := xopen(path)
	defer xclose(f)
	m, err := message.ParseParser(newParser(f, false))
	if m == nil {
		xcheckf(err, "parsing message")
	}
	xanomalies(err, path)
	return m
}

// xoutput returns the writer for command output, which converts line endings to
// CRLF if configured. The returned function must be called when done writing.
func xoutput() (io.Writer, func()) {
	if !conf.CRLFOutput {
		return os.Stdout, func() {}
	}
	fs := stream.NewFilter(stream.NewWriter(os.Stdout))
	fs.Add(mimefilter.NewCRLF(mimefilter.Encode, mimefilter.ModeCRLFOnly))
	return fs, func() {
		err := fs.Flush()
		xcheckf(err, "flush output")
	}
}

func cmdParse(c *cmd) {
	c.params = "[-from] [-headers] file"
	c.help = `Print the parser events for a message or mbox file.

Each structural state is printed with its offset, indented by nesting depth.
Body data is summarized as a byte count. Use "-" to read from stdin.

With -from, the input is parsed as an mbox file with messages separated by
"From " lines. The default is taken from ScanFrom in the config file.
`
	var scanFrom, headers bool
	c.flag.BoolVar(&scanFrom, "from", false, "parse input as mbox")
	c.flag.BoolVar(&headers, "headers", false, "print header fields of each part")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()
	scanFrom = scanFrom || conf.ScanFrom

	f := xopen(args[0])
	defer xclose(f)
	mp := newParser(f, scanFrom)
	printParse(os.Stdout, mp, headers)
	xanomalies(mp.Err(), args[0])
}

func printParse(w io.Writer, mp *mimeparser.Parser, headers bool) {
	var bodySize int
	for {
		st, data := mp.Step()
		indent := strings.Repeat("  ", max(mp.Depth()-1, 0))
		switch st {
		case mimeparser.StatePreFrom:
			fmt.Fprintf(w, "prefrom %d bytes\n", len(data))
		case mimeparser.StateFrom:
			fmt.Fprintf(w, "from %d %q\n", mp.TellStartFrom(), strings.TrimRight(string(mp.FromLine()), "\r\n"))
		case mimeparser.StateHeader, mimeparser.StateMultipart, mimeparser.StateMessage:
			fmt.Fprintf(w, "%s%s %d %s\n", indent, st, mp.TellStartHeaders(), mp.ContentType().MediaType())
			if st == mimeparser.StateMultipart {
				fmt.Fprintf(w, "%s  boundary %q, preface %d bytes\n", indent, mp.Boundary(), len(mp.Preface()))
			}
			if headers {
				for _, h := range mp.Headers() {
					fmt.Fprintf(w, "%s  %s: %s\n", indent, h.Name, h.Unfolded())
				}
			}
			bodySize = 0
		case mimeparser.StateBody:
			bodySize += len(data)
		case mimeparser.StateBodyEnd:
			bodySize += len(data)
			fmt.Fprintf(w, "%sbody %d-%d, %d bytes\n", indent, mp.TellStartContent(), mp.TellEndContent(), bodySize)
		case mimeparser.StateMultipartEnd:
			fmt.Fprintf(w, "%s%s %d, postface %d bytes\n", indent, st, mp.Tell(), len(mp.Postface()))
		case mimeparser.StateMessageEnd, mimeparser.StateFromEnd:
			fmt.Fprintf(w, "%s%s %d\n", indent, st, mp.Tell())
		case mimeparser.StateEOF:
			fmt.Fprintf(w, "eof %d, %d parts, %d anomalies\n", mp.Tell(), mp.PartCount(), mp.ErrorCount())
			return
		}
	}
}

func formatPath(path []int) string {
	if len(path) == 0 {
		return "."
	}
	l := make([]string, len(path))
	for i, n := range path {
		l[i] = strconv.Itoa(n)
	}
	return strings.Join(l, ".")
}

func parsePath(s string) ([]int, error) {
	if s == "" || s == "." {
		return nil, nil
	}
	var path []int
	for _, t := range strings.Split(s, ".") {
		n, err := strconv.Atoi(t)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad part path element %q", t)
		}
		path = append(path, n)
	}
	return path, nil
}

func cmdExtract(c *cmd) {
	c.params = "[-part path] [-text] file"
	c.help = `List the parts of a message, or write the decoded content of a part.

Without -part, all parts are listed with their path, content type, transfer
encoding and filename. Paths are dot-separated zero-based indices, "." is the
top-level part. With -part, the content of that part is written to stdout with
its transfer encoding decoded. With -text, text is converted to UTF-8.
`
	var partPath string
	var text bool
	c.flag.StringVar(&partPath, "part", "", "path of part to extract")
	c.flag.BoolVar(&text, "text", false, "convert text to utf-8")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	m := xparseMessage(args[0])
	if partPath == "" {
		err := m.Walk(func(path []int, p *message.Part) error {
			_, filename, _ := p.DispositionFilename()
			fmt.Printf("%s\t%s\t%s\t%s\n", formatPath(path), p.ContentType().MediaType(), p.Encoding(), filename)
			return nil
		})
		xcheckf(err, "walking parts")
		return
	}

	want, err := parsePath(partPath)
	xcheckf(err, "parsing part path")
	p := findPart(m, func(path []int, p *message.Part) bool { return slices.Equal(path, want) })
	if p == nil {
		log.Fatalf("no part %s", partPath)
	}
	out, done := xoutput()
	defer done()
	if text {
		s, err := p.TextUTF8()
		xcheckf(err, "converting text")
		_, err = io.WriteString(out, s)
		xcheckf(err, "write")
		return
	}
	r, err := p.DecodedReader()
	xcheckf(err, "decoding part")
	_, err = io.Copy(out, r)
	xcheckf(err, "write")
}

var errFound = errors.New("found")

func findPart(m *message.Message, match func(path []int, p *message.Part) bool) *message.Part {
	var found *message.Part
	err := m.Walk(func(path []int, p *message.Part) error {
		if match(path, p) {
			found = p
			return errFound
		}
		return nil
	})
	if err != nil && err != errFound {
		xcheckf(err, "walking parts")
	}
	return found
}

func xsigned(m *message.Message) *message.MultipartSigned {
	p := findPart(m, func(path []int, p *message.Part) bool {
		_, ok := p.Content().(*message.MultipartSigned)
		return ok
	})
	if p == nil {
		log.Fatalf("no multipart/signed part in message")
	}
	return p.Content().(*message.MultipartSigned)
}

func xencrypted(m *message.Message) *message.MultipartEncrypted {
	p := findPart(m, func(path []int, p *message.Part) bool {
		_, ok := p.Content().(*message.MultipartEncrypted)
		return ok
	})
	if p == nil {
		log.Fatalf("no multipart/encrypted part in message")
	}
	return p.Content().(*message.MultipartEncrypted)
}

func cmdSigned(c *cmd) {
	c.params = "file"
	c.help = `Print the structure of the first multipart/signed part and its signed content.

The signed content is printed with CRLF line endings, exactly as it is
verified against the signature.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	ms := xsigned(xparseMessage(args[0]))
	fmt.Printf("protocol: %s\nmicalg: %s\nboundary: %s\nparts: %d\n", ms.Protocol(), ms.Micalg(), ms.Boundary, ms.Number())
	fmt.Printf("content: %d-%d\nsignature: %d-%d\n\n", ms.Start1, ms.End1, ms.Start2, ms.End2)
	r, err := ms.ContentStream()
	xcheckf(err, "signed content")
	_, err = io.Copy(os.Stdout, r)
	xcheckf(err, "write")
}

func xkeyring(path string) openpgp.EntityList {
	if path == "" {
		path = conf.Keyring
	}
	if path == "" {
		log.Fatalf("no keyring, specify -keyring or Keyring in config file")
	}
	keyring, err := pgp.ReadKeyring(path)
	xcheckf(err, "reading keyring")
	return keyring
}

func printValidity(w io.Writer, v *pgp.Validity) {
	fmt.Fprintf(w, "signature: %s\n", v.Sign)
	if v.Signer != "" {
		fmt.Fprintf(w, "signer: %s\n", v.Signer)
	}
	if v.KeyID != 0 {
		fmt.Fprintf(w, "keyid: %016X\n", v.KeyID)
	}
	if v.Description != "" {
		fmt.Fprintf(w, "description: %s\n", v.Description)
	}
	fmt.Fprintf(w, "encrypted: %v\n", v.Encrypted)
}

func cmdVerify(c *cmd) {
	c.params = "[-keyring file] file"
	c.help = `Verify the OpenPGP signature of the first multipart/signed part.

Exits with status 1 if the signature is not good.
`
	var keyringPath string
	c.flag.StringVar(&keyringPath, "keyring", "", "armored or binary keyring, default Keyring from config file")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	keyring := xkeyring(keyringPath)
	ms := xsigned(xparseMessage(args[0]))
	v, err := pgp.Verify(c.log.Logger, keyring, ms)
	xcheckf(err, "verify")
	printValidity(os.Stdout, v)
	if v.Sign != pgp.SignGood {
		os.Exit(1)
	}
}

func cmdDecrypt(c *cmd) {
	c.params = "[-keyring file] file"
	c.help = `Decrypt the first multipart/encrypted part and write the cleartext part.

The signature and encryption status is printed to stderr.
`
	var keyringPath string
	c.flag.StringVar(&keyringPath, "keyring", "", "keyring with secret keys, default Keyring from config file")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	keyring := xkeyring(keyringPath)
	me := xencrypted(xparseMessage(args[0]))
	p, v, err := pgp.Decrypt(c.log.Logger, keyring, me)
	xcheckf(err, "decrypt")
	printValidity(os.Stderr, v)
	out, done := xoutput()
	defer done()
	_, err = p.WriteTo(out)
	xcheckf(err, "write")
}

func cmdCharset(c *cmd) {
	c.params = "[-message] file"
	c.help = `Print the charset that best fits the text in a file.

With -message, the file is parsed as message and the charset of each text part
is printed, based on its charset parameter and content.
`
	var msg bool
	c.flag.BoolVar(&msg, "message", false, "print charsets of text parts of message")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	if msg {
		m := xparseMessage(args[0])
		err := m.Walk(func(path []int, p *message.Part) error {
			if ct := p.ContentType(); ct.Type != "text" {
				return nil
			}
			cs, err := p.Charset()
			if err != nil {
				return fmt.Errorf("part %s: %w", formatPath(path), err)
			}
			fmt.Printf("%s\t%s\t%s\n", formatPath(path), p.ContentType().MediaType(), cs)
			return nil
		})
		xcheckf(err, "charsets")
		return
	}

	f := xopen(args[0])
	defer xclose(f)
	d := charset.NewDetector()
	buf := make([]byte, conf.ReadSize)
	for {
		n, err := f.Read(buf)
		d.Step(buf[:n])
		if err == io.EOF {
			break
		}
		xcheckf(err, "read")
	}
	fmt.Println(d.BestName())
}

var codecs = map[string][2]mimefilter.BasicType{
	"base64": {mimefilter.Base64Enc, mimefilter.Base64Dec},
	"qp":     {mimefilter.QPEnc, mimefilter.QPDec},
	"uu":     {mimefilter.UUEnc, mimefilter.UUDec},
}

func xcodec(c *cmd, typ string, decode bool) mimefilter.BasicType {
	t, ok := codecs[typ]
	if !ok {
		names := maps.Keys(codecs)
		slices.Sort(names)
		log.Printf("unknown type %q, must be one of: %s", typ, strings.Join(names, ", "))
		c.Usage()
	}
	if decode {
		return t[1]
	}
	return t[0]
}

func cmdEncode(c *cmd) {
	c.params = "[-type base64|qp|uu] [-name filename] file"
	c.help = `Encode a file with a content transfer encoding and write it to stdout.

For uuencode, the "begin" and "end" lines are included.
`
	var typ, name string
	c.flag.StringVar(&typ, "type", "base64", "encoding")
	c.flag.StringVar(&name, "name", "", "filename for uuencode begin line, default base of file")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()
	bt := xcodec(c, typ, false)

	out, done := xoutput()
	defer done()
	if bt == mimefilter.UUEnc {
		if name == "" {
			name = filepath.Base(args[0])
		}
		_, err := fmt.Fprintf(out, "begin 644 %s\n", name)
		xcheckf(err, "write")
	}
	xfilterCopy(out, args[0], mimefilter.NewBasic(bt))
}

func cmdDecode(c *cmd) {
	c.params = "[-type base64|qp|uu] file"
	c.help = `Decode a file in a content transfer encoding and write it to stdout.

Invalid input is skipped. For uuencode, data before the "begin" line is ignored.
`
	var typ string
	c.flag.StringVar(&typ, "type", "base64", "encoding")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	f := mimefilter.NewBasic(xcodec(c, typ, true))
	xfilterCopy(os.Stdout, args[0], f)
	if mode, name, ok := f.UUBeginInfo(); ok {
		c.log.Debug("uuencoded file", slog.String("name", name), slog.String("mode", fmt.Sprintf("%o", mode)))
	}
}

func xfilterCopy(w io.Writer, path string, f mimefilter.Filter) {
	src := xopen(path)
	defer xclose(src)
	fs := stream.NewFilter(stream.NewReader(src))
	fs.Add(f)
	buf := make([]byte, conf.ReadSize)
	_, err := io.CopyBuffer(w, fs, buf)
	xcheckf(err, "filtering")
}

func xopenSummary(ctx context.Context, c *cmd) *summary.Store {
	s, err := summary.Open(ctx, c.log.Logger, conf.SummaryDB)
	xcheckf(err, "opening summary database")
	return s
}

func cmdMboxIndex(c *cmd) {
	c.params = "mbox ..."
	c.help = `Index messages of mbox files into the summary database.

Only messages appended since the previous run are parsed. If an mbox was
rewritten, its index is rebuilt and its messages get new uids.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	mustLoadConfig()

	ctx := context.Background()
	s := xopenSummary(ctx, c)
	defer func() {
		err := s.Close()
		c.log.Check(err, "closing summary database")
	}()
	for _, path := range args {
		res, err := s.Index(ctx, path)
		xcheckf(err, "indexing %s", path)
		fmt.Printf("%s: %d added, %d skipped", path, res.Added, res.Skipped)
		if res.Rebuilt {
			fmt.Printf(", rebuilt")
		}
		fmt.Println()
	}
}

func cmdMboxList(c *cmd) {
	c.params = "[-threads] mbox [term ...]"
	c.help = `List indexed messages of an mbox.

Only messages matching all search terms are listed. A term is matched
case-insensitively against the subject, from, message-id and preview, or only
against one field when written as "subject:text", "from:text" or
"messageid:text".

With -threads, messages are grouped in conversations based on references and
subjects.
`
	var threads bool
	c.flag.BoolVar(&threads, "threads", false, "group messages in threads")
	args := c.Parse()
	if len(args) < 1 {
		c.Usage()
	}
	mustLoadConfig()

	ctx := context.Background()
	s := xopenSummary(ctx, c)
	defer func() {
		err := s.Close()
		c.log.Check(err, "closing summary database")
	}()
	l, err := s.List(ctx, args[0])
	xcheckf(err, "listing")
	l, err = summary.Search(l, args[1:])
	xcheckf(err, "search")
	line := func(indent string, e summary.Entry) {
		date := ""
		if !e.Date.IsZero() {
			date = e.Date.Format("2006-01-02 15:04")
		}
		fmt.Printf("%d\t%s%s\t%s\t%s\n", e.UID, indent, date, e.From, e.Subject)
	}
	if !threads {
		for _, e := range l {
			line("", e)
		}
		return
	}
	for _, th := range summary.Threads(l) {
		for i, e := range th {
			indent := ""
			if i > 0 {
				indent = "  "
			}
			line(indent, e)
		}
	}
}

func cmdMboxShow(c *cmd) {
	c.params = "mbox uid"
	c.help = `Write an indexed message, read from its offsets in the mbox.`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	mustLoadConfig()
	uid, err := strconv.ParseUint(args[1], 10, 32)
	xcheckf(err, "parsing uid")

	ctx := context.Background()
	s := xopenSummary(ctx, c)
	defer func() {
		err := s.Close()
		c.log.Check(err, "closing summary database")
	}()
	l, err := s.List(ctx, args[0])
	xcheckf(err, "listing")
	i := slices.IndexFunc(l, func(e summary.Entry) bool { return e.UID == uint32(uid) })
	if i < 0 {
		log.Fatalf("no message with uid %d", uid)
	}
	m, err := s.Message(ctx, l[i].ID)
	xcheckf(err, "reading message")
	out, done := xoutput()
	defer done()
	_, err = m.WriteTo(out)
	xcheckf(err, "write")
}

func cmdConfigDescribe(c *cmd) {
	c.help = `Print an example config file with documentation for all fields.`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}
	err := config.Describe(os.Stdout)
	xcheckf(err, "describe config")
}

func cmdConfigTest(c *cmd) {
	c.help = `Parse and check the config file, printing errors.

The config file is not allowed to be absent.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := config.Load(configPath, false)
	if len(errs) > 0 {
		for _, err := range errs {
			log.Printf("%s", err)
		}
		log.Fatalf("config file %s has errors", configPath)
	}
	fmt.Println("config OK")
}

func cmdMetrics(c *cmd) {
	c.params = "[-from] [file ...]"
	c.help = `Parse files, then print the prometheus metrics in text format.

Useful for inspecting parser and filter counters for a set of messages.
`
	var scanFrom bool
	c.flag.BoolVar(&scanFrom, "from", false, "parse files as mbox")
	args := c.Parse()
	mustLoadConfig()
	scanFrom = scanFrom || conf.ScanFrom

	for _, path := range args {
		f := xopen(path)
		mp := newParser(f, scanFrom)
		for {
			st, _ := mp.Step()
			if st == mimeparser.StateEOF {
				break
			} else if scanFrom && st != mimeparser.StateFrom {
				continue
			} else if !scanFrom {
				mp.Unstep()
			}
			m, err := message.ParseParser(mp)
			if m == nil {
				c.log.Debugx("no message", err, slog.String("path", path))
				break
			}
			c.log.Debugx("parsed message", err, slog.String("path", path), slog.String("subject", m.Subject()))
			if !scanFrom {
				break
			}
		}
		xclose(f)
	}

	mfs, err := prometheus.DefaultGatherer.Gather()
	xcheckf(err, "gathering metrics")
	for _, mf := range mfs {
		_, err := expfmt.MetricFamilyToText(os.Stdout, mf)
		xcheckf(err, "writing metrics")
	}
}

func cmdServeMetrics(c *cmd) {
	c.params = "[-addr address] [-interval duration] mbox ..."
	c.help = `Index mbox files periodically and serve prometheus metrics over HTTP.

Metrics are served at /metrics, on MetricsAddress from the config file unless
-addr is set. Stops on SIGINT or SIGTERM.
`
	var addr string
	interval := time.Minute
	c.flag.StringVar(&addr, "addr", "", "address to listen on")
	c.flag.DurationVar(&interval, "interval", interval, "time between indexing runs")
	args := c.Parse()
	if interval <= 0 {
		c.Usage()
	}
	mustLoadConfig()
	if addr == "" {
		addr = conf.MetricsAddress
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := xopenSummary(ctx, c)
	defer func() {
		err := s.Close()
		c.log.Check(err, "closing summary database")
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 30 * time.Second}
	ln, err := net.Listen("tcp", addr)
	xcheckf(err, "listen")
	c.log.Print("serving metrics", slog.String("address", ln.Addr().String()), slog.String("version", moxvar.Version))
	go func() {
		err := srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			c.log.Errorx("serving metrics", err)
			stop()
		}
	}()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		for _, path := range args {
			res, err := s.Index(ctx, path)
			if err != nil {
				c.log.Errorx("indexing mbox", err, slog.String("path", path))
				continue
			}
			c.log.Debug("indexed mbox", slog.String("path", path), slog.Int("added", res.Added), slog.Bool("rebuilt", res.Rebuilt))
		}
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := srv.Shutdown(shutdownCtx)
			c.log.Check(err, "shutting down metrics server")
			return
		case <-t.C:
		}
	}
}

func cmdVersion(c *cmd) {
	c.help = "Prints this moxmime version."
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}
	fmt.Println(moxvar.Version)
}
