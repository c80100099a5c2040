package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/mjl-/sconf"

	"github.com/mjl-/moxmime/charset"
	"github.com/mjl-/moxmime/mlog"
)

// Static is the parsed form of the moxmime.conf configuration file.
type Static struct {
	LogLevel         string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDefault log level, one of: error, info, debug, trace, traceauth, tracedata. With debug, anomalies in parsed messages are logged. Trace levels log data passing through the parser."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. mimeparser, mimefilter, message, pgp, summary)."`
	ReadSize         int               `sconf:"optional" sconf-doc:"Number of bytes the parser reads from its input at a time. Default 4096."`
	ScanFrom         bool              `sconf:"optional" sconf-doc:"Treat input files as mbox files, with messages separated by \"From \" lines, by default."`
	HeaderFilter     string            `sconf:"optional" sconf-doc:"Regular expression for names of header fields to keep while parsing, in addition to Content-Type. If empty, all header fields are kept. E.g. ^(?i)(subject|from|to|date|message-id)$."`
	DefaultCharset   string            `sconf:"optional" sconf-doc:"Charset assumed for 8-bit text without charset parameter. Default iso-8859-1."`
	CRLFOutput       bool              `sconf:"optional" sconf-doc:"Write messages and decoded text with CRLF line endings instead of bare newlines."`
	SummaryDB        string            `sconf:"optional" sconf-doc:"Database file for the mbox summary index. If this is a relative path, it is relative to the directory of moxmime.conf. Default summary.db."`
	Keyring          string            `sconf:"optional" sconf-doc:"File with armored or binary OpenPGP keys, for verifying signed and decrypting encrypted messages. If this is a relative path, it is relative to the directory of moxmime.conf."`
	Strict           bool              `sconf:"optional" sconf-doc:"Fail commands on anomalies in parsed messages, such as a missing closing boundary, instead of printing them as warnings."`
	MetricsAddress   string            `sconf:"optional" sconf-doc:"Address for serve-metrics to listen on for Prometheus metrics, e.g. localhost:8010. Default localhost:8010."`

	Log                map[string]slog.Level `sconf:"-" json:"-"` // Parsed form of LogLevel and PackageLogLevels.
	HeaderFilterRegexp *regexp.Regexp        `sconf:"-" json:"-"`
}

// Default returns the configuration used when no config file exists.
func Default() Static {
	c := Static{LogLevel: "info"}
	if errs := c.prepare("."); len(errs) > 0 {
		panic(fmt.Sprintf("default config: %v", errs))
	}
	return c
}

// Load parses and checks the config file at path. A missing file is not an
// error if allowMissing is set, the defaults are returned instead.
func Load(path string, allowMissing bool) (c Static, errs []error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Default(), nil
		}
		return c, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer func() {
		err := f.Close()
		mlog.New("config", nil).Check(err, "closing config file")
	}()
	if err := sconf.Parse(f, &c); err != nil {
		return c, []error{fmt.Errorf("parsing %s%v", path, err)}
	}
	return c, c.prepare(filepath.Dir(path))
}

// prepare checks the config, fills in defaults and parsed forms, and makes
// paths absolute relative to dir.
func (c *Static) prepare(dir string) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		c.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
		c.Log = map[string]slog.Level{}
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			c.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if c.ReadSize < 0 {
		addErrorf("read size must be positive, got %d", c.ReadSize)
	} else if c.ReadSize == 0 {
		c.ReadSize = 4096
	}

	if c.HeaderFilter != "" {
		re, err := regexp.Compile(c.HeaderFilter)
		if err != nil {
			addErrorf("compiling header filter: %v", err)
		}
		c.HeaderFilterRegexp = re
	}

	if c.DefaultCharset == "" {
		c.DefaultCharset = "iso-8859-1"
	} else if _, err := charset.Lookup(c.DefaultCharset); err != nil {
		addErrorf("default charset %q: %v", c.DefaultCharset, err)
	} else {
		c.DefaultCharset = charset.Canonical(c.DefaultCharset)
	}

	if c.SummaryDB == "" {
		c.SummaryDB = "summary.db"
	}
	c.SummaryDB = configDirPath(dir, c.SummaryDB)
	if c.Keyring != "" {
		c.Keyring = configDirPath(dir, c.Keyring)
	}
	if c.MetricsAddress == "" {
		c.MetricsAddress = "localhost:8010"
	}
	return errs
}

func configDirPath(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Describe writes an example config file with documentation for all fields.
func Describe(w io.Writer) error {
	return sconf.Describe(w, &Static{})
}
