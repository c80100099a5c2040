/*
Package config holds the configuration file definition.

moxmime reads a single, optional configuration file, moxmime.conf. Its location
is set with the -config flag or the MOXMIMECONF environment variable. Without
config file, the defaults below are used.

Below is an "empty" config file, generated from the config file definition in
the source code, along with comments explaining the fields. Fields named "x" are
placeholders for user-chosen map keys.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# moxmime.conf

	# NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be
	# on their own line, they don't end a line. Do not escape or quote strings.
	# Details: https://pkg.go.dev/github.com/mjl-/sconf.


	# Default log level, one of: error, info, debug, trace, traceauth, tracedata. With
	# debug, anomalies in parsed messages are logged. Trace levels log data passing
	# through the parser.
	LogLevel:

	# Overrides of log level per package (e.g. mimeparser, mimefilter, message, pgp,
	# summary). (optional)
	PackageLogLevels:
		x:

	# Number of bytes the parser reads from its input at a time. Default 4096.
	# (optional)
	ReadSize: 0

	# Treat input files as mbox files, with messages separated by "From " lines, by
	# default. (optional)
	ScanFrom: false

	# Regular expression for names of header fields to keep while parsing, in
	# addition to Content-Type. If empty, all header fields are kept. E.g.
	# ^(?i)(subject|from|to|date|message-id)$. (optional)
	HeaderFilter:

	# Charset assumed for 8-bit text without charset parameter. Default iso-8859-1.
	# (optional)
	DefaultCharset:

	# Write messages and decoded text with CRLF line endings instead of bare
	# newlines. (optional)
	CRLFOutput: false

	# Database file for the mbox summary index. If this is a relative path, it is
	# relative to the directory of moxmime.conf. Default summary.db. (optional)
	SummaryDB:

	# File with armored or binary OpenPGP keys, for verifying signed and decrypting
	# encrypted messages. If this is a relative path, it is relative to the directory
	# of moxmime.conf. (optional)
	Keyring:

	# Fail commands on anomalies in parsed messages, such as a missing closing
	# boundary, instead of printing them as warnings. (optional)
	Strict: false

	# Address for serve-metrics to listen on for Prometheus metrics, e.g.
	# localhost:8010. Default localhost:8010. (optional)
	MetricsAddress:
*/
package config

// NOTE: DO NOT EDIT, this file is generated by ../gendoc.sh.
