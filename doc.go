/*
Command moxmime parses, inspects and converts MIME messages and mbox files.

  - Streaming MIME parser with mbox "From " line scanning and exact offsets.
  - Content transfer encodings: base64, quoted-printable and uuencode.
  - Charset detection and conversion to UTF-8, with windows charset upgrades.
  - multipart/signed and multipart/encrypted with OpenPGP verify and decrypt.
  - Incremental mbox summary index with threading.
  - Prometheus metrics for parsing, filtering and indexing.

# Commands

	moxmime [-config moxmime.conf] [-loglevel level] ...
	moxmime parse [-from] [-headers] file
	moxmime extract [-part path] [-text] file
	moxmime signed file
	moxmime verify [-keyring file] file
	moxmime decrypt [-keyring file] file
	moxmime charset [-message] file
	moxmime encode [-type base64|qp|uu] [-name filename] file
	moxmime decode [-type base64|qp|uu] file
	moxmime mbox index mbox ...
	moxmime mbox list [-threads] mbox [term ...]
	moxmime mbox show mbox uid
	moxmime config describe
	moxmime config test
	moxmime metrics [-from] [file ...]
	moxmime serve-metrics [-addr address] [-interval duration] mbox ...
	moxmime licenses
	moxmime version
	moxmime help [command ...]

Settings such as the charset assumed for unlabeled 8-bit text, the header
fields to keep while parsing and the location of the summary database are read
from the optional config file, see package config. Use "moxmime help command"
for details about a command.
*/
package main
