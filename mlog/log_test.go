package mlog

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestLevels(t *testing.T) {
	var b bytes.Buffer
	origOutput, origConfig := Output, Config()
	Output = &b
	defer func() {
		Output = origOutput
		SetConfig(origConfig)
	}()

	SetConfig(map[string]slog.Level{"": LevelError, "mimeparser": LevelDebug})

	log := New("mimeparser", nil)
	log.Debug("visible", slog.Int("n", 1))
	other := New("mimefilter", nil)
	other.Debug("hidden")
	other.Errorx("failed", errors.New("boom"), slog.String("filter", "base64"))
	other.Print("always")

	s := b.String()
	if !strings.Contains(s, "debug: visible (pkg: mimeparser; n: 1)") {
		t.Fatalf("missing debug line for configured package, got %q", s)
	}
	if strings.Contains(s, "hidden") {
		t.Fatalf("debug line logged for package at error level: %q", s)
	}
	if !strings.Contains(s, "error: failed (pkg: mimefilter; err: boom; filter: base64)") {
		t.Fatalf("missing error line, got %q", s)
	}
	if !strings.Contains(s, "print: always") {
		t.Fatalf("missing print line, got %q", s)
	}
}

func TestNested(t *testing.T) {
	var b bytes.Buffer
	origOutput, origConfig := Output, Config()
	Output = &b
	defer func() {
		Output = origOutput
		SetConfig(origConfig)
	}()
	SetConfig(map[string]slog.Level{"": LevelInfo})

	// A package logger derived from another package's logger logs once with the new pkg.
	log := New("message", New("summary", nil).Logger).WithCid(0x10)
	log.Info("parsed")
	if got, exp := b.String(), "info: parsed (pkg: message; cid: 10)\n"; got != exp {
		t.Fatalf("got %q, expected %q", got, exp)
	}

	b.Reset()
	Logfmt = true
	defer func() { Logfmt = false }()
	log.Info("with space", slog.String("k", "a b"))
	if got, exp := b.String(), `l=info m="with space" pkg=message cid=10 k="a b"`+"\n"; got != exp {
		t.Fatalf("got %q, expected %q", got, exp)
	}
}
