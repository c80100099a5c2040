package moxvar

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"testing"
)

var quietNewDB = testing.Testing()

// RegisterLogger returns the logger to pass as bstore.Options.RegisterLogger
// when opening the database at path. Tests create many fresh databases, their
// type registrations are not logged.
func RegisterLogger(path string, log *slog.Logger) *slog.Logger {
	if !quietNewDB {
		return log
	}
	if _, err := os.Stat(path); err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return log
}
