package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/samcharles93/retention/internal/logger"
)

// stderrIsTTY is a small seam for tests.
var stderrIsTTY = func() bool { return isTerminal(os.Stderr) }

// newLogger resolves the log format ("auto" picks pretty on a terminal and
// JSON otherwise) and level, honouring --debug.
func newLogger(w io.Writer, format, level string, debug bool) (logger.Logger, error) {
	lvl := logger.ParseLevel(level)
	if debug {
		lvl = slog.LevelDebug
	}
	if format == "" || format == "auto" {
		format = "json"
		if stderrIsTTY() {
			format = "pretty"
		}
	}
	return logger.ForFormat(format, w, lvl)
}
