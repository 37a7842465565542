// Package logx is a thin wrapper over the stdlib log.Logger, with
// github.com/davecgh/go-spew backing its debug dumps.
package logx

import (
	"log"
	"os"

	"github.com/davecgh/go-spew/spew"
)

// Logger provides four severities — info, debug, warn, error — plus
// DumpDebug for the occasional structured state dump.
type Logger struct {
	*log.Logger
}

// New returns a Logger writing to stderr, prefixed the way a
// diagnostic-output wrapper typically tags its own lines.
func New() *Logger {
	return &Logger{log.New(os.Stderr, "qbdl: ", log.LstdFlags)}
}

func (l *Logger) Info(format string, args ...any) {
	l.Printf("INFO  "+format, args...)
}

func (l *Logger) Debug(format string, args ...any) {
	l.Printf("DEBUG "+format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.Printf("WARN  "+format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.Printf("ERROR "+format, args...)
}

// DumpDebug renders v with go-spew at debug level, for loader/image
// state too large or too nested for a one-line Debug call.
func (l *Logger) DumpDebug(label string, v any) {
	l.Printf("DEBUG %s:\n%s", label, spew.Sdump(v))
}

// Default is the Logger used by loader.FromImage/FromFile when the
// caller does not supply one of its own.
var Default = New()
