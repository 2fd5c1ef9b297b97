// Package forgelog defines the logging interface every runner in forge
// takes as an injected collaborator, adapted from the teacher's
// internal/core/logger.go: same four-level interface, same
// stacktrace-on-Critical behaviour, generalized only by renaming
// "hercules" idioms to forge's own (ConfigLogger stays the fact key a
// plugin's Configure reads its logger from).
package forgelog

import (
	"log"
	"os"
	"runtime/debug"
	"strings"
)

// ConfigLogger is the fact key a plugin's Configure reads its logger
// from, mirroring core.ConfigLogger.
const ConfigLogger = "Forge.Logger"

// Logger is the output interface used by every forge component.
type Logger interface {
	Info(...interface{})
	Infof(string, ...interface{})
	Warn(...interface{})
	Warnf(string, ...interface{})
	Error(...interface{})
	Errorf(string, ...interface{})
	Critical(...interface{})
	Criticalf(string, ...interface{})
}

// DefaultLogger wraps the standard log package with three independent
// prefixed loggers, one per severity.
type DefaultLogger struct {
	I *log.Logger
	W *log.Logger
	E *log.Logger
}

// New returns a DefaultLogger writing all severities to stderr.
func New() *DefaultLogger {
	return &DefaultLogger{
		I: log.New(os.Stderr, "[INFO] ", log.LstdFlags),
		W: log.New(os.Stderr, "[WARN] ", log.LstdFlags),
		E: log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
	}
}

func (d *DefaultLogger) Info(v ...interface{})  { d.I.Println(v...) }
func (d *DefaultLogger) Infof(f string, v ...interface{}) { d.I.Printf(f, v...) }
func (d *DefaultLogger) Warn(v ...interface{})  { d.W.Println(v...) }
func (d *DefaultLogger) Warnf(f string, v ...interface{}) { d.W.Printf(f, v...) }
func (d *DefaultLogger) Error(v ...interface{}) { d.E.Println(v...) }
func (d *DefaultLogger) Errorf(f string, v ...interface{}) { d.E.Printf(f, v...) }

// Critical writes to the error logger and appends the current
// stacktrace, for failures a caller wants to be unmissable in build
// logs (an aborted build, a plugin panic converted to an error).
func (d *DefaultLogger) Critical(v ...interface{}) {
	d.E.Println(v...)
	d.logStacktrace()
}

func (d *DefaultLogger) Criticalf(f string, v ...interface{}) {
	d.E.Printf(f, v...)
	d.logStacktrace()
}

func (d *DefaultLogger) logStacktrace() {
	d.E.Println("stacktrace:\n" + strings.Join(captureStacktrace(4), "\n"))
}

func captureStacktrace(skip int) []string {
	stack := string(debug.Stack())
	lines := strings.Split(stack, "\n")
	linesToSkip := 2*skip + 1
	if linesToSkip > len(lines) {
		return lines
	}
	return lines[linesToSkip:]
}

// Nop is a Logger that discards everything, used as the zero-value
// default so runners never need a nil check before logging.
type Nop struct{}

func (Nop) Info(...interface{})           {}
func (Nop) Infof(string, ...interface{})  {}
func (Nop) Warn(...interface{})           {}
func (Nop) Warnf(string, ...interface{})  {}
func (Nop) Error(...interface{})          {}
func (Nop) Errorf(string, ...interface{}) {}
func (Nop) Critical(...interface{})       {}
func (Nop) Criticalf(string, ...interface{}) {}
