// Package testlog creates loggers backed by testing.T to ease logging in
// tests.
package testlog

import (
	"log"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Logger is the methods of testing.T (or testing.B) needed by the test
// logger.
type Logger interface {
	Logf(format string, args ...interface{})
	Name() string
}

// Writer implements io.Writer on top of a Logger.
type Writer struct {
	t Logger
}

// Write to an underlying Logger. Never returns an error.
func (w *Writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a Logger.
func NewWriter(t Logger) *Writer {
	return &Writer{t}
}

// NewLog returns a new test logger. See https://golang.org/pkg/log/#New
func NewLog(t Logger, prefix string, flag int) *log.Logger {
	return log.New(&Writer{t}, prefix, flag)
}

// New logger with "TEST" prefix and the Lmicroseconds flag.
func New(t Logger) *log.Logger {
	return NewLog(t, "TEST ", log.Lmicroseconds)
}

// HCLogger returns an hclog Logger that writes through the test's output.
// Set GUARDMASTER_TEST_STDERR=1 to stream to stderr instead, which keeps
// log lines visible when a test deadlocks.
func HCLogger(t Logger) hclog.InterceptLogger {
	level := hclog.Trace
	if env := os.Getenv("GUARDMASTER_TEST_LOG_LEVEL"); env != "" {
		level = hclog.LevelFromString(env)
	}
	opts := &hclog.LoggerOptions{
		Name:            t.Name(),
		Level:           level,
		Output:          NewWriter(t),
		IncludeLocation: true,
	}
	if os.Getenv("GUARDMASTER_TEST_STDERR") != "" {
		opts.Output = os.Stderr
	}
	return hclog.NewInterceptLogger(opts)
}
