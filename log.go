package tftp

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the sink the dispatcher and client log through. Nothing in
// this package reaches for a package-level logger; every component that
// logs is handed one of these at construction time.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// WithFields narrows a Logger that understands structured fields, so
// per-session log lines can carry a stable correlation id without string
// concatenation at every call site.
type WithFields interface {
	WithFields(fields map[string]interface{}) Logger
}

// logrusLogger adapts a *logrus.Entry to Logger; NewLogrusLogger returns it.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger builds a Logger backed by base. A nil base gets a new
// logrus logger writing to stderr with logrus's text formatter. Callers
// that want JSON output or a different destination construct their own
// *logrus.Logger and wrap it.
func NewLogrusLogger(base *logrus.Logger) Logger {
	if base == nil {
		base = logrus.New()
		base.SetOutput(os.Stderr)
	}
	return &logrusLogger{entry: logrus.NewEntry(base)}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithFields(fields map[string]interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithFields(fields)}
}

// nopLogger discards everything; used when NewServer/NewClient callers
// pass a nil Logger.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

func withSessionFields(l Logger, component, sessionID string) Logger {
	if wf, ok := l.(WithFields); ok {
		return wf.WithFields(map[string]interface{}{
			"component": component,
			"session":   sessionID,
		})
	}
	return l
}
