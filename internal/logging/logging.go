// Package logging centralizes the structured logger used across the
// overlay so every component logs through the same sink and field
// conventions.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is a type alias so call sites don't need to import logrus
// directly just to build a log line.
type Fields = logrus.Fields

var log = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the global verbosity, e.g. from a -v mount flag.
func SetLevel(debug bool) {
	if debug {
		log.SetLevel(logrus.DebugLevel)
		return
	}
	log.SetLevel(logrus.InfoLevel)
}

// Debugf logs per-operation tracing: open/read/write/release
// transitions, digest comparisons.
func Debugf(f Fields, format string, args ...interface{}) {
	log.WithFields(f).Debugf(format, args...)
}

// Infof logs mount lifecycle and accepted configuration.
func Infof(f Fields, format string, args ...interface{}) {
	log.WithFields(f).Infof(format, args...)
}

// Warnf logs expected-but-notable outcomes: WORM rejections, sidecar
// fail-open events on the read path.
func Warnf(f Fields, format string, args ...interface{}) {
	log.WithFields(f).Warnf(format, args...)
}

// Errorf logs unexpected failures: sidecar write-path failures, mount
// setup errors.
func Errorf(f Fields, format string, args ...interface{}) {
	log.WithFields(f).Errorf(format, args...)
}
