// Package log provides loggers for splice components.
package log

import (
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

var debug bool

// Logger is the logger handed to splice components. Entries carry the
// fields of the component they belong to.
type Logger = *logrus.Entry

func init() {
	var err error
	debug, err = strconv.ParseBool(os.Getenv("SPLICE_DEBUG"))
	if err != nil {
		debug = false
	}
}

// GetLogger returns a new logger instance.
func GetLogger() *logrus.Logger {
	l := logrus.New()
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// Component returns a logger annotated with the component name.
func Component(l *logrus.Logger, name string) Logger {
	if l == nil {
		l = GetLogger()
	}
	return l.WithField("component", name)
}

// Discard returns a logger that drops everything. Used when a component
// is built without a logger.
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// SetLevel parses the level and applies it to the logger. Empty level
// keeps the current one.
func SetLevel(l *logrus.Logger, level string) error {
	if level == "" {
		return nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	l.SetLevel(lvl)
	return nil
}
