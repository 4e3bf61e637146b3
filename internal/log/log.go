// Package log configures the process-wide logrus logger.
package log

import (
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ParseLevel maps a level name to a logrus level. Unknown names fall back to info.
func ParseLevel(level string) logrus.Level {
	l, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}

// SetLogger sets the standard logger's level and formatter.
func SetLogger(level string) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = time.RFC3339
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(ParseLevel(level))
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
