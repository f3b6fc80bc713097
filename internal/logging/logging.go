// Package logging builds the logrus logger shared by the daemon and the JTAG
// backends.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// New returns a logger writing to out at level.
func New(level logrus.Level, out io.Writer) *logrus.Logger {
	formatter := &prefixed.TextFormatter{
		TimestampFormat: "15:04:05",
		FullTimestamp:   true,
		ForceFormatting: true,
	}

	logger := logrus.New()
	logger.SetFormatter(formatter)
	logger.SetOutput(out)
	logger.SetLevel(level)
	return logger
}

// Level maps a -v count onto a level: none is info, one debug, more trace.
func Level(verbosity int) logrus.Level {
	switch {
	case verbosity <= 0:
		return logrus.InfoLevel
	case verbosity == 1:
		return logrus.DebugLevel
	}
	return logrus.TraceLevel
}

// ParseLevel accepts logrus level names, falling back to info for "".
func ParseLevel(name string) (logrus.Level, error) {
	if name == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(name)
}
