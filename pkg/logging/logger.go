package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

// InitLogger builds the process logger and installs it as Log.
// Debug mode uses the human text formatter, otherwise JSON lines at info level.
func InitLogger(debug bool) *logrus.Logger {
	Log = New(os.Stdout, debug)
	return Log
}

func New(out io.Writer, debug bool) *logrus.Logger {
	l := logrus.New()
	l.Out = out

	if debug {
		l.SetLevel(logrus.DebugLevel)
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		l.SetLevel(logrus.InfoLevel)
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}
