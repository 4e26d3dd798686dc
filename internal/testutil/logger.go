package testutil

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger returns a logger that discards everything, keeping test output
// readable.
func Logger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
