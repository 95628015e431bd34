// Package logging configures the structured logger shared by every
// subsystem. Generalizes golang-debug's ogle/cmd/ogleproxy, which
// tags stdlib log output with log.SetPrefix("ogleproxy: "), into a
// per-module logrus field so individual subsystems (patch, sink,
// tracker) can be filtered independently.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// SetLevel adjusts the verbosity of every logger returned by For.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// For returns a logger tagged with the given module name, e.g.
// logging.For("patch") produces entries with module=patch.
func For(module string) *logrus.Entry {
	return base.WithField("module", module)
}
