// Package logctx provides the structured logger shared by every daemon.
package logctx

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logrus logger tagged with the given component name,
// JSON-formatted so log aggregation can filter on "component", "key",
// "delivery_id", "drone_id" fields uniformly across daemons.
func New(component string) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetOutput(os.Stdout)
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l.WithField("component", component)
}
