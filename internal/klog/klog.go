// Package klog provides the shared logger. Debug output is off unless the
// KSHIM_DEBUG environment variable is set to a true value.
package klog

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

var root zerolog.Logger

func init() {
	level := zerolog.InfoLevel
	if v := os.Getenv("KSHIM_DEBUG"); v != "" {
		if strings.ToLower(v) == "true" || v == "1" {
			level = zerolog.DebugLevel
		}
	}
	root = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

// Component returns a logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}

// Bug marks an event as a bug-class diagnostic: a state that indicates a
// logic error in the caller rather than an environmental failure.
func Bug(e *zerolog.Event) *zerolog.Event {
	return e.Bool("bug", true)
}
