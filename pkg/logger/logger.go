// Package logger provides the shared logging facade for the rollup console.
// All components log through zerolog with a component field so pipeline
// stages can be filtered in aggregate views.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	root = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Init configures the process-wide root logger. level accepts the usual
// zerolog names (trace, debug, info, warn, error); unknown values fall back
// to info. When console is true, output is human-readable instead of JSON.
func Init(level string, console bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if console {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	mu.Lock()
	root = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	mu.Unlock()
}

// Named returns a logger tagged with the given component name.
func Named(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", component).Logger()
}

// Root returns the process-wide root logger.
func Root() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// SetOutput replaces the root logger output. Intended for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	root = root.Output(w)
	mu.Unlock()
}
