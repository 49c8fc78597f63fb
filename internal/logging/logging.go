// Package logging wraps zerolog for the structured lines the Facade,
// Session Manager, and Resource Manager emit at component boundaries.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds a JSON-lines zerolog.Logger writing to w (os.Stdout
// if nil). Kept deliberately tiny: this system logs at a handful of
// well-known boundaries, not on every line of business logic.
func New(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything, for tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
