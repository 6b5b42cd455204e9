// Package logctx provides component-scoped structured logging shared by
// every part of the engine, replacing the source's process-wide logging
// singleton with an explicit, passed-by-reference registry (Design Notes
// §9, "global mutable state").
//
// Modeled on cuemby-warren/pkg/log: a single zerolog.Logger fans out into
// named child loggers tagged with a "component" field.
package logctx

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Registry hands out component-scoped loggers backed by one underlying
// zerolog.Logger and sink.
type Registry struct {
	base zerolog.Logger
}

// New builds a registry writing to w. Passing nil defaults to os.Stderr.
func New(w io.Writer) *Registry {
	if w == nil {
		w = os.Stderr
	}
	base := zerolog.New(w).With().Timestamp().Logger()
	return &Registry{base: base}
}

// NewConsole builds a registry with a human-readable console writer, used
// by cmd/persistitctl.
func NewConsole(w io.Writer) *Registry {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return &Registry{base: zerolog.New(cw).With().Timestamp().Logger()}
}

// For returns a logger tagged with component=name.
func (r *Registry) For(component string) zerolog.Logger {
	if r == nil {
		return zerolog.Nop()
	}
	return r.base.With().Str("component", component).Logger()
}

// Nop returns a registry whose loggers discard everything, for tests.
func Nop() *Registry {
	return &Registry{base: zerolog.Nop()}
}
