// Package logging builds the structured loggers used across Veksel and keeps
// the attribute vocabulary in one place.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects the verbosity and output shape of a logger. The zero value
// is a usable default: info-level text on stderr.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	Writer io.Writer
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ValidLevel reports whether name is a recognised log level.
func ValidLevel(name string) bool {
	_, ok := levels[strings.ToLower(name)]
	return ok
}

// ValidFormat reports whether name is a recognised log format.
func ValidFormat(name string) bool {
	switch strings.ToLower(name) {
	case "text", "json":
		return true
	}
	return false
}

// New builds a logger from opts. Unrecognised levels log at info and
// unrecognised formats fall back to text, so a half-written config still
// produces output instead of silence.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	level, ok := levels[strings.ToLower(opts.Level)]
	if !ok {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}

	if strings.ToLower(opts.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// Component returns a child logger tagged with a component name, so every
// line a subsystem emits can be filtered on one attribute.
func Component(log *slog.Logger, name string) *slog.Logger {
	return log.With(KeyComponent, name)
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Common attribute keys for consistent logging.
const (
	KeyTunnelID   = "tunnel_id"
	KeyStage      = "stage"
	KeyAddress    = "address"
	KeyDest       = "dest"
	KeyRelay      = "relay"
	KeyTransport  = "transport"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyDuration   = "duration"
	KeyBytes      = "bytes"
)
