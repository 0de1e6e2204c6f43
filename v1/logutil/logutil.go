// Package logutil holds the pslog helpers shared by warden components.
package logutil

import (
	"io"
	"os"

	"pkt.systems/pslog"
)

// Ensure returns l when non-nil, otherwise a disabled logger.
func Ensure(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}

// New builds a structured logger honouring WARDEN_LOG_* environment overrides.
// level is parsed with pslog.ParseLevel and defaults to info.
func New(w io.Writer, level string) pslog.Logger {
	if w == nil {
		w = os.Stderr
	}
	min := pslog.InfoLevel
	if lvl, ok := pslog.ParseLevel(level); ok {
		min = lvl
	}
	return pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("WARDEN_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: min}),
		pslog.WithEnvWriter(w),
	)
}

// WithSubsystem tags l with a subsystem field.
func WithSubsystem(l pslog.Logger, name string) pslog.Logger {
	return Ensure(l).With("sys", name)
}
