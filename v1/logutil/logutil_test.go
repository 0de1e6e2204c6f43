package logutil

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info")
	l.Debug("hidden")
	l.Info("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line emitted at info level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("info line missing: %q", out)
	}
}

func TestNewDefaultsUnknownLevelToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "bogus")
	l.Debug("hidden")
	l.Info("shown")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestNewEnvOverridesLevel(t *testing.T) {
	t.Setenv("WARDEN_LOG_LEVEL", "debug")
	var buf bytes.Buffer
	New(&buf, "info").Debug("verbose")
	if !strings.Contains(buf.String(), "verbose") {
		t.Fatalf("WARDEN_LOG_LEVEL ignored: %q", buf.String())
	}
}

func TestWithSubsystemTagsLines(t *testing.T) {
	var buf bytes.Buffer
	WithSubsystem(New(&buf, "info"), "authority").Info("granted")
	if !strings.Contains(buf.String(), `"sys":"authority"`) {
		t.Fatalf("subsystem field missing: %q", buf.String())
	}
}

func TestEnsureNil(t *testing.T) {
	l := Ensure(nil)
	if l == nil {
		t.Fatalf("Ensure(nil) returned nil")
	}
	l.Info("dropped")
	WithSubsystem(nil, "x").Info("dropped")
}
