package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mirkobrombin/go-warden/v1/device"
)

func TestDefaultIsValid(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Fatalf("default config invalid: %v", errs)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsAuthority() || cfg.Transport.Kind != "memory" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.RPC.SweepInterval != 930*time.Millisecond {
		t.Fatalf("unexpected sweep interval %s", cfg.RPC.SweepInterval)
	}
	if cfg.SessionMode() != device.ModeSingle {
		t.Fatalf("unexpected mode %s", cfg.SessionMode())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	data := `
node:
  id: 3
  role: client
transport:
  kind: nats
  nats_url: nats://example:4222
session:
  mode: bulk
  timeout: 5s
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.ID != 3 || cfg.IsAuthority() {
		t.Fatalf("unexpected node %+v", cfg.Node)
	}
	if cfg.SessionMode() != device.ModeBulk || cfg.Session.Timeout != 5*time.Second {
		t.Fatalf("unexpected session %+v", cfg.Session)
	}
	if cfg.Session.MaxDepth != 5 {
		t.Fatalf("default max depth lost: %d", cfg.Session.MaxDepth)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WARDEN_NODE_ID", "42")
	t.Setenv("WARDEN_TRANSPORT_KIND", "redis")
	t.Setenv("WARDEN_TRANSPORT_REDIS_ADDR", "redis:6379")
	t.Setenv("WARDEN_RPC_TIMEOUT", "750ms")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.ID != 42 || cfg.Transport.Kind != "redis" || cfg.Transport.RedisAddr != "redis:6379" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.RPC.Timeout != 750*time.Millisecond {
		t.Fatalf("unexpected timeout %s", cfg.RPC.Timeout)
	}
}

func TestValidateCollectsEveryError(t *testing.T) {
	cfg := Default()
	cfg.Node.ID = 0
	cfg.Node.Role = "observer"
	cfg.Session.Mode = "all"
	cfg.Presence.Heartbeat = cfg.Presence.TTL
	errs := cfg.Validate()
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}
	fields := map[string]bool{}
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, f := range []string{"node.id", "node.role", "session.mode", "presence.heartbeat"} {
		if !fields[f] {
			t.Fatalf("missing error for %s in %v", f, errs)
		}
	}
}

func TestUnknownRoleReportedOnce(t *testing.T) {
	for _, kind := range []string{"memory", "websocket"} {
		cfg := Default()
		cfg.Node.Role = "observer"
		cfg.Transport.Kind = kind
		errs := cfg.Validate()
		if len(errs) != 1 || errs[0].Field != "node.role" {
			t.Fatalf("%s: unexpected errors %v", kind, errs)
		}
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	t.Setenv("WARDEN_NODE_ROLE", "client")
	_, err := Load("")
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if verrs[0].Field != "transport.kind" {
		t.Fatalf("unexpected error %v", verrs)
	}
}

func TestTransportRequirements(t *testing.T) {
	cases := map[string]func(*Config){
		"transport.kafka_brokers": func(c *Config) { c.Transport.Kind = "kafka" },
		"transport.websocket_url": func(c *Config) { c.Node.Role = RoleClient; c.Transport.Kind = "websocket" },
		"lock.backend":            func(c *Config) { c.Lock.Backend = "etcd" },
	}
	for field, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		errs := cfg.Validate()
		if len(errs) != 1 || errs[0].Field != field {
			t.Fatalf("%s: unexpected errors %v", field, errs)
		}
	}
}
