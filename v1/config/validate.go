package config

import (
	"fmt"
	"slices"
	"strings"

	"pkt.systems/pslog"

	"github.com/mirkobrombin/go-warden/v1/device"
)

// ValidationError is a single invalid field.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// TransportKinds lists the accepted transport.kind values.
func TransportKinds() []string {
	return []string{"memory", "redis", "nats", "kafka", "websocket"}
}

// Validate returns every problem found in c.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Node.ID <= 0 {
		add("node.id", c.Node.ID, "must be positive")
	}
	if c.Node.Role != RoleAuthority && c.Node.Role != RoleClient {
		add("node.role", c.Node.Role, "must be authority or client")
	}

	if !slices.Contains(TransportKinds(), c.Transport.Kind) {
		add("transport.kind", c.Transport.Kind, "must be one of "+strings.Join(TransportKinds(), ", "))
	}
	switch c.Transport.Kind {
	case "redis":
		if c.Transport.RedisAddr == "" {
			add("transport.redis_addr", c.Transport.RedisAddr, "required for the redis transport")
		}
	case "nats":
		if c.Transport.NATSURL == "" {
			add("transport.nats_url", c.Transport.NATSURL, "required for the nats transport")
		}
	case "kafka":
		if len(c.Transport.KafkaBrokers) == 0 {
			add("transport.kafka_brokers", c.Transport.KafkaBrokers, "at least one broker required")
		}
	case "websocket":
		if c.IsAuthority() && c.Transport.Listen == "" {
			add("transport.listen", c.Transport.Listen, "required on a websocket authority")
		}
		if c.Node.Role == RoleClient && c.Transport.WebSocketURL == "" {
			add("transport.websocket_url", c.Transport.WebSocketURL, "required on a websocket client")
		}
	case "memory":
		if c.Node.Role == RoleClient {
			add("transport.kind", c.Transport.Kind, "a client cannot reach an in-memory authority")
		}
	}

	switch c.Lock.Backend {
	case "memory":
	case "redis":
		if c.Lock.RedisAddr == "" {
			add("lock.redis_addr", c.Lock.RedisAddr, "required for the redis lock table")
		}
	default:
		add("lock.backend", c.Lock.Backend, "must be memory or redis")
	}

	if c.RPC.Timeout <= 0 {
		add("rpc.timeout", c.RPC.Timeout, "must be positive")
	}
	if c.RPC.SweepInterval <= 0 {
		add("rpc.sweep_interval", c.RPC.SweepInterval, "must be positive")
	}

	if _, err := device.ParseMode(c.Session.Mode); err != nil {
		add("session.mode", c.Session.Mode, "must be single or bulk")
	}
	if c.Session.MaxDepth < 1 {
		add("session.max_depth", c.Session.MaxDepth, "must be at least 1")
	}
	if c.Session.Timeout <= 0 {
		add("session.timeout", c.Session.Timeout, "must be positive")
	}

	if c.Presence.TTL < 0 {
		add("presence.ttl", c.Presence.TTL, "must not be negative")
	}
	if c.Presence.Heartbeat < 0 {
		add("presence.heartbeat", c.Presence.Heartbeat, "must not be negative")
	}
	if c.Presence.TTL > 0 && c.Presence.Heartbeat >= c.Presence.TTL {
		add("presence.heartbeat", c.Presence.Heartbeat, "must be shorter than presence.ttl")
	}

	if _, ok := pslog.ParseLevel(c.Logging.Level); !ok {
		add("logging.level", c.Logging.Level, "unknown log level")
	}
	return errs
}
