// Package config loads warden node configuration through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-warden/v1/device"
)

// EnvPrefix prefixes every environment override, e.g. WARDEN_NODE_ID for
// node.id.
const EnvPrefix = "WARDEN"

// Config is the complete node configuration.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Transport TransportConfig `mapstructure:"transport"`
	Lock      LockConfig      `mapstructure:"lock"`
	RPC       RPCConfig       `mapstructure:"rpc"`
	Session   SessionConfig   `mapstructure:"session"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	World     WorldConfig     `mapstructure:"world"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Trace     TraceConfig     `mapstructure:"trace"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// NodeConfig identifies the node. The id doubles as the lock holder id.
type NodeConfig struct {
	ID int32 `mapstructure:"id"`
	// Role is "authority" or "client".
	Role string `mapstructure:"role"`
}

// TransportConfig selects the message bus.
type TransportConfig struct {
	// Kind is one of memory, redis, nats, kafka, websocket.
	Kind         string   `mapstructure:"kind"`
	RedisAddr    string   `mapstructure:"redis_addr"`
	NATSURL      string   `mapstructure:"nats_url"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	// WebSocketURL is dialled by clients of a websocket authority.
	WebSocketURL string `mapstructure:"websocket_url"`
	// Listen is the address the authority serves the websocket hub on.
	Listen string `mapstructure:"listen"`
}

// LockConfig selects the lock table backend of the authority.
type LockConfig struct {
	// Backend is memory or redis.
	Backend   string `mapstructure:"backend"`
	RedisAddr string `mapstructure:"redis_addr"`
}

// RPCConfig controls the rpc gateway.
type RPCConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SessionConfig controls client sessions.
type SessionConfig struct {
	// Mode is single or bulk.
	Mode     string        `mapstructure:"mode"`
	MaxDepth int           `mapstructure:"max_depth"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Context  string        `mapstructure:"context"`
}

// PresenceConfig controls client liveness tracking.
type PresenceConfig struct {
	// TTL is how long the authority keeps a silent client alive.
	TTL time.Duration `mapstructure:"ttl"`
	// Heartbeat is the client heartbeat period.
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

type WorldConfig struct {
	Path string `mapstructure:"path"`
}

type MetricsConfig struct {
	// Listen is the /metrics address; empty disables the endpoint.
	Listen string `mapstructure:"listen"`
}

type TraceConfig struct {
	Stdout bool `mapstructure:"stdout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Node:      NodeConfig{ID: 1, Role: RoleAuthority},
		Transport: TransportConfig{Kind: "memory", RedisAddr: "127.0.0.1:6379", NATSURL: "nats://127.0.0.1:4222", Listen: ":8090"},
		Lock:      LockConfig{Backend: "memory", RedisAddr: "127.0.0.1:6379"},
		RPC:       RPCConfig{Timeout: 2 * time.Second, SweepInterval: 930 * time.Millisecond},
		Session:   SessionConfig{Mode: "single", MaxDepth: 5, Timeout: 2 * time.Second},
		Presence:  PresenceConfig{TTL: 10 * time.Second, Heartbeat: 3 * time.Second},
		World:     WorldConfig{Path: "warden.db"},
		Metrics:   MetricsConfig{Listen: ":9464"},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Roles.
const (
	RoleAuthority = "authority"
	RoleClient    = "client"
)

// SetDefaults registers every key of Default on v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("node.id", d.Node.ID)
	v.SetDefault("node.role", d.Node.Role)

	v.SetDefault("transport.kind", d.Transport.Kind)
	v.SetDefault("transport.redis_addr", d.Transport.RedisAddr)
	v.SetDefault("transport.nats_url", d.Transport.NATSURL)
	v.SetDefault("transport.kafka_brokers", d.Transport.KafkaBrokers)
	v.SetDefault("transport.websocket_url", d.Transport.WebSocketURL)
	v.SetDefault("transport.listen", d.Transport.Listen)

	v.SetDefault("lock.backend", d.Lock.Backend)
	v.SetDefault("lock.redis_addr", d.Lock.RedisAddr)

	v.SetDefault("rpc.timeout", d.RPC.Timeout)
	v.SetDefault("rpc.sweep_interval", d.RPC.SweepInterval)

	v.SetDefault("session.mode", d.Session.Mode)
	v.SetDefault("session.max_depth", d.Session.MaxDepth)
	v.SetDefault("session.timeout", d.Session.Timeout)
	v.SetDefault("session.context", d.Session.Context)

	v.SetDefault("presence.ttl", d.Presence.TTL)
	v.SetDefault("presence.heartbeat", d.Presence.Heartbeat)

	v.SetDefault("world.path", d.World.Path)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("trace.stdout", d.Trace.Stdout)
	v.SetDefault("logging.level", d.Logging.Level)
}

// New returns a viper instance with defaults and WARDEN_ env overrides.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	// WARDEN_TRANSPORT_REDIS_ADDR for transport.redis_addr
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (when non-empty) on top of defaults and environment, then
// validates the result.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// IsAuthority reports whether the node owns the lock table.
func (c *Config) IsAuthority() bool { return c.Node.Role == RoleAuthority }

// SessionMode returns the parsed session mode.
func (c *Config) SessionMode() device.Mode {
	m, err := device.ParseMode(c.Session.Mode)
	if err != nil {
		return device.ModeSingle
	}
	return m
}
