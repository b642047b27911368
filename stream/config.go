package stream

import (
	"time"

	"github.com/spf13/viper"
)

// Config carries the tunables of the delivery core. Values are defaults from
// the documented design intent, not hard requirements; deployments override
// them via flags, environment, or config file (see cmd/jobstream).
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	// RedisAddr selects the Redis backbone when non-empty; empty runs the
	// in-process backbone (single-server deployments, tests).
	RedisAddr string `mapstructure:"redis_addr"`

	// JWTSecret verifies stream bearer tokens.
	JWTSecret string `mapstructure:"jwt_secret"`

	// EmitKey authenticates the producer HTTP facade (X-Emit-Key header).
	EmitKey string `mapstructure:"emit_key"`

	// LogDir enables file logging when non-empty.
	LogDir string `mapstructure:"log_dir"`

	// HeartbeatInterval is the keep-alive cadence on idle streams.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// TerminalGrace keeps a topic's terminal state observable for late
	// subscribers before the topic goes inert.
	TerminalGrace time.Duration `mapstructure:"terminal_grace"`

	// MaxConnections is the concurrent-stream ceiling (HTTP 503 past it).
	MaxConnections int `mapstructure:"max_connections"`

	// PublishTimeout bounds how long an Emit call may block on the backbone.
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`

	// SubscribeRetries is how many times a handler attempts to open its
	// backbone feed before giving up on the connection.
	SubscribeRetries int `mapstructure:"subscribe_retries"`

	// SubscribeBackoff is the first retry delay; it doubles per attempt.
	SubscribeBackoff time.Duration `mapstructure:"subscribe_backoff"`

	// SubscribeBackoffCap bounds the doubling.
	SubscribeBackoffCap time.Duration `mapstructure:"subscribe_backoff_cap"`

	// DrainTimeout bounds how long shutdown waits for streams to finish.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:          ":8420",
		HeartbeatInterval:   30 * time.Second,
		TerminalGrace:       60 * time.Second,
		MaxConnections:      500,
		PublishTimeout:      2 * time.Second,
		SubscribeRetries:    3,
		SubscribeBackoff:    250 * time.Millisecond,
		SubscribeBackoffCap: 2 * time.Second,
		DrainTimeout:        10 * time.Second,
	}
}

// SetDefaults registers the default values on a viper instance so flag/env/
// file lookups fall back to them.
func SetDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("listen_addr", def.ListenAddr)
	v.SetDefault("redis_addr", def.RedisAddr)
	v.SetDefault("jwt_secret", def.JWTSecret)
	v.SetDefault("emit_key", def.EmitKey)
	v.SetDefault("log_dir", def.LogDir)
	v.SetDefault("heartbeat_interval", def.HeartbeatInterval)
	v.SetDefault("terminal_grace", def.TerminalGrace)
	v.SetDefault("max_connections", def.MaxConnections)
	v.SetDefault("publish_timeout", def.PublishTimeout)
	v.SetDefault("subscribe_retries", def.SubscribeRetries)
	v.SetDefault("subscribe_backoff", def.SubscribeBackoff)
	v.SetDefault("subscribe_backoff_cap", def.SubscribeBackoffCap)
	v.SetDefault("drain_timeout", def.DrainTimeout)
}

// FromViper unmarshals a Config from a viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
