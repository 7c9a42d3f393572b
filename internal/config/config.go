// Package config defines the node's runtime configuration (spec.md §9)
// and loads it from flags/environment in the teacher's ff idiom.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/peterbourgon/ff/v3"
)

// Config holds every tunable the service state machine consults.
type Config struct {
	TargetOutboundPeers int

	IdleInterval     time.Duration
	AnnounceInterval time.Duration
	SyncInterval     time.Duration
	PruneInterval    time.Duration

	KeepAliveDelta         time.Duration
	StaleConnectionTimeout time.Duration
	MaxTimeDelta           time.Duration
	SubscribeBacklogDelta  time.Duration

	MinReconnectionDelta time.Duration
	MaxReconnectionDelta time.Duration

	RoutingMaxSize int
	RoutingMaxAge  time.Duration

	FetchConcurrency int
	Relay            bool

	DataDir       string
	ListenAddr    string
	ControlSocket string
	LogLevel      string
}

// Default returns the spec's suggested defaults (§9).
func Default() Config {
	return Config{
		TargetOutboundPeers:    8,
		IdleInterval:           30 * time.Second,
		AnnounceInterval:       60 * time.Minute,
		SyncInterval:           60 * time.Second,
		PruneInterval:          30 * time.Minute,
		KeepAliveDelta:         1 * time.Minute,
		StaleConnectionTimeout: 2 * time.Minute,
		MaxTimeDelta:           60 * time.Minute,
		SubscribeBacklogDelta:  24 * time.Hour,
		MinReconnectionDelta:   3 * time.Second,
		MaxReconnectionDelta:   60 * time.Minute,
		RoutingMaxSize:         1000,
		RoutingMaxAge:          30 * 24 * time.Hour,
		FetchConcurrency:       4,
		Relay:                  true,
		DataDir:                "~/.knot",
		ListenAddr:             "0.0.0.0:8776",
		ControlSocket:          "~/.knot/control.sock",
		LogLevel:               "info",
	}
}

// Load parses flags (and, via ff, matching environment variables prefixed
// KNOT_) into a Config seeded with defaults, following the teacher's
// peterbourgon/ff command-line loading convention.
func Load(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("knotd", flag.ContinueOnError)
	fs.IntVar(&cfg.TargetOutboundPeers, "target-outbound-peers", cfg.TargetOutboundPeers, "desired number of outbound sessions")
	fs.DurationVar(&cfg.IdleInterval, "idle-interval", cfg.IdleInterval, "interval between idle-task ticks")
	fs.DurationVar(&cfg.AnnounceInterval, "announce-interval", cfg.AnnounceInterval, "interval between full re-announcements")
	fs.DurationVar(&cfg.SyncInterval, "sync-interval", cfg.SyncInterval, "interval between inventory sync rounds")
	fs.DurationVar(&cfg.PruneInterval, "prune-interval", cfg.PruneInterval, "interval between routing table prunes")
	fs.DurationVar(&cfg.KeepAliveDelta, "keep-alive-delta", cfg.KeepAliveDelta, "ping interval for idle connected sessions")
	fs.DurationVar(&cfg.StaleConnectionTimeout, "stale-connection-timeout", cfg.StaleConnectionTimeout, "disconnect sessions idle longer than this")
	fs.DurationVar(&cfg.MaxTimeDelta, "max-time-delta", cfg.MaxTimeDelta, "reject announcements timestamped further than this into the future")
	fs.DurationVar(&cfg.SubscribeBacklogDelta, "subscribe-backlog-delta", cfg.SubscribeBacklogDelta, "how far back a Subscribe request's backlog window reaches")
	fs.DurationVar(&cfg.MinReconnectionDelta, "min-reconnection-delta", cfg.MinReconnectionDelta, "minimum reconnect backoff")
	fs.DurationVar(&cfg.MaxReconnectionDelta, "max-reconnection-delta", cfg.MaxReconnectionDelta, "maximum reconnect backoff")
	fs.IntVar(&cfg.RoutingMaxSize, "routing-max-size", cfg.RoutingMaxSize, "routing table row cap before pruning")
	fs.DurationVar(&cfg.RoutingMaxAge, "routing-max-age", cfg.RoutingMaxAge, "routing table row max age before pruning")
	fs.IntVar(&cfg.FetchConcurrency, "fetch-concurrency", cfg.FetchConcurrency, "max concurrent fetches per session")
	fs.BoolVar(&cfg.Relay, "relay", cfg.Relay, "relay fresh announcements to other sessions")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for persisted node state")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to accept inbound connections on")
	fs.StringVar(&cfg.ControlSocket, "control-socket", cfg.ControlSocket, "path to the control channel unix socket")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zerolog level (debug, info, warn, error)")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("KNOT")); err != nil {
		return cfg, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}
