// Package config loads runtime settings for the stocktide client engine.
package config

import "time"

// Config holds runtime settings for the sync engine and CLI.
//
// Units: all intervals are time.Duration values (e.g. 5*time.Second).
type Config struct {
	// APIBaseURL is the base URL of the backend REST API.
	APIBaseURL string
	// RealtimeURL is the websocket endpoint delivering change notifications.
	RealtimeURL string

	// DatabasePath is the SQLite file backing the local store.
	DatabasePath string
	// TokenPath is where the session token persists between runs.
	TokenPath string
	// StoreBackend selects the local store implementation: "sqlite" or "memory".
	StoreBackend string

	// OnlineCheckInterval is how often the sync manager probes connectivity
	// and replays pending mutations.
	OnlineCheckInterval time.Duration

	// CacheTTL is how long a cached list response stays fresh.
	CacheTTL time.Duration
	// CacheCapacity bounds the number of cached responses.
	CacheCapacity int

	// DedupeWindow bounds how old an in-flight request may be and still be
	// joined by an identical call.
	DedupeWindow time.Duration
	// QueueCapacity bounds the coordinator's burst queue.
	QueueCapacity int
	// QueueBatchSize is how many queued requests drain per batch.
	QueueBatchSize int
	// QueueBatchDelay is the pause between drain batches.
	QueueBatchDelay time.Duration

	// HeartbeatInterval paces realtime liveness pings.
	HeartbeatInterval time.Duration
	// ReconnectMaxAttempts caps realtime reconnection attempts per outage.
	ReconnectMaxAttempts int

	// SettledRetention is how many settled mutations are kept for diagnostics.
	SettledRetention int
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.APIBaseURL = "http://127.0.0.1:8080"
	c.RealtimeURL = "ws://127.0.0.1:8080/ws"
	c.DatabasePath = "stocktide.db"
	c.TokenPath = "stocktide.token"
	c.StoreBackend = "sqlite"
	c.OnlineCheckInterval = 5 * time.Second
	c.CacheTTL = 10 * time.Minute
	c.CacheCapacity = 100
	c.DedupeWindow = 5 * time.Second
	c.QueueCapacity = 50
	c.QueueBatchSize = 5
	c.QueueBatchDelay = 200 * time.Millisecond
	c.HeartbeatInterval = 30 * time.Second
	c.ReconnectMaxAttempts = 10
	c.SettledRetention = 100
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
