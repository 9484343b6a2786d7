package config

import (
	"encoding/json"
	"os"

	"github.com/stocktide/stocktide/internal/flagx"
	"github.com/stocktide/stocktide/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling.
// It relies on timex.Duration so JSON can specify intervals either as
// strings like "10m" or as integer nanoseconds. After parsing, non-zero
// values are copied into the runtime Config.
type JsonConfig struct {
	APIBaseURL           string         `json:"api_base_url"`
	RealtimeURL          string         `json:"realtime_url"`
	DatabasePath         string         `json:"database_path"`
	TokenPath            string         `json:"token_path"`
	StoreBackend         string         `json:"store_backend"`
	OnlineCheckInterval  timex.Duration `json:"online_check_interval"`
	CacheTTL             timex.Duration `json:"cache_ttl"`
	CacheCapacity        int            `json:"cache_capacity"`
	DedupeWindow         timex.Duration `json:"dedupe_window"`
	QueueCapacity        int            `json:"queue_capacity"`
	HeartbeatInterval    timex.Duration `json:"heartbeat_interval"`
	ReconnectMaxAttempts int            `json:"reconnect_max_attempts"`
}

// parseJson overlays Config with values loaded from a JSON file.
//
// Lookup order for the JSON file path:
//  1. Command-line flags (-c or -config) via flagx.JsonConfigFlags().
//  2. If empty, no JSON is loaded and the function returns.
//
// Zero values in the file leave the corresponding Config field untouched, so
// a partial file only overrides what it names. Intended usage is:
// defaults -> parseJson -> parseFlags, where later stages override earlier
// ones.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	applyJson(cfg, &jc)
}

func applyJson(cfg *Config, jc *JsonConfig) {
	if jc.APIBaseURL != "" {
		cfg.APIBaseURL = jc.APIBaseURL
	}
	if jc.RealtimeURL != "" {
		cfg.RealtimeURL = jc.RealtimeURL
	}
	if jc.DatabasePath != "" {
		cfg.DatabasePath = jc.DatabasePath
	}
	if jc.TokenPath != "" {
		cfg.TokenPath = jc.TokenPath
	}
	if jc.StoreBackend != "" {
		cfg.StoreBackend = jc.StoreBackend
	}
	if jc.OnlineCheckInterval.Duration != 0 {
		cfg.OnlineCheckInterval = jc.OnlineCheckInterval.Duration
	}
	if jc.CacheTTL.Duration != 0 {
		cfg.CacheTTL = jc.CacheTTL.Duration
	}
	if jc.CacheCapacity != 0 {
		cfg.CacheCapacity = jc.CacheCapacity
	}
	if jc.DedupeWindow.Duration != 0 {
		cfg.DedupeWindow = jc.DedupeWindow.Duration
	}
	if jc.QueueCapacity != 0 {
		cfg.QueueCapacity = jc.QueueCapacity
	}
	if jc.HeartbeatInterval.Duration != 0 {
		cfg.HeartbeatInterval = jc.HeartbeatInterval.Duration
	}
	if jc.ReconnectMaxAttempts != 0 {
		cfg.ReconnectMaxAttempts = jc.ReconnectMaxAttempts
	}
}
