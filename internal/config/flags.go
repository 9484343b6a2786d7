package config

import (
	"flag"
	"os"
	"time"

	"github.com/stocktide/stocktide/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the backend REST API (default from Config)
//	-w string   websocket URL for realtime notifications (default from Config)
//	-d string   path to the local SQLite database (default from Config)
//	-i int      online check interval in seconds (default from Config)
//
// Note: the function filters os.Args to only include the flags it knows
// about, using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-w", "-d", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.APIBaseURL, "a", cfg.APIBaseURL, "base URL of the backend REST API")
	fs.StringVar(&cfg.RealtimeURL, "w", cfg.RealtimeURL, "websocket URL for realtime notifications")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "path to local database file")
	onlineCheckInterval := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.OnlineCheckInterval = time.Duration(*onlineCheckInterval) * time.Second
}
