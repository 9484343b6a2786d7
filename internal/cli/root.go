// Package cli implements the stocktide command-line client on top of the
// sync engine. Every command works offline: writes land in the local store
// and the mutation queue, and sync happens opportunistically.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/stocktide/stocktide/internal/app"
	"github.com/stocktide/stocktide/internal/config"
	"github.com/stocktide/stocktide/internal/logging"
)

// NewRootCommand assembles the command tree.
func NewRootCommand() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "stocktide",
		Short:         "offline-first inventory and sales tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newLoginCommand(&verbose),
		newLogoutCommand(&verbose),
		newListCommand(&verbose),
		newAddCommand(&verbose),
		newDeleteCommand(&verbose),
		newSyncCommand(&verbose),
		newStatusCommand(&verbose),
		newQueueCommand(&verbose),
		newWatchCommand(&verbose),
	)
	return root
}

// withApp builds the engine for a one-shot command, probes connectivity once
// and tears everything down afterwards.
func withApp(verbose *bool, fn func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		level := slog.LevelWarn
		if verbose != nil && *verbose {
			level = slog.LevelDebug
		}
		logger := logging.NewTextLogger(os.Stderr, level)

		a, err := app.New(ctx, config.LoadConfig(), logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.Degraded {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: persistent storage unavailable, changes will not survive this run")
		}

		a.Sync.SetOnline(ctx, a.API.Ping(ctx) == nil)
		return fn(ctx, cmd, a, args)
	}
}
