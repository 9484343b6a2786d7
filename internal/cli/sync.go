package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stocktide/stocktide/internal/app"
	"github.com/stocktide/stocktide/internal/models"
	"github.com/stocktide/stocktide/internal/reconcile"
)

func newSyncCommand(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "replay pending mutations against the backend",
		Args:  cobra.NoArgs,
		RunE: withApp(verbose, func(ctx context.Context, cmd *cobra.Command, a *app.App, _ []string) error {
			if !a.Sync.Online() {
				fmt.Fprintln(cmd.OutOrStdout(), "offline, nothing replayed")
				return nil
			}
			res, err := a.Sync.SyncAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "settled %d, rejected %d, still pending %d\n",
				res.Settled, res.Discarded, res.Remaining)
			return nil
		}),
	}
}

func newStatusCommand(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show connectivity, session and queue state",
		Args:  cobra.NoArgs,
		RunE: withApp(verbose, func(ctx context.Context, cmd *cobra.Command, a *app.App, _ []string) error {
			out := cmd.OutOrStdout()

			if a.Sync.Online() {
				fmt.Fprintln(out, "backend:  reachable")
			} else {
				fmt.Fprintln(out, "backend:  unreachable")
			}

			if owner, err := a.Session.OwnerID(); err == nil {
				fmt.Fprintf(out, "session:  %s\n", owner)
			} else {
				fmt.Fprintln(out, "session:  not logged in")
			}

			if a.Degraded {
				fmt.Fprintln(out, "storage:  memory only (degraded)")
			} else {
				fmt.Fprintf(out, "storage:  %s\n", a.Config.DatabasePath)
			}

			pending, err := a.Sync.PendingCount(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "pending:  %d mutation(s)\n", pending)
			return nil
		}),
	}
}

func newQueueCommand(verbose *bool) *cobra.Command {
	var settled int
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "inspect the mutation queue",
		Args:  cobra.NoArgs,
		RunE: withApp(verbose, func(ctx context.Context, cmd *cobra.Command, a *app.App, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "ID\tKIND\tCOLLECTION\tENQUEUED\tSTATE")

			pending, err := a.Store.Pending(ctx)
			if err != nil {
				return err
			}
			for _, m := range pending {
				printMutation(w, m)
			}

			if settled > 0 {
				recent, err := a.Store.Settled(ctx, settled)
				if err != nil {
					return err
				}
				for _, m := range recent {
					printMutation(w, m)
				}
			}
			return nil
		}),
	}
	cmd.Flags().IntVarP(&settled, "settled", "s", 0, "also show up to N recently settled mutations")
	return cmd
}

func printMutation(w *tabwriter.Writer, m models.Mutation) {
	st := "pending"
	if m.Settled {
		st = "settled"
	}
	fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
		m.ID, m.Kind, m.Collection, m.EnqueuedAt.Format(time.RFC3339), st)
}

func newWatchCommand(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "stay connected, sync continuously and print change events",
		Args:  cobra.NoArgs,
		RunE: withApp(verbose, func(ctx context.Context, cmd *cobra.Command, a *app.App, _ []string) error {
			out := cmd.OutOrStdout()
			for _, col := range []models.Collection{
				models.CollectionProducts, models.CollectionSales,
				models.CollectionClients, models.CollectionSchedules,
				models.CollectionSettings,
			} {
				sub := a.Bus.Subscribe(col, func(ev reconcile.Event) {
					fmt.Fprintf(out, "%s %s %s\n", time.Now().Format(time.TimeOnly), ev.Collection, ev.Kind)
				})
				defer sub.Unsubscribe()
			}

			fmt.Fprintln(out, "watching for changes, ctrl-c to stop")
			return a.Run(ctx)
		}),
	}
}
