package cli

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stocktide/stocktide/internal/app"
	"github.com/stocktide/stocktide/internal/models"
	"github.com/stocktide/stocktide/internal/reconcile"
)

const dayFormat = "2006-01-02"

func newListCommand(verbose *bool) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:       "list <collection>",
		Short:     "list records of a collection",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"products", "sales", "clients", "schedules", "settings"},
		RunE: withApp(verbose, func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			defer w.Flush()

			switch models.Collection(args[0]) {
			case models.CollectionProducts:
				items, err := fetch(ctx, a.Products, refresh)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "ID\tNAME\tQTY\tPRICE\tSTATE")
				for _, p := range items {
					fmt.Fprintf(w, "%d\t%s\t%g\t%.2f\t%s\n", p.LocalID, p.Name, p.Quantity, p.Price, state(p))
				}
			case models.CollectionSales:
				items, err := fetch(ctx, a.Sales, refresh)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "ID\tDATE\tSUBJECT\tQTY\tAMOUNT\tSTATE")
				for _, s := range items {
					fmt.Fprintf(w, "%d\t%s\t%s\t%g\t%.2f\t%s\n",
						s.LocalID, s.Date.Format(dayFormat), s.Subject, s.Quantity, s.Amount, state(s))
				}
			case models.CollectionClients:
				items, err := fetch(ctx, a.Clients, refresh)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "ID\tNAME\tPHONE\tSTATE")
				for _, c := range items {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.LocalID, c.Name, c.Phone, state(c))
				}
			case models.CollectionSchedules:
				items, err := fetch(ctx, a.Schedules, refresh)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "ID\tDATE\tTITLE\tDONE\tSTATE")
				for _, s := range items {
					fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n",
						s.LocalID, s.Date.Format(dayFormat), s.Title, s.Done, state(s))
				}
			case models.CollectionSettings:
				items, err := fetch(ctx, a.Settings, refresh)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "ID\tKEY\tVALUE\tSTATE")
				for _, s := range items {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.LocalID, s.Key, s.Value, state(s))
				}
			default:
				return fmt.Errorf("unknown collection %q", args[0])
			}
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&refresh, "refresh", "r", false, "bypass the response cache")
	return cmd
}

func fetch[T any, PT interface {
	models.Entity
	*T
}](ctx context.Context, ds *reconcile.Dataset[T, PT], refresh bool) ([]PT, error) {
	if refresh {
		return ds.Refresh(ctx)
	}
	return ds.List(ctx)
}

func state(rec models.Entity) string {
	if rec.Synced() {
		return "synced"
	}
	return "pending"
}

func newAddCommand(verbose *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "create a record (works offline)",
	}
	cmd.AddCommand(
		newAddSaleCommand(verbose),
		newAddProductCommand(verbose),
		newAddClientCommand(verbose),
		newAddScheduleCommand(verbose),
		newSetSettingCommand(verbose),
	)
	return cmd
}

func newAddSaleCommand(verbose *bool) *cobra.Command {
	var (
		qty    float64
		amount float64
		date   string
	)
	cmd := &cobra.Command{
		Use:   "sale <subject>",
		Short: "record a sale",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(verbose, func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			day := time.Now().UTC()
			if date != "" {
				var err error
				day, err = time.Parse(dayFormat, date)
				if err != nil {
					return fmt.Errorf("invalid date %q, want YYYY-MM-DD: %w", date, err)
				}
			}
			created, err := a.Sales.Create(ctx, &models.Sale{
				Subject:   args[0],
				Quantity:  qty,
				Amount:    amount,
				Date:      day,
				CreatedAt: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sale %d recorded (%s)\n", created.LocalID, state(created))
			return nil
		}),
	}
	cmd.Flags().Float64VarP(&qty, "qty", "q", 1, "quantity sold")
	cmd.Flags().Float64VarP(&amount, "amount", "m", 0, "sale amount")
	cmd.Flags().StringVar(&date, "date", "", "sale date (YYYY-MM-DD, default today)")
	return cmd
}

func newAddProductCommand(verbose *bool) *cobra.Command {
	var (
		qty   float64
		price float64
	)
	cmd := &cobra.Command{
		Use:   "product <name>",
		Short: "add a stocked product",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(verbose, func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			created, err := a.Products.Create(ctx, &models.Product{
				Name:      args[0],
				Quantity:  qty,
				Price:     price,
				UpdatedAt: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "product %d added (%s)\n", created.LocalID, state(created))
			return nil
		}),
	}
	cmd.Flags().Float64VarP(&qty, "qty", "q", 0, "quantity in stock")
	cmd.Flags().Float64VarP(&price, "price", "p", 0, "unit price")
	return cmd
}

func newAddClientCommand(verbose *bool) *cobra.Command {
	var phone, notes string
	cmd := &cobra.Command{
		Use:   "client <name>",
		Short: "add a client",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(verbose, func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			created, err := a.Clients.Create(ctx, &models.Client{
				Name:      args[0],
				Phone:     phone,
				Notes:     notes,
				UpdatedAt: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "client %d added (%s)\n", created.LocalID, state(created))
			return nil
		}),
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	return cmd
}

func newAddScheduleCommand(verbose *bool) *cobra.Command {
	var date, clientID string
	cmd := &cobra.Command{
		Use:   "schedule <title>",
		Short: "add an appointment",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(verbose, func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			day, err := time.Parse(dayFormat, date)
			if err != nil {
				return fmt.Errorf("invalid date %q, want YYYY-MM-DD: %w", date, err)
			}
			created, err := a.Schedules.Create(ctx, &models.Schedule{
				Title:    args[0],
				ClientID: clientID,
				Date:     day,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schedule %d added (%s)\n", created.LocalID, state(created))
			return nil
		}),
	}
	cmd.Flags().StringVar(&date, "date", "", "appointment date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&clientID, "client", "", "client the appointment is for")
	cmd.MarkFlagRequired("date")
	return cmd
}

func newSetSettingCommand(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "setting <key> <value>",
		Short: "set a synced preference",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(verbose, func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			// Settings are keyed: an existing entry is updated in place.
			existing, err := a.Settings.List(ctx)
			if err != nil {
				return err
			}
			for _, s := range existing {
				if s.Key == args[0] {
					s.Value = args[1]
					if _, err := a.Settings.Update(ctx, s); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "setting %s updated\n", args[0])
					return nil
				}
			}
			if _, err := a.Settings.Create(ctx, &models.Setting{Key: args[0], Value: args[1]}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "setting %s created\n", args[0])
			return nil
		}),
	}
}

func newDeleteCommand(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "delete a record by its local id (works offline)",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(verbose, func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[1], err)
			}

			var del func(context.Context, int64) error
			switch models.Collection(args[0]) {
			case models.CollectionProducts:
				del = a.Products.Delete
			case models.CollectionSales:
				del = a.Sales.Delete
			case models.CollectionClients:
				del = a.Clients.Delete
			case models.CollectionSchedules:
				del = a.Schedules.Delete
			case models.CollectionSettings:
				del = a.Settings.Delete
			default:
				return fmt.Errorf("unknown collection %q", args[0])
			}
			if err := del(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%d\n", args[0], id)
			return nil
		}),
	}
}
