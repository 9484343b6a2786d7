package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stocktide/stocktide/internal/app"
)

func newLoginCommand(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "login <username>",
		Short: "authenticate against the backend and store the session",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(verbose, func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			password, err := readPassword(cmd)
			if err != nil {
				return err
			}
			if err := a.Login(ctx, args[0], password); err != nil {
				return err
			}
			owner, err := a.Session.OwnerID()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", owner)
			return nil
		}),
	}
}

func newLogoutCommand(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "forget the stored session",
		Args:  cobra.NoArgs,
		RunE: withApp(verbose, func(ctx context.Context, cmd *cobra.Command, a *app.App, _ []string) error {
			if err := a.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		}),
	}
}

func readPassword(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		// Piped input, e.g. in scripts.
		var password string
		if _, err := fmt.Fscanln(cmd.InOrStdin(), &password); err != nil {
			return "", err
		}
		return password, nil
	}
	fmt.Fprint(cmd.OutOrStdout(), "password: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
