package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"cloudidian/internal/api"
	"cloudidian/internal/authbridge"
	"cloudidian/internal/gmail"
	"cloudidian/internal/logging"
	"cloudidian/internal/model"
	"cloudidian/internal/store"
)

func newLoginCmd(g *globalFlags) *cobra.Command {
	var noBrowser bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with Google through the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			tabs := authbridge.NewTabs()
			defer tabs.CloseAll()
			bridge := authbridge.New(tabs, a.store, a.sched,
				authbridge.WithLogger(a.logger),
				authbridge.WithMetrics(a.metrics),
				authbridge.WithTiming(a.cfg.AuthPollInterval, a.cfg.AuthTimeout),
			)
			done := make(chan model.Credential, 1)
			unsub := bridge.Subscribe(func(c model.Credential) {
				select {
				case done <- c:
				default:
				}
			})
			defer unsub()
			timedOut := make(chan struct{})
			bridge.OnTimeout(func() { close(timedOut) })

			login, err := authbridge.BeginLogin(ctx, a.client, tabs, authbridge.WithCallbackLogger(a.logger))
			if err != nil {
				return err
			}
			defer login.Close()
			login.Server.OnDeliver(func(u string) { bridge.Notice(ctx, u) })

			out := cmd.ErrOrStderr()
			fmt.Fprintf(out, "Sign in at:\n  %s\n", login.AuthURL)
			if !noBrowser {
				if err := gmail.OpenBrowser(login.AuthURL); err != nil {
					a.logger.Debug("browser not opened", logging.Err(err))
				}
			}
			fmt.Fprintln(out, "Waiting for the browser to finish...")

			bridge.Start(ctx)
			defer bridge.Stop()
			select {
			case c := <-done:
				fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", userLabel(c.User))
				return nil
			case <-timedOut:
				return fmt.Errorf("no sign-in within %s", a.cfg.AuthTimeout)
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the sign-in URL without opening a browser")
	return cmd
}

func newLogoutCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, g, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.ClearCredential(ctx); err != nil {
				return err
			}
			if err := a.store.DeleteSetting(ctx, store.KeyCurrentJobID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

func newWhoamiCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the backend and the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			h, err := a.client.Health(ctx)
			if err != nil {
				fmt.Fprintf(out, "Backend: %s (unreachable: %v)\n", a.cfg.APIURL, err)
			} else {
				fmt.Fprintf(out, "Backend: %s (%s %s)\n", a.cfg.APIURL, h.Status, h.Version)
			}

			u, err := a.client.Me(ctx)
			switch {
			case errors.Is(err, api.ErrUnauthenticated), errors.Is(err, api.ErrUnauthorized):
				fmt.Fprintln(out, "Not signed in. Run `cloudidian login`.")
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintf(out, "Signed in as %s\n", userLabel(u))
			return nil
		},
	}
}

func userLabel(u model.User) string {
	switch {
	case u.Name != "" && u.Email != "":
		return fmt.Sprintf("%s <%s>", u.Name, u.Email)
	case u.Email != "":
		return u.Email
	case u.Name != "":
		return u.Name
	}
	return u.ID
}
