package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cloudidian/internal/gmail"
	"cloudidian/internal/highlight"
	"cloudidian/internal/logging"
	"cloudidian/internal/model"
)

func newStatsCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show totals from recent completed runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.client.Stats(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), s)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Processed:\t%d\n", s.TotalProcessed)
			fmt.Fprintf(tw, "Unread:\t%d\n", s.UnreadCount)
			last := "never"
			if t, ok := model.ParseTimestamp(s.LastRunTime); ok {
				last = t.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(tw, "Last run:\t%s\n", last)
			for _, name := range sortedKeys(s.CategoryCounts) {
				fmt.Fprintf(tw, "  %s\t%d\n", name, s.CategoryCounts[name])
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print stats as JSON")
	return cmd
}

func newCategoriesCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "categories",
		Short: "List the backend's classification categories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			cats, err := a.categories(cmd)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), cats)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCOLOR\tLABEL\tDESCRIPTION")
			for _, c := range cats {
				label := c.GmailLabel
				if label == "" {
					label = highlight.LabelPrefix + c.Name
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Name, c.Color, label, c.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print categories as JSON")
	return cmd
}

// categories fetches from the backend, refreshing the local cache, and
// falls back to the cache when the backend cannot be reached.
func (a *app) categories(cmd *cobra.Command) ([]model.Category, error) {
	ctx := cmd.Context()
	cats, err := a.client.Categories(ctx)
	if err == nil {
		if cerr := a.store.CacheCategories(ctx, cats); cerr != nil {
			a.logger.Warn("cache categories", logging.Err(cerr))
		}
		return cats, nil
	}
	cached, cerr := a.store.CachedCategories(ctx)
	if cerr != nil || len(cached) == 0 {
		return nil, err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Backend unavailable (%v); showing cached categories.\n", err)
	return cached, nil
}

func newInboxCmd(g *globalFlags) *cobra.Command {
	var onlySorted bool
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List recent inbox messages and their categories",
		Long: `inbox reads your Gmail inbox directly (read-only) and marks messages
that already carry a Cloudidian label. It needs client_secret.json from a
Google Cloud OAuth client in the config directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			errOut := cmd.ErrOrStderr()
			prompt := func(u string) {
				fmt.Fprintf(errOut, "Allow read-only Gmail access at:\n  %s\n", u)
				fmt.Fprintln(errOut, "If the browser cannot reach this machine, paste the code or redirect URL here.")
				_ = gmail.OpenBrowser(u)
			}
			rows, err := a.inboxLoader(prompt, os.Stdin)(ctx)
			if err != nil {
				return err
			}

			var tracker *highlight.Tracker
			if cats, err := a.categories(cmd); err == nil {
				tracker = highlight.NewTracker(cats)
			} else {
				tracker = highlight.NewTracker(nil)
			}
			rows = tracker.Apply(rows)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			sorted := 0
			fmt.Fprintln(tw, "CATEGORY\tFROM\tSUBJECT\tDATE")
			for _, r := range rows {
				cat := r.Category()
				if cat != "" {
					sorted++
				}
				if cat == "" {
					if onlySorted {
						continue
					}
					cat = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", cat, r.Sender, truncate(r.Subject, 60), shortDate(r.Date))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d messages sorted\n", sorted, len(rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&onlySorted, "sorted", false, "show only messages that carry a category label")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func shortDate(rfc3339 string) string {
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return rfc3339
	}
	return t.Local().Format("Jan 02 15:04")
}
