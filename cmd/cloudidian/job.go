package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cloudidian/internal/api"
	"cloudidian/internal/logging"
	"cloudidian/internal/model"
	"cloudidian/internal/poller"
	"cloudidian/internal/store"
)

func newJobCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Start, follow and cancel sorting jobs",
	}
	cmd.AddCommand(
		newJobStartCmd(g),
		newJobStatusCmd(g),
		newJobCancelCmd(g),
		newJobListCmd(g),
		newJobWatchCmd(g),
	)
	return cmd
}

func newJobStartCmd(g *globalFlags) *cobra.Command {
	var mode, scope string
	var watch bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a sorting job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if mode == "" {
				mode = a.cfg.DefaultMode
			}
			if !slices.Contains(model.KnownScopes, model.Scope(scope)) {
				return fmt.Errorf("unknown scope %q", scope)
			}
			if id, _ := a.store.GetSetting(ctx, store.KeyCurrentJobID); id != "" {
				if j, err := a.client.GetJob(ctx, id); err == nil && !j.Status.Terminal() {
					return fmt.Errorf("job %s is still %s; cancel it first", id, j.Status)
				}
			}

			job, err := a.client.StartJob(ctx, model.Mode(mode), model.Scope(scope))
			if err != nil {
				return err
			}
			a.metrics.JobStarted()
			if err := a.store.SetSetting(ctx, store.KeyCurrentJobID, job.JobID); err != nil {
				a.logger.Warn("remember current job", logging.Err(err))
			}
			_ = a.store.CacheJob(ctx, job)
			fmt.Fprintf(cmd.OutOrStdout(), "Started job %s (%s, %s)\n", job.JobID, mode, scope)
			if !watch {
				return nil
			}
			return a.watch(ctx, cmd.OutOrStdout(), job.JobID)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "classifier mode (default from config)")
	cmd.Flags().StringVar(&scope, "scope", string(model.ScopeAll), "which messages to sort: unread, inbox, recent or all")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the job until it finishes")
	return cmd
}

func newJobStatusCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show a job (the current one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.jobArg(ctx, args)
			if err != nil {
				return err
			}
			j, err := a.lookupJob(ctx, id)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), j)
			}
			printJob(cmd.OutOrStdout(), j)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the job as JSON")
	return cmd
}

func newJobCancelCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [job-id]",
		Short: "Cancel a running job (the current one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.jobArg(ctx, args)
			if err != nil {
				return err
			}
			status, err := a.client.CancelJob(ctx, id)
			if err != nil {
				return err
			}
			if cur, _ := a.store.GetSetting(ctx, store.KeyCurrentJobID); cur == id {
				_ = a.store.DeleteSetting(ctx, store.KeyCurrentJobID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s\n", id, status)
			return nil
		},
	}
}

func newJobListCmd(g *globalFlags) *cobra.Command {
	var limit int
	var cached, asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var jobs []model.Job
			if cached {
				jobs, err = a.store.RecentJobs(ctx, limit)
			} else {
				jobs, err = a.client.ListJobs(ctx, limit)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), jobs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tSTATUS\tMODE\tSCOPE\tPROGRESS\tCREATED")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					j.JobID, j.Status, j.Mode, j.Scope, progressText(j), j.CreatedAt)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "how many jobs to show")
	cmd.Flags().BoolVar(&cached, "cached", false, "list jobs from the local cache without contacting the backend")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print jobs as JSON")
	return cmd
}

func newJobWatchCmd(g *globalFlags) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch [job-id]",
		Short: "Follow a job until it finishes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if metricsAddr == "" {
				metricsAddr = a.cfg.MetricsAddr
			}
			if metricsAddr != "" {
				go func() {
					if err := a.metrics.Serve(ctx, metricsAddr, a.logger); err != nil {
						a.logger.Warn("metrics server stopped", logging.Err(err))
					}
				}()
			}
			id, err := a.jobArg(ctx, args)
			if err != nil {
				return err
			}
			return a.watch(ctx, cmd.OutOrStdout(), id)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while watching")
	return cmd
}

// watch polls jobID until it is terminal and prints every change.
func (a *app) watch(ctx context.Context, out io.Writer, jobID string) error {
	p := poller.New(a.client, a.sched,
		poller.WithInterval(a.cfg.JobPollInterval),
		poller.WithCache(a.store),
		poller.WithLogger(a.logger),
		poller.WithMetrics(a.metrics),
	)
	defer p.Stop()

	type result struct {
		job model.Job
		err error
	}
	done := make(chan result, 1)
	var last string
	p.Start(ctx, jobID, poller.Handlers{
		OnUpdate: func(j model.Job) {
			line := fmt.Sprintf("%-10s %s", j.Status, progressText(j))
			if line != last {
				fmt.Fprintln(out, line)
				last = line
			}
		},
		OnDone: func(j model.Job, err error) { done <- result{j, err} },
	})

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		if cur, _ := a.store.GetSetting(ctx, store.KeyCurrentJobID); cur == jobID {
			_ = a.store.DeleteSetting(ctx, store.KeyCurrentJobID)
		}
		printJob(out, r.job)
		if r.job.Status == model.StatusFailed {
			return fmt.Errorf("job %s failed", jobID)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lookupJob asks the backend for a job, showing the cached copy when the
// backend is unreachable. A job the backend no longer knows stops being the
// current one.
func (a *app) lookupJob(ctx context.Context, id string) (model.Job, error) {
	j, err := a.client.GetJob(ctx, id)
	var nerr *api.NetworkError
	switch {
	case err == nil:
		_ = a.store.CacheJob(ctx, j)
		return j, nil
	case api.IsNotFound(err):
		if cur, _ := a.store.GetSetting(ctx, store.KeyCurrentJobID); cur == id {
			_ = a.store.DeleteSetting(ctx, store.KeyCurrentJobID)
		}
		return model.Job{}, fmt.Errorf("job %s not found", id)
	case errors.As(err, &nerr):
		cached, ok, cerr := a.store.CachedJob(ctx, id)
		if cerr != nil || !ok {
			return model.Job{}, err
		}
		a.logger.Warn("backend unreachable, showing cached job", logging.JobID(id))
		return cached, nil
	}
	return model.Job{}, err
}

// jobArg returns the explicit id or the remembered current job.
func (a *app) jobArg(ctx context.Context, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	id, err := a.store.GetSetting(ctx, store.KeyCurrentJobID)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.New("no current job; pass a job id")
	}
	return id, nil
}

func progressText(j model.Job) string {
	return fmt.Sprintf("%d/%d (%d%%)", j.ProcessedEmails, j.TotalEmails, j.ProgressPercent())
}

func printJob(w io.Writer, j model.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Job:\t%s\n", j.JobID)
	fmt.Fprintf(tw, "Status:\t%s\n", j.Status)
	if j.Mode != "" {
		fmt.Fprintf(tw, "Mode:\t%s\n", j.Mode)
	}
	if j.Scope != "" {
		fmt.Fprintf(tw, "Scope:\t%s\n", j.Scope)
	}
	fmt.Fprintf(tw, "Progress:\t%s\n", progressText(j))
	if j.ErrorCount > 0 {
		fmt.Fprintf(tw, "Errors:\t%d\n", j.ErrorCount)
	}
	for _, name := range sortedKeys(j.CategoryCounts) {
		fmt.Fprintf(tw, "  %s\t%d\n", name, j.CategoryCounts[name])
	}
	if j.CompletedAt != "" {
		fmt.Fprintf(tw, "Completed:\t%s\n", j.CompletedAt)
	}
	tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
