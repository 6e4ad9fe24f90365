package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dunamismax/mediaflow/internal/config"
	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/jobs"
	"github.com/dunamismax/mediaflow/internal/store"
	"github.com/spf13/cobra"
)

func JobsCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect stored jobs",
	}
	cmd.AddCommand(jobsListCmd(cfg), jobsGetCmd(cfg))
	return cmd
}

func jobsListCmd(cfg *config.Config) *cobra.Command {
	var (
		limit  int
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), cfg, func(st store.JobStore) error {
				limit = clampLimit(limit)
				list, err := st.ListByStatus(cmd.Context(), status, limit)
				if err != nil {
					return fmt.Errorf("failed to list jobs: %w", err)
				}
				if len(list) == 0 {
					fmt.Println("No jobs found.")
					return nil
				}

				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tPROVIDER\tTASK\tCREATED")
				for _, job := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", job.ID, job.Status, job.Provider, job.Task, job.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", jobs.DefaultListLimit, "Maximum number of jobs to show")
	cmd.Flags().StringVar(&status, "status", "", "Only show jobs in this status (queued, running, succeeded, failed)")
	return cmd
}

func jobsGetCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job id>",
		Short: "Show one job with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), cfg, func(st store.JobStore) error {
				job, ok, err := st.Get(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("failed to load job: %w", err)
				}
				if !ok {
					return fmt.Errorf("%w: %s", domain.ErrJobNotFound, args[0])
				}
				return printJSON(job)
			})
		},
	}
}

func withStore(ctx context.Context, cfg *config.Config, fn func(store.JobStore) error) error {
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer st.Close()
	return fn(st)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return jobs.DefaultListLimit
	case limit > jobs.MaxListLimit:
		return jobs.MaxListLimit
	default:
		return limit
	}
}
