package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/mediaflow/internal/app"
	"github.com/dunamismax/mediaflow/internal/config"
	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/worker"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func RunCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	var (
		providerID string
		task       string
		prompt     string
		params     []string
		inputs     []string
		sensitive  bool
		consent    bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a job and execute it in this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := requestFromFlags(providerID, task, prompt, params, inputs, sensitive, consent)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			pool := worker.NewPool(a.Executor, 1, 0, logger, a.WorkerMetrics)
			pool.Start(ctx)
			defer pool.Stop()

			svc, err := a.Jobs(pool)
			if err != nil {
				return err
			}
			job, err := svc.Submit(ctx, req)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			fmt.Printf("job %s queued (provider=%s task=%s)\n", job.ID, job.Provider, job.Task)

			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			done, err := svc.Wait(waitCtx, job.ID, 250*time.Millisecond)
			if err != nil {
				return fmt.Errorf("wait for job %s: %w", job.ID, err)
			}
			if err := printJSON(done); err != nil {
				return err
			}
			if done.Status == domain.JobStatusFailed {
				return fmt.Errorf("job %s failed", done.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&providerID, "provider", "", "Provider id (default from DEFAULT_PROVIDER)")
	cmd.Flags().StringVar(&task, "task", "", "Task or mode, e.g. ffmpeg_trim or text_to_video")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt, caption text or subtitle payload")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Parameter as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "Input reference relative to the uploads dir (repeatable)")
	cmd.Flags().BoolVar(&sensitive, "sensitive", false, "Mark the content as sensitive")
	cmd.Flags().BoolVar(&consent, "consent", false, "Confirm consent for sensitive content")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "How long to wait for the job to finish")
	cmd.MarkFlagRequired("task")
	return cmd
}
