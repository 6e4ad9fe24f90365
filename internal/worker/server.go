package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dunamismax/mediaflow/internal/config"
	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/queue"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Server consumes job:run tasks from Redis and hands them to the executor.
type Server struct {
	logger   zerolog.Logger
	server   *asynq.Server
	sem      chan struct{}
	executor JobRunner
	metrics  *Metrics
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	executor JobRunner,
	metrics *Metrics,
) (*Server, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				Logger:   asynqLogger{logger: logger.With().Str("component", "asynq").Logger()},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					taskID, _ := asynq.GetTaskID(ctx)
					logger.Error().Err(err).Str("task_type", task.Type()).Str("task_id", taskID).Msg("task failed")
				}),
			},
		),
		sem:      make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		executor: executor,
		metrics:  metrics,
	}
	return s, nil
}

// Start begins consuming tasks without blocking. Callers own signal handling
// and must call Shutdown.
func (s *Server) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRunJob, s.handleRunJob)
	return s.server.Start(mux)
}

// Shutdown waits for in-flight jobs, then stops the server.
func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRunJob(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseRunJobPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	job, err := s.executor.Run(ctx, payload.JobID)
	switch {
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrJobNotFound):
		// Another delivery already took the job, or it was never stored.
		s.logger.Warn().Err(err).Str("job_id", payload.JobID).Msg("skipping task")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case err != nil:
		return err
	}

	s.logger.Debug().Str("job_id", job.ID).Str("status", job.Status).Msg("task done")
	return nil
}

type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
