// Package worker claims queued jobs and drives them to a terminal state,
// either on an in-process pool or from the asynq queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/imaging"
	"github.com/dunamismax/mediaflow/internal/output"
	"github.com/dunamismax/mediaflow/internal/probe"
	"github.com/dunamismax/mediaflow/internal/provider"
	"github.com/dunamismax/mediaflow/internal/store"
	"github.com/dunamismax/mediaflow/internal/webhook"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	thumbnailWidth  = 320
	thumbnailName   = "thumbnail.jpg"
	terminalTimeout = 30 * time.Second
)

// JobRunner executes one job by id and returns it in its final state.
type JobRunner interface {
	Run(ctx context.Context, jobID string) (domain.Job, error)
}

type Prober interface {
	Probe(ctx context.Context, path string) (probe.Metrics, error)
}

type ArtifactMirror interface {
	MirrorJob(ctx context.Context, jobID, jobDir string, names []string) (map[string]string, error)
}

type WebhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Options struct {
	Store           store.JobStore
	Registry        *provider.Registry
	Layout          *output.Layout
	Prober          Prober
	Mirror          ArtifactMirror
	Webhooks        WebhookSender
	Metrics         *Metrics
	Logger          zerolog.Logger
	ProviderTimeout time.Duration
	Thumbnails      bool
}

type Executor struct {
	store           store.JobStore
	registry        *provider.Registry
	layout          *output.Layout
	prober          Prober
	mirror          ArtifactMirror
	webhooks        WebhookSender
	metrics         *Metrics
	logger          zerolog.Logger
	tracer          trace.Tracer
	providerTimeout time.Duration
	thumbnails      bool
	now             func() time.Time
}

func NewExecutor(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, errors.New("job store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("provider registry is required")
	}
	if opts.Layout == nil {
		return nil, errors.New("output layout is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Executor{
		store:           opts.Store,
		registry:        opts.Registry,
		layout:          opts.Layout,
		prober:          opts.Prober,
		mirror:          opts.Mirror,
		webhooks:        opts.Webhooks,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		tracer:          otel.Tracer("mediaflow/worker"),
		providerTimeout: opts.ProviderTimeout,
		thumbnails:      opts.Thumbnails,
		now:             timeNow,
	}, nil
}

// Run claims the job and executes it. A job that fails is recorded as failed
// and returned with a nil error; the error is reserved for jobs that could not
// be claimed or whose terminal state could not be stored.
func (e *Executor) Run(ctx context.Context, jobID string) (domain.Job, error) {
	ctx, span := e.tracer.Start(ctx, "worker.run_job", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("job.id", jobID))
	defer span.End()

	job, err := e.store.Claim(ctx, jobID, e.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return domain.Job{}, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	span.SetAttributes(
		attribute.String("job.provider", job.Provider),
		attribute.String("job.task", job.Task),
	)

	logger := e.logger.With().Str("job_id", job.ID).Str("provider", job.Provider).Str("task", job.Task).Logger()
	logger.Info().Msg("job started")

	e.metrics.activeJobs.Inc()
	defer e.metrics.activeJobs.Dec()

	started := e.now()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	final, err := e.execute(ctx, job, logger)
	elapsed := e.now().Sub(started)
	e.metrics.jobsTotal.WithLabelValues(job.Provider, job.Task, final.Status).Inc()
	e.metrics.jobDuration.WithLabelValues(job.Provider, final.Status).Observe(elapsed.Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "terminal write failed")
		return final, err
	}

	if final.Status == domain.JobStatusFailed {
		span.SetStatus(codes.Error, final.Error)
		logger.Warn().Str("error", final.Error).Dur("elapsed", elapsed).Msg("job failed")
	} else {
		span.SetStatus(codes.Ok, "succeeded")
		logger.Info().Int("outputs", len(final.Outputs)).Dur("elapsed", elapsed).Msg("job succeeded")
	}

	e.notify(ctx, final, logger)
	return final, nil
}

// execute turns any panic past the claim into a failed job and withdraws
// whatever was already published.
func (e *Executor) execute(ctx context.Context, job domain.Job, logger zerolog.Logger) (final domain.Job, err error) {
	var outputs map[string]string
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job panicked")
		e.discard(job.ID, logger)
		if outputs != nil {
			e.layout.Unpublish(job.ID, outputs)
		}
		final, err = e.fail(ctx, job, fmt.Errorf("internal error: panicked: %v", r), logger)
	}()

	logFile, err := e.layout.OpenLog(job.ID)
	if err != nil {
		return e.fail(ctx, job, err, logger)
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "# job %s provider=%s task=%s started=%s\n", job.ID, job.Provider, job.Task, e.now().Format(time.RFC3339))

	result, err := e.runProvider(ctx, job, logFile, logger)
	if err != nil {
		fmt.Fprintf(logFile, "# job failed: %v\n", err)
		e.discard(job.ID, logger)
		return e.fail(ctx, job, err, logger)
	}

	outputs, err = e.layout.Publish(job.ID, result.Outputs)
	e.discard(job.ID, logger)
	if err != nil {
		fmt.Fprintf(logFile, "# job failed: %v\n", err)
		return e.fail(ctx, job, err, logger)
	}

	meta := make(map[string]any, len(result.Meta)+3)
	for k, v := range result.Meta {
		meta[k] = v
	}
	e.describe(ctx, job.ID, outputs, meta, logger)
	if keys := e.mirrorArtifacts(ctx, job.ID, outputs, logger); len(keys) > 0 {
		meta[domain.MetaObjectKeys] = keys
	}
	fmt.Fprintf(logFile, "# job succeeded: %s\n", describeOutputs(outputs))

	twctx, cancel := terminalContext(ctx)
	defer cancel()
	done, err := e.store.Succeed(twctx, job.ID, outputs, meta, e.now())
	if err != nil {
		e.layout.Unpublish(job.ID, outputs)
		return e.fail(ctx, job, fmt.Errorf("record success: %w", err), logger)
	}
	return done, nil
}

// runProvider resolves and runs the provider.
func (e *Executor) runProvider(ctx context.Context, job domain.Job, log io.Writer, logger zerolog.Logger) (provider.Result, error) {
	p, err := e.registry.Resolve(job.Provider, job.Task)
	if err != nil {
		return provider.Result{}, err
	}
	if avail := p.Available(ctx); !avail.OK {
		return provider.Result{}, fmt.Errorf("%w: %s: %s", domain.ErrProviderUnavailable, p.ID(), avail.Reason)
	}

	inputs := make([]string, len(job.Inputs))
	for i, ref := range job.Inputs {
		path, err := e.layout.ResolveInput(ref)
		if err != nil {
			return provider.Result{}, err
		}
		inputs[i] = path
	}

	workDir, err := e.layout.PrepareWork(job.ID)
	if err != nil {
		return provider.Result{}, err
	}

	runCtx := ctx
	if e.providerTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.providerTimeout)
		defer cancel()
	}

	result, err := p.Execute(runCtx, provider.Execution{
		Job:     job,
		Inputs:  inputs,
		WorkDir: workDir,
		Log:     log,
	})
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return provider.Result{}, fmt.Errorf("provider %s timed out after %s: %w", p.ID(), e.providerTimeout, err)
		}
		return provider.Result{}, err
	}
	if len(result.Outputs) == 0 {
		return provider.Result{}, fmt.Errorf("provider %s finished without outputs", p.ID())
	}
	for role, path := range result.Outputs {
		if !within(workDir, path) {
			return provider.Result{}, fmt.Errorf("provider %s wrote %s output outside its work dir", p.ID(), role)
		}
	}
	return result, nil
}

// describe records probe metadata for each artifact and renders a thumbnail
// for image outputs. Failures here never fail the job.
func (e *Executor) describe(ctx context.Context, jobID string, outputs map[string]string, meta map[string]any, logger zerolog.Logger) {
	jobDir := e.layout.JobDir(jobID)
	probes := make(map[string]probe.Metrics, len(outputs))
	var totalBytes int64

	for role, name := range outputs {
		path := filepath.Join(jobDir, name)
		if info, err := os.Stat(path); err == nil {
			totalBytes += info.Size()
		}
		e.metrics.outputsTotal.WithLabelValues(role).Inc()

		if e.prober == nil || role == domain.OutputHistory {
			continue
		}
		m, err := e.prober.Probe(ctx, path)
		if err != nil {
			logger.Debug().Err(err).Str("role", role).Msg("probe failed")
			continue
		}
		probes[role] = m
		if m.DurationS > 0 && (role == domain.OutputVideo || role == domain.OutputAudio) {
			e.metrics.mediaSeconds.Add(m.DurationS)
		}
	}
	e.metrics.outputBytes.Add(float64(totalBytes))
	if len(probes) > 0 {
		meta["probe"] = probes
	}

	image, ok := outputs[domain.OutputImage]
	if !e.thumbnails || !ok {
		return
	}
	if _, err := imaging.Thumbnail(ctx, filepath.Join(jobDir, image), filepath.Join(jobDir, thumbnailName), thumbnailWidth); err != nil {
		logger.Debug().Err(err).Msg("thumbnail skipped")
		return
	}
	outputs[domain.OutputThumbnail] = thumbnailName
}

func (e *Executor) mirrorArtifacts(ctx context.Context, jobID string, outputs map[string]string, logger zerolog.Logger) map[string]string {
	if e.mirror == nil {
		return nil
	}
	names := make([]string, 0, len(outputs)+1)
	for _, name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	names = append(names, output.LogName)

	keys, err := e.mirror.MirrorJob(ctx, jobID, e.layout.JobDir(jobID), names)
	if err != nil {
		e.metrics.mirrorErrors.Inc()
		logger.Warn().Err(err).Msg("artifact mirror failed")
	}
	return keys
}

func (e *Executor) fail(ctx context.Context, job domain.Job, cause error, logger zerolog.Logger) (domain.Job, error) {
	msg := strings.TrimSpace(cause.Error())
	twctx, cancel := terminalContext(ctx)
	defer cancel()

	failed, err := e.store.Fail(twctx, job.ID, msg, e.now())
	if err != nil {
		logger.Error().Err(err).Str("cause", msg).Msg("could not record job failure")
		_ = job.Fail(msg, e.now())
		return job, fmt.Errorf("record failure of job %s: %w", job.ID, err)
	}
	return failed, nil
}

func (e *Executor) notify(ctx context.Context, job domain.Job, logger zerolog.Logger) {
	if e.webhooks == nil || job.WebhookURL == "" {
		return
	}
	event, body, ok := webhook.NewJobEvent(job)
	if !ok {
		return
	}
	if err := e.webhooks.Send(context.WithoutCancel(ctx), job.WebhookURL, event, body); err != nil {
		e.metrics.webhookErrors.Inc()
		logger.Warn().Err(err).Str("event", event).Msg("webhook delivery failed")
	}
}

func (e *Executor) discard(jobID string, logger zerolog.Logger) {
	if err := e.layout.Discard(jobID); err != nil {
		logger.Warn().Err(err).Msg("could not remove work dir")
	}
}

// terminalContext outlives the caller's cancellation so a terminal state is
// still written after a deadline fires.
func terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), terminalTimeout)
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func describeOutputs(outputs map[string]string) string {
	roles := make([]string, 0, len(outputs))
	for role := range outputs {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	parts := make([]string, len(roles))
	for i, role := range roles {
		parts[i] = role + "=" + outputs[role]
	}
	return strings.Join(parts, " ")
}

func timeNow() time.Time { return time.Now().UTC() }
