// Package jobs composes the policy gate, provider registry, job store and
// dispatcher into the submission and status operations callers use.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/id"
	"github.com/dunamismax/mediaflow/internal/output"
	"github.com/dunamismax/mediaflow/internal/pipeline"
	"github.com/dunamismax/mediaflow/internal/policy"
	"github.com/dunamismax/mediaflow/internal/provider"
	"github.com/dunamismax/mediaflow/internal/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
)

const (
	DefaultListLimit = 30
	MaxListLimit     = 200
)

var (
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrDispatch         = errors.New("job could not be dispatched")
	ErrPresignDisabled  = errors.New("object storage mirror is not configured")
)

// Dispatcher hands a stored queued job to whatever executes it: the local
// pool or the asynq client.
type Dispatcher interface {
	Dispatch(ctx context.Context, job domain.Job) error
}

// Presigner signs downloads from the artifact mirror.
type Presigner interface {
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type Options struct {
	Store      store.JobStore
	Registry   *provider.Registry
	Gate       *policy.Gate
	Layout     *output.Layout
	Dispatcher Dispatcher
	Presigner  Presigner
	PresignTTL time.Duration
	Logger     zerolog.Logger
}

type Service struct {
	store      store.JobStore
	registry   *provider.Registry
	gate       *policy.Gate
	layout     *output.Layout
	dispatcher Dispatcher
	presigner  Presigner
	presignTTL time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(opts Options) (*Service, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("job store is required")
	case opts.Registry == nil:
		return nil, fmt.Errorf("provider registry is required")
	case opts.Gate == nil:
		return nil, fmt.Errorf("policy gate is required")
	case opts.Layout == nil:
		return nil, fmt.Errorf("output layout is required")
	case opts.Dispatcher == nil:
		return nil, fmt.Errorf("dispatcher is required")
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	return &Service{
		store:      opts.Store,
		registry:   opts.Registry,
		gate:       opts.Gate,
		layout:     opts.Layout,
		dispatcher: opts.Dispatcher,
		presigner:  opts.Presigner,
		presignTTL: opts.PresignTTL,
		logger:     opts.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Submit gates, validates, stores and dispatches a job. Nothing is stored
// when any check fails. The returned job is queued.
func (s *Service) Submit(ctx context.Context, req domain.CreateJobRequest) (domain.Job, error) {
	if err := req.Validate(); err != nil {
		return domain.Job{}, fmt.Errorf("%w: %v", domain.ErrInvalidParameters, err)
	}

	if decision := s.gate.Evaluate(req.Prompt, req.ContentSensitive, req.Consent); !decision.Allowed {
		s.logger.Info().Str("task", req.Task).Str("reason", decision.Reason).Msg("submission denied by policy")
		return domain.Job{}, &domain.PolicyError{Reason: decision.Reason}
	}

	p, err := s.registry.Resolve(req.Provider, req.Task)
	if err != nil {
		return domain.Job{}, err
	}
	if v, ok := p.(provider.Validator); ok {
		if err := v.Validate(req.Task, req.Prompt, req.Params, req.Inputs); err != nil {
			return domain.Job{}, err
		}
	}
	for _, ref := range req.Inputs {
		if _, err := s.layout.ResolveInput(ref); err != nil {
			return domain.Job{}, err
		}
	}

	req.Provider = p.ID()
	job := domain.NewJob(id.New(), req, s.now())
	if err := s.store.Create(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}

	logger := s.logger.With().Str("job_id", job.ID).Str("provider", job.Provider).Str("task", job.Task).Logger()
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		logger.Error().Err(err).Msg("dispatch failed")
		s.abandon(ctx, job.ID, err, logger)
		return domain.Job{}, fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	logger.Info().Msg("job queued")
	return job, nil
}

// abandon moves an undispatchable job through running to failed so it does
// not sit queued forever.
func (s *Service) abandon(ctx context.Context, jobID string, cause error, logger zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.store.Claim(ctx, jobID, s.now()); err != nil {
		logger.Warn().Err(err).Msg("could not claim undispatched job")
		return
	}
	if _, err := s.store.Fail(ctx, jobID, "dispatch failed: "+cause.Error(), s.now()); err != nil {
		logger.Warn().Err(err).Msg("could not fail undispatched job")
	}
}

func (s *Service) Get(ctx context.Context, jobID string) (domain.Job, error) {
	job, ok, err := s.store.Get(ctx, strings.TrimSpace(jobID))
	if err != nil {
		return domain.Job{}, fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	return job, nil
}

// List returns the most recent jobs first. limit is clamped to
// [1, MaxListLimit]; zero or less means DefaultListLimit.
func (s *Service) List(ctx context.Context, limit int) ([]domain.Job, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	jobs, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *Service) Providers(ctx context.Context) ([]provider.Info, error) {
	return s.registry.List(ctx)
}

// Workload classifies a request by the work it will cause. Requests whose
// provider cannot be resolved count as video; Submit rejects them anyway.
func (s *Service) Workload(req domain.CreateJobRequest) string {
	p, err := s.registry.Resolve(req.Provider, req.Task)
	if err != nil {
		return domain.WorkloadVideo
	}
	if p.ID() != provider.MockID {
		return domain.WorkloadRemote
	}
	mode, _ := pipeline.ModeForTask(req.Task)
	switch mode {
	case pipeline.ModeMockTextToImage, pipeline.ModeMockImageEdit, pipeline.ModeMockImageUpscale:
		return domain.WorkloadImage
	case pipeline.ModeMockVoiceover, pipeline.ModeExtractAudio:
		return domain.WorkloadAudio
	}
	return domain.WorkloadVideo
}

func (s *Service) DefaultProvider() string {
	return s.registry.DefaultID()
}

// Upload stores an input file and returns the reference to put in inputs.
func (s *Service) Upload(filename string, r io.Reader) (string, error) {
	return s.layout.SaveUpload(filename, r)
}

// ArtifactPath returns the local path of a published artifact or job.log.
func (s *Service) ArtifactPath(ctx context.Context, jobID, name string) (string, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return "", err
	}
	path, err := s.layout.ArtifactPath(jobID, name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s/%s", ErrArtifactNotFound, jobID, name)
	}
	return path, nil
}

// PresignArtifact returns a time-limited download URL for a mirrored
// artifact of a succeeded job.
func (s *Service) PresignArtifact(ctx context.Context, jobID, name string) (string, error) {
	if s.presigner == nil {
		return "", ErrPresignDisabled
	}
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !hasArtifact(job, name) {
		return "", fmt.Errorf("%w: %s/%s", ErrArtifactNotFound, jobID, name)
	}
	// Mirroring is best effort; only keys the executor recorded were uploaded.
	key := cast.ToStringMapString(job.Meta[domain.MetaObjectKeys])[name]
	if key == "" {
		return "", fmt.Errorf("%w: %s/%s is not mirrored", ErrArtifactNotFound, jobID, name)
	}
	exists, err := s.presigner.ObjectExists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("check mirrored %s/%s: %w", jobID, name, err)
	}
	if !exists {
		return "", fmt.Errorf("%w: %s/%s is missing from the mirror", ErrArtifactNotFound, jobID, name)
	}
	url, err := s.presigner.PresignedGetURL(ctx, key, s.presignTTL)
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", jobID, name, err)
	}
	return url, nil
}

// Wait polls until the job reaches a terminal state or ctx ends.
func (s *Service) Wait(ctx context.Context, jobID string, interval time.Duration) (domain.Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := s.Get(ctx, jobID)
		if err != nil {
			return domain.Job{}, err
		}
		if domain.IsTerminal(job.Status) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func hasArtifact(job domain.Job, name string) bool {
	if job.Status != domain.JobStatusSucceeded {
		return false
	}
	if name == output.LogName {
		return true
	}
	for _, published := range job.Outputs {
		if published == name {
			return true
		}
	}
	return false
}
