// Package app wires configuration into the long-lived components shared by
// the api, worker and mediactl binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/dunamismax/mediaflow/internal/config"
	"github.com/dunamismax/mediaflow/internal/jobs"
	"github.com/dunamismax/mediaflow/internal/output"
	"github.com/dunamismax/mediaflow/internal/pipeline"
	"github.com/dunamismax/mediaflow/internal/policy"
	"github.com/dunamismax/mediaflow/internal/probe"
	"github.com/dunamismax/mediaflow/internal/provider"
	"github.com/dunamismax/mediaflow/internal/runner"
	"github.com/dunamismax/mediaflow/internal/storage"
	"github.com/dunamismax/mediaflow/internal/store"
	"github.com/dunamismax/mediaflow/internal/telemetry"
	"github.com/dunamismax/mediaflow/internal/webhook"
	"github.com/dunamismax/mediaflow/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const probeTimeout = 30 * time.Second

type App struct {
	Config        *config.Config
	Logger        zerolog.Logger
	Registry      *prometheus.Registry
	Store         store.JobStore
	Layout        *output.Layout
	Gate          *policy.Gate
	Providers     *provider.Registry
	Builder       *pipeline.Builder
	Mirror        *storage.Client
	WorkerMetrics *worker.Metrics
	Executor      *worker.Executor
}

// New opens the job store and builds every component. Close releases the
// store.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: telemetry.NewRegistry(),
		Builder: pipeline.NewBuilder(pipeline.Options{
			FFmpegPath: cfg.Media.FFmpegPath,
			FontFile:   cfg.Media.FontFile,
		}),
	}

	layout, err := output.NewLayout(cfg.Media.OutputsDir, cfg.Media.UploadsDir)
	if err != nil {
		return nil, fmt.Errorf("prepare output layout: %w", err)
	}
	a.Layout = layout

	policyCfg, err := policy.LoadFile(cfg.Policy.Path)
	if err != nil {
		return nil, err
	}
	if a.Gate, err = policy.New(policyCfg); err != nil {
		return nil, fmt.Errorf("build policy gate: %w", err)
	}

	a.Providers = NewProviders(cfg, a.Builder, logger)

	if cfg.Storage.Enabled {
		a.Mirror, err = storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			Region:   cfg.Storage.Region,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("create object storage client: %w", err)
		}
		if err := a.Mirror.EnsureBucket(ctx); err != nil {
			logger.Warn().Err(err).Str("bucket", cfg.Storage.Bucket).Msg("object storage bucket check failed")
		}
	}

	a.Store, err = store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	a.WorkerMetrics = worker.NewMetrics(a.Registry)
	opts := worker.Options{
		Store:           a.Store,
		Registry:        a.Providers,
		Layout:          a.Layout,
		Prober:          probe.New(cfg.Media.FFprobePath, probeTimeout),
		Webhooks:        webhook.NewClient(webhookConfig(cfg.Webhook)),
		Metrics:         a.WorkerMetrics,
		Logger:          logger.With().Str("component", "executor").Logger(),
		ProviderTimeout: cfg.Worker.ProviderTimeout,
		Thumbnails:      cfg.Media.Thumbnails,
	}
	if a.Mirror != nil {
		opts.Mirror = a.Mirror
	}
	if a.Executor, err = worker.NewExecutor(opts); err != nil {
		_ = a.Store.Close()
		return nil, err
	}
	return a, nil
}

// NewProviders registers every provider. Unconfigured remote providers are
// still listed and report themselves unavailable.
func NewProviders(cfg *config.Config, builder *pipeline.Builder, logger zerolog.Logger) *provider.Registry {
	p := cfg.Providers
	registry := provider.NewRegistry(p.Default)
	registry.Register(provider.NewMock(
		builder,
		runner.NewExec(cfg.Worker.StepTimeout, logger.With().Str("component", "runner").Logger()),
		cfg.Media.FFmpegPath,
	))
	registry.Register(provider.NewComfyUI(provider.ComfyUIConfig{
		BaseURL:      p.ComfyUIURL,
		WorkflowsDir: p.ComfyUIWorkflowsDir,
		PollInterval: p.ComfyUIPollInterval,
		HTTPTimeout:  p.HTTPTimeout,
	}))
	registry.Register(provider.NewHuggingFace(provider.HuggingFaceConfig{
		Token:       p.HFToken,
		BaseURL:     p.HFBaseURL,
		Models:      p.HFModels,
		HTTPTimeout: p.HTTPTimeout,
	}))
	registry.Register(provider.NewHosted(provider.HostedConfig{
		BaseURL:      p.HostedURL,
		APIKey:       p.HostedAPIKey,
		PollInterval: p.HostedPollInterval,
		HTTPTimeout:  p.HTTPTimeout,
	}))
	return registry
}

func webhookConfig(c config.WebhookConfig) webhook.Config {
	return webhook.Config{
		SigningSecret:  c.SigningSecret,
		Timeout:        c.Timeout,
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
	}
}

// Jobs builds the job service on top of dispatcher. Presigned downloads are
// enabled when the object storage mirror is.
func (a *App) Jobs(dispatcher jobs.Dispatcher) (*jobs.Service, error) {
	opts := jobs.Options{
		Store:      a.Store,
		Registry:   a.Providers,
		Gate:       a.Gate,
		Layout:     a.Layout,
		Dispatcher: dispatcher,
		PresignTTL: a.Config.Storage.PresignTTL,
		Logger:     a.Logger.With().Str("component", "jobs").Logger(),
	}
	if a.Mirror != nil {
		opts.Presigner = a.Mirror
	}
	return jobs.NewService(opts)
}

func (a *App) Close() error {
	if a.Store == nil {
		return nil
	}
	return a.Store.Close()
}
