package provider

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/pipeline"
	"github.com/dunamismax/mediaflow/internal/runner"
)

const MockID = "mock"

// Mock produces placeholder media with ffmpeg and runs every ffmpeg_* edit.
type Mock struct {
	builder *pipeline.Builder
	runner  runner.Runner
	ffmpeg  string
}

func NewMock(builder *pipeline.Builder, r runner.Runner, ffmpegPath string) *Mock {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Mock{builder: builder, runner: r, ffmpeg: ffmpegPath}
}

func (m *Mock) ID() string      { return MockID }
func (m *Mock) Label() string   { return "Local placeholder (ffmpeg)" }
func (m *Mock) Tasks() []string { return pipeline.Tasks() }

func (m *Mock) Supports(task string) bool {
	_, ok := pipeline.ModeForTask(task)
	return ok
}

func (m *Mock) Available(context.Context) Availability {
	if _, err := exec.LookPath(m.ffmpeg); err != nil {
		return Unavailable("ffmpeg not found: %s", m.ffmpeg)
	}
	return Ready()
}

func (m *Mock) Validate(task, prompt string, params map[string]any, inputs []string) error {
	mode, ok := pipeline.ModeForTask(task)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnsupportedTask, task)
	}
	return pipeline.Validate(mode, prompt, params, inputs)
}

func (m *Mock) Execute(ctx context.Context, e Execution) (Result, error) {
	mode, ok := pipeline.ModeForTask(e.Job.Task)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedTask, e.Job.Task)
	}

	plan, err := m.builder.Build(pipeline.Request{
		Mode:    mode,
		Prompt:  e.Job.Prompt,
		Params:  e.Job.Params,
		Inputs:  e.Inputs,
		WorkDir: e.WorkDir,
	})
	if err != nil {
		return Result{}, err
	}
	if err := runner.RunAll(ctx, m.runner, plan.Steps, e.Log); err != nil {
		return Result{}, err
	}

	return Result{
		Outputs: plan.Outputs,
		Meta: map[string]any{
			"mode":  plan.Mode,
			"steps": len(plan.Steps),
		},
	}, nil
}
