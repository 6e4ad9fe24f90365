// Package runner executes pipeline steps as child processes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/pipeline"
	"github.com/rs/zerolog"
)

const (
	defaultTailBytes = 4000
	waitDelay        = 5 * time.Second
)

type Runner interface {
	Run(ctx context.Context, step pipeline.Step, log io.Writer) error
}

type StepError struct {
	Step       string
	Executable string
	ExitCode   int
	Stderr     string
	TimedOut   bool
	Missing    []string
	Err        error
}

func (e *StepError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %s", e.Step)
	switch {
	case e.TimedOut:
		b.WriteString(" timed out")
	case len(e.Missing) > 0:
		fmt.Fprintf(&b, " produced no output (missing %s)", strings.Join(baseNames(e.Missing), ", "))
	case e.ExitCode >= 0:
		fmt.Fprintf(&b, " exited with status %d", e.ExitCode)
	case e.Err != nil:
		fmt.Fprintf(&b, " could not run %s: %v", e.Executable, e.Err)
	default:
		b.WriteString(" failed")
	}
	if e.Stderr != "" {
		b.WriteString(": ")
		b.WriteString(e.Stderr)
	}
	return b.String()
}

func (e *StepError) Unwrap() []error {
	if e.Err != nil {
		return []error{domain.ErrStepFailure, e.Err}
	}
	return []error{domain.ErrStepFailure}
}

// Exec runs each step under its own timeout. Expected outputs are removed on
// every failure path so a failed step never leaves partial artifacts.
type Exec struct {
	timeout   time.Duration
	tailBytes int
	logger    zerolog.Logger
}

func NewExec(timeout time.Duration, logger zerolog.Logger) *Exec {
	return &Exec{timeout: timeout, tailBytes: defaultTailBytes, logger: logger}
}

func (e *Exec) Run(ctx context.Context, step pipeline.Step, log io.Writer) (err error) {
	if log == nil {
		log = io.Discard
	}
	if err := prepare(step); err != nil {
		return &StepError{Step: step.Name, Executable: step.Executable, ExitCode: -1, Err: err}
	}
	defer func() {
		if err != nil {
			removeAll(step.ExpectedOutputs)
		}
	}()

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	tail := newTailBuffer(e.tailBytes)
	cmd := exec.CommandContext(runCtx, step.Executable, step.Args...)
	cmd.WaitDelay = waitDelay
	cmd.Stdout = log
	cmd.Stderr = io.MultiWriter(log, tail)

	fmt.Fprintf(log, "$ %s\n", commandLine(step))
	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)

	logger := e.logger.With().Str("step", step.Name).Dur("elapsed", elapsed).Logger()

	if runErr != nil {
		se := &StepError{Step: step.Name, Executable: step.Executable, ExitCode: -1, Stderr: tail.String()}
		var exitErr *exec.ExitError
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			se.TimedOut = true
			se.Err = context.DeadlineExceeded
		case ctx.Err() != nil:
			se.Err = ctx.Err()
		case errors.As(runErr, &exitErr):
			se.ExitCode = exitErr.ExitCode()
		default:
			se.Err = runErr
		}
		fmt.Fprintf(log, "# %s\n", se.Error())
		logger.Warn().Int("exit_code", se.ExitCode).Bool("timed_out", se.TimedOut).Msg("step failed")
		return se
	}

	if missing := missingOutputs(step.ExpectedOutputs); len(missing) > 0 {
		se := &StepError{Step: step.Name, Executable: step.Executable, ExitCode: 0, Stderr: tail.String(), Missing: missing}
		fmt.Fprintf(log, "# %s\n", se.Error())
		logger.Warn().Strs("missing", missing).Msg("step produced no output")
		return se
	}

	fmt.Fprintf(log, "# step %s ok in %s\n", step.Name, elapsed.Round(time.Millisecond))
	logger.Debug().Msg("step finished")
	return nil
}

// RunAll runs steps in order and stops at the first failure. A step whose
// captions cannot be drawn for lack of a font is retried through its
// fallback.
func RunAll(ctx context.Context, r Runner, steps []pipeline.Step, log io.Writer) error {
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if log != nil {
			fmt.Fprintf(log, "# step %d/%d %s\n", i+1, len(steps), step.Name)
		}
		err := r.Run(ctx, step, log)
		if err != nil && step.Fallback != nil && missingFont(err) && ctx.Err() == nil {
			if log != nil {
				fmt.Fprintf(log, "# step %s: no usable font, retrying without captions\n", step.Name)
			}
			err = r.Run(ctx, *step.Fallback, log)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

var fontFailures = []string{
	"cannot find a valid font",
	"could not load font",
	"no such filter: 'drawtext'",
	"fontconfig",
}

func missingFont(err error) bool {
	var se *StepError
	if !errors.As(err, &se) || se.TimedOut {
		return false
	}
	stderr := strings.ToLower(se.Stderr)
	for _, marker := range fontFailures {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

func prepare(step pipeline.Step) error {
	for _, f := range step.Files {
		if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(f.Path, f.Content, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	for _, out := range step.ExpectedOutputs {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", out, err)
		}
		if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("clear stale output %s: %w", out, err)
		}
	}
	return nil
}

func missingOutputs(paths []string) []string {
	var missing []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() || info.Size() == 0 {
			missing = append(missing, p)
		}
	}
	return missing
}

func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

func baseNames(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = filepath.Base(p)
	}
	return out
}

func commandLine(step pipeline.Step) string {
	parts := make([]string, 0, len(step.Args)+1)
	parts = append(parts, step.Executable)
	for _, a := range step.Args {
		if a == "" || strings.ContainsAny(a, " \t'\";[]") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}
