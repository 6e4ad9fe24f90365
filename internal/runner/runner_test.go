package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/pipeline"
	"github.com/rs/zerolog"
)

func shStep(name, script string, outputs []string, args ...string) pipeline.Step {
	return pipeline.Step{
		Name:            name,
		Executable:      "sh",
		Args:            append([]string{"-c", script, "sh"}, args...),
		ExpectedOutputs: outputs,
	}
}

func newTestExec(timeout time.Duration) *Exec {
	return NewExec(timeout, zerolog.Nop())
}

func TestRunSuccess(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "out.txt")
	var log bytes.Buffer

	err := newTestExec(5*time.Second).Run(context.Background(), shStep("write", `echo hi > "$1"`, []string{out}, out), &log)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected output: %v", err)
	}
	if !strings.Contains(log.String(), "$ sh -c") {
		t.Fatalf("expected command line in log, got %q", log.String())
	}
}

func TestRunNonZeroExitCapturesStderrAndCleansUp(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.mp4")
	step := shStep("encode", `echo partial > "$1"; echo "codec not found" >&2; exit 3`, []string{out}, out)

	err := newTestExec(5*time.Second).Run(context.Background(), step, nil)
	if !errors.Is(err, domain.ErrStepFailure) {
		t.Fatalf("expected step failure, got %v", err)
	}
	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("expected StepError, got %T", err)
	}
	if se.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", se.ExitCode)
	}
	if !strings.Contains(se.Stderr, "codec not found") {
		t.Fatalf("expected stderr tail, got %q", se.Stderr)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected partial output to be removed, stat err=%v", err)
	}
}

func TestRunMissingOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "never.mp4")
	err := newTestExec(5*time.Second).Run(context.Background(), shStep("noop", "true", []string{out}), nil)
	var se *StepError
	if !errors.As(err, &se) || len(se.Missing) != 1 {
		t.Fatalf("expected missing output error, got %v", err)
	}
	if !strings.Contains(err.Error(), "never.mp4") {
		t.Fatalf("expected output name in error, got %q", err.Error())
	}
}

func TestRunTimeout(t *testing.T) {
	out := filepath.Join(t.TempDir(), "slow.mp4")
	err := newTestExec(100*time.Millisecond).Run(context.Background(), shStep("slow", `echo x > "$1"; exec sleep 5`, []string{out}, out), nil)
	var se *StepError
	if !errors.As(err, &se) || !se.TimedOut {
		t.Fatalf("expected timeout, got %v", err)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected partial output to be removed after timeout, stat err=%v", err)
	}
}

func TestRunWritesSideFiles(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "list.txt")
	out := filepath.Join(dir, "copy.txt")
	step := shStep("copy", `cat "$1" > "$2"`, []string{out}, list, out)
	step.Files = []pipeline.File{{Path: list, Content: []byte("file 'a.mp4'\n")}}

	if err := newTestExec(5*time.Second).Run(context.Background(), step, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read copy: %v", err)
	}
	if string(got) != "file 'a.mp4'\n" {
		t.Fatalf("unexpected copy %q", got)
	}
}

func TestRunMissingExecutable(t *testing.T) {
	step := pipeline.Step{Name: "ghost", Executable: "mediaflow-does-not-exist"}
	err := newTestExec(time.Second).Run(context.Background(), step, nil)
	if !errors.Is(err, domain.ErrStepFailure) {
		t.Fatalf("expected step failure, got %v", err)
	}
}

func TestRunAllStopsAtFirstFailure(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.txt")
	third := filepath.Join(dir, "c.txt")
	steps := []pipeline.Step{
		shStep("a", `echo a > "$1"`, []string{first}, first),
		shStep("b", "exit 1", nil),
		shStep("c", `echo c > "$1"`, []string{third}, third),
	}

	err := RunAll(context.Background(), newTestExec(5*time.Second), steps, nil)
	var se *StepError
	if !errors.As(err, &se) || se.Step != "b" {
		t.Fatalf("expected failure in step b, got %v", err)
	}
	if _, err := os.Stat(third); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expected later steps to be skipped")
	}
}

func TestRunAllRetriesWithoutCaptionsWhenFontMissing(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "video.mp4")
	fallback := shStep("caption", `echo plain > "$1"`, []string{out}, out)
	step := shStep("caption", `echo "[Parsed_drawtext_0] Cannot find a valid font for the family Sans" >&2; exit 1`, []string{out})
	step.Fallback = &fallback

	var log bytes.Buffer
	if err := RunAll(context.Background(), newTestExec(5*time.Second), []pipeline.Step{step}, &log); err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil || strings.TrimSpace(string(data)) != "plain" {
		t.Fatalf("expected fallback output, got %q (err %v)", data, err)
	}
	if !strings.Contains(log.String(), "retrying without captions") {
		t.Fatalf("expected retry in log, got %s", log.String())
	}
}

func TestRunAllKeepsOtherFailures(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "video.mp4")
	fallback := shStep("caption", `echo plain > "$1"`, []string{out}, out)
	step := shStep("caption", `echo "Invalid data found when processing input" >&2; exit 1`, []string{out})
	step.Fallback = &fallback

	err := RunAll(context.Background(), newTestExec(5*time.Second), []pipeline.Step{step}, nil)
	if !errors.Is(err, domain.ErrStepFailure) {
		t.Fatalf("expected step failure, got %v", err)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expected fallback not to run")
	}
}

func TestTailBuffer(t *testing.T) {
	tail := newTailBuffer(5)
	_, _ = tail.Write([]byte("hello "))
	_, _ = tail.Write([]byte("world"))
	if got := tail.String(); got != "world" {
		t.Fatalf("expected world, got %q", got)
	}
}
