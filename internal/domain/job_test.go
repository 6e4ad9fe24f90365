package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCreateJobRequestValidate(t *testing.T) {
	valid := CreateJobRequest{Task: "ffmpeg_trim", Inputs: []string{"clip.mp4"}}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}

	if err := (CreateJobRequest{}).Validate(); err == nil {
		t.Fatal("expected validation error for empty request")
	}

	blankInput := CreateJobRequest{Task: "ffmpeg_trim", Inputs: []string{"clip.mp4", " "}}
	if err := blankInput.Validate(); err == nil {
		t.Fatal("expected validation error for blank input reference")
	}
}

func TestJobLifecycleSuccess(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := NewJob("job-1", CreateJobRequest{Provider: "mock", Task: "text_to_video"}, now)
	if job.Status != JobStatusQueued || job.Progress != 0 {
		t.Fatalf("expected queued at progress 0, got %s %v", job.Status, job.Progress)
	}

	if err := job.Claim(now.Add(time.Second)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job.StartedAt == nil {
		t.Fatal("expected started_at to be set")
	}
	if job.Progress != 0 {
		t.Fatalf("expected running job at progress 0, got %v", job.Progress)
	}

	if err := job.Succeed(map[string]string{OutputVideo: "out.mp4"}, map[string]any{"duration_s": 6}, now.Add(2*time.Second)); err != nil {
		t.Fatalf("succeed: %v", err)
	}
	if job.Status != JobStatusSucceeded || job.Error != "" || len(job.Outputs) != 1 {
		t.Fatalf("unexpected terminal job: %+v", job)
	}
	if len(job.History) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(job.History))
	}
	if job.Progress != 1 {
		t.Fatalf("expected finished job at progress 1, got %v", job.Progress)
	}

	if err := job.Fail("late", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal state to reject fail, got %v", err)
	}
	if job.Status != JobStatusSucceeded {
		t.Fatalf("terminal status changed to %s", job.Status)
	}
}

func TestJobFailRequiresRunning(t *testing.T) {
	now := time.Now()
	job := NewJob("job-2", CreateJobRequest{Task: "ffmpeg_trim"}, now)

	if err := job.Fail("boom", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected queued job to reject fail, got %v", err)
	}
	if err := job.Claim(now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := job.Claim(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected second claim to fail, got %v", err)
	}
	if err := job.Fail("  ", now); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if job.Error == "" {
		t.Fatal("expected failed job to carry a non-empty error")
	}
	if len(job.Outputs) != 0 {
		t.Fatalf("expected no outputs on failure, got %v", job.Outputs)
	}
}

func TestSucceedRequiresOutputs(t *testing.T) {
	now := time.Now()
	job := NewJob("job-3", CreateJobRequest{Task: "text_to_image"}, now)
	_ = job.Claim(now)

	if err := job.Succeed(nil, nil, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected error for empty outputs, got %v", err)
	}
	if job.Status != JobStatusRunning {
		t.Fatalf("expected job to remain running, got %s", job.Status)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{JobStatusQueued, JobStatusRunning, true},
		{JobStatusQueued, JobStatusSucceeded, false},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusQueued, false},
		{JobStatusFailed, JobStatusRunning, false},
		{JobStatusSucceeded, JobStatusFailed, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
