package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
)

// Output roles used as keys of Job.Outputs.
const (
	OutputImage     = "image"
	OutputVideo     = "video"
	OutputAudio     = "audio"
	OutputHistory   = "history"
	OutputThumbnail = "thumbnail"
)

// MetaObjectKeys holds artifact name → object key for mirrored artifacts.
const MetaObjectKeys = "object_keys"

// Workload classes price a submission for rate limiting.
const (
	WorkloadImage  = "image"
	WorkloadAudio  = "audio"
	WorkloadVideo  = "video"
	WorkloadRemote = "remote"
)

type CreateJobRequest struct {
	Provider         string         `json:"provider,omitempty"`
	Task             string         `json:"task"`
	Prompt           string         `json:"prompt,omitempty"`
	Params           map[string]any `json:"params,omitempty"`
	Inputs           []string       `json:"inputs,omitempty"`
	ContentSensitive bool           `json:"content_sensitive,omitempty"`
	Consent          bool           `json:"consent,omitempty"`
	WebhookURL       string         `json:"webhook_url,omitempty"`
}

type Transition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

type Job struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Progress         float64           `json:"progress"`
	Provider         string            `json:"provider"`
	Task             string            `json:"task"`
	Prompt           string            `json:"prompt,omitempty"`
	Params           map[string]any    `json:"params,omitempty"`
	Inputs           []string          `json:"inputs,omitempty"`
	Outputs          map[string]string `json:"outputs,omitempty"`
	Error            string            `json:"error,omitempty"`
	Meta             map[string]any    `json:"meta,omitempty"`
	ContentSensitive bool              `json:"content_sensitive"`
	Consent          bool              `json:"consent"`
	WebhookURL       string            `json:"webhook_url,omitempty"`
	History          []Transition      `json:"history,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
}

func (r CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.Task) == "" {
		return errors.New("task is required")
	}
	for i, in := range r.Inputs {
		if strings.TrimSpace(in) == "" {
			return fmt.Errorf("inputs[%d] is empty", i)
		}
	}
	return nil
}

// NewJob builds a queued job from an approved request.
func NewJob(id string, req CreateJobRequest, now time.Time) Job {
	now = now.UTC()
	return Job{
		ID:               id,
		Status:           JobStatusQueued,
		Provider:         strings.TrimSpace(req.Provider),
		Task:             strings.TrimSpace(req.Task),
		Prompt:           req.Prompt,
		Params:           req.Params,
		Inputs:           append([]string(nil), req.Inputs...),
		ContentSensitive: req.ContentSensitive,
		Consent:          req.Consent,
		WebhookURL:       strings.TrimSpace(req.WebhookURL),
		History:          []Transition{{To: JobStatusQueued, At: now}},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// CanTransition reports whether from→to is one of the legal lifecycle edges.
func CanTransition(from, to string) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusRunning
	case JobStatusRunning:
		return to == JobStatusSucceeded || to == JobStatusFailed
	default:
		return false
	}
}

func IsTerminal(status string) bool {
	return status == JobStatusSucceeded || status == JobStatusFailed
}

// ProgressFor is the coarse completion fraction of a job in status: 0 until
// it finishes, 1 once terminal.
func ProgressFor(status string) float64 {
	if IsTerminal(status) {
		return 1
	}
	return 0
}

func (j *Job) Claim(now time.Time) error {
	if err := j.transition(JobStatusRunning, "", now); err != nil {
		return err
	}
	started := now.UTC()
	j.StartedAt = &started
	return nil
}

func (j *Job) Succeed(outputs map[string]string, meta map[string]any, now time.Time) error {
	if len(outputs) == 0 {
		return fmt.Errorf("%w: success requires at least one output", ErrInvalidTransition)
	}
	if err := j.transition(JobStatusSucceeded, "", now); err != nil {
		return err
	}
	j.Outputs = outputs
	j.Meta = mergeMeta(j.Meta, meta)
	j.finish(now)
	return nil
}

func (j *Job) Fail(message string, now time.Time) error {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "job failed"
	}
	if err := j.transition(JobStatusFailed, message, now); err != nil {
		return err
	}
	j.Error = message
	j.Outputs = nil
	j.finish(now)
	return nil
}

func (j *Job) transition(to, reason string, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return &TransitionError{JobID: j.ID, From: j.Status, To: to}
	}
	now = now.UTC()
	j.History = append(j.History, Transition{From: j.Status, To: to, At: now, Reason: reason})
	j.Status = to
	j.Progress = ProgressFor(to)
	j.UpdatedAt = now
	return nil
}

func (j *Job) finish(now time.Time) {
	finished := now.UTC()
	j.FinishedAt = &finished
}

func mergeMeta(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
