package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeRunJob = "job:run"

// RunJobPayload only names the job; the worker reads everything else from
// the job store after claiming it.
type RunJobPayload struct {
	JobID       string    `json:"job_id"`
	Provider    string    `json:"provider,omitempty"`
	Task        string    `json:"task,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewRunJobTask(payload RunJobPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.JobID) == "" {
		return nil, errors.New("job_id is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal run payload: %w", err)
	}
	return asynq.NewTask(TypeRunJob, body), nil
}

func ParseRunJobPayload(task *asynq.Task) (RunJobPayload, error) {
	var payload RunJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RunJobPayload{}, fmt.Errorf("unmarshal run payload: %w", err)
	}
	if strings.TrimSpace(payload.JobID) == "" {
		return RunJobPayload{}, errors.New("run payload has no job_id")
	}
	return payload, nil
}
