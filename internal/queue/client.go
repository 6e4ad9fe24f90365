package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/hibiken/asynq"
)

type Client struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

// NewClient enqueues jobs on queueName. timeout bounds one job end to end on
// the worker side.
func NewClient(redisOpt asynq.RedisClientOpt, queueName string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Client{
		client:  asynq.NewClient(redisOpt),
		queue:   queueName,
		timeout: timeout,
	}
}

func (c *Client) EnqueueRunJob(ctx context.Context, payload RunJobPayload) (*asynq.TaskInfo, error) {
	task, err := NewRunJobTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(0),
		asynq.Timeout(c.timeout),
	)
}

// Dispatch hands a freshly created job to the worker fleet.
func (c *Client) Dispatch(ctx context.Context, job domain.Job) error {
	if _, err := c.EnqueueRunJob(ctx, RunJobPayload{
		JobID:       job.ID,
		Provider:    job.Provider,
		Task:        job.Task,
		RequestedAt: job.CreatedAt,
	}); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
