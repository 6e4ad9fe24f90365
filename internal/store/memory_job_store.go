package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, false, nil
	}
	return cloneJob(job), true, nil
}

func (s *MemoryJobStore) List(ctx context.Context, limit int) ([]domain.Job, error) {
	return s.ListByStatus(ctx, "", limit)
}

func (s *MemoryJobStore) ListByStatus(_ context.Context, status string, limit int) ([]domain.Job, error) {
	s.mu.RLock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status == "" || job.Status == status {
			out = append(out, cloneJob(job))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryJobStore) Claim(_ context.Context, id string, now time.Time) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) error { return job.Claim(now) })
}

func (s *MemoryJobStore) Succeed(_ context.Context, id string, outputs map[string]string, meta map[string]any, now time.Time) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) error { return job.Succeed(outputs, meta, now) })
}

func (s *MemoryJobStore) Fail(_ context.Context, id, message string, now time.Time) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) error { return job.Fail(message, now) })
}

func (s *MemoryJobStore) Close() error { return nil }

func (s *MemoryJobStore) update(id string, apply func(*domain.Job) error) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	job = cloneJob(job)
	if err := apply(&job); err != nil {
		return domain.Job{}, err
	}
	s.jobs[id] = job
	return cloneJob(job), nil
}

func cloneJob(job domain.Job) domain.Job {
	if job.Params != nil {
		params := make(map[string]any, len(job.Params))
		for k, v := range job.Params {
			params[k] = v
		}
		job.Params = params
	}
	if job.Outputs != nil {
		outputs := make(map[string]string, len(job.Outputs))
		for k, v := range job.Outputs {
			outputs[k] = v
		}
		job.Outputs = outputs
	}
	if job.Meta != nil {
		meta := make(map[string]any, len(job.Meta))
		for k, v := range job.Meta {
			meta[k] = v
		}
		job.Meta = meta
	}
	job.Inputs = append([]string(nil), job.Inputs...)
	job.History = append([]domain.Transition(nil), job.History...)
	return job
}
