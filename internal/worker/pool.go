package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/store"
	"github.com/rs/zerolog"
)

var (
	ErrPoolFull    = errors.New("worker pool backlog is full")
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// Pool runs jobs on a fixed number of goroutines. Dispatched ids wait in a
// FIFO backlog; their jobs stay queued in the store until a worker claims them.
type Pool struct {
	runner  JobRunner
	size    int
	backlog int
	logger  zerolog.Logger
	metrics *Metrics

	mu      sync.Mutex
	pending []string
	stopped bool
	wake    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewPool builds a pool of size workers. backlog caps how many ids may wait;
// zero means unbounded.
func NewPool(runner JobRunner, size, backlog int, logger zerolog.Logger, metrics *Metrics) *Pool {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Pool{
		runner:  runner,
		size:    max(1, size),
		backlog: max(0, backlog),
		logger:  logger,
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

func (p *Pool) Size() int { return p.size }

// Start launches the workers. Running jobs are not cancelled when ctx ends;
// workers finish their current job and exit.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.loop(context.WithoutCancel(ctx), i)
	}
	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.stop:
		}
	}()
}

// Stop stops accepting work and waits for in-flight jobs to finish. Ids still
// in the backlog are dropped; their jobs remain queued.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopped = true
	dropped := len(p.pending)
	p.pending = nil
	p.metrics.queuedJobs.Set(0)
	close(p.stop)
	p.mu.Unlock()

	if dropped > 0 {
		p.logger.Warn().Int("dropped", dropped).Msg("pool stopped with queued jobs")
	}
	p.wg.Wait()
}

func (p *Pool) Dispatch(_ context.Context, job domain.Job) error {
	return p.enqueue(job.ID)
}

func (p *Pool) enqueue(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	if p.backlog > 0 && len(p.pending) >= p.backlog {
		return fmt.Errorf("%w (%d waiting)", ErrPoolFull, len(p.pending))
	}
	p.pending = append(p.pending, id)
	p.metrics.queuedJobs.Set(float64(len(p.pending)))

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *Pool) next() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return "", false
	}
	id := p.pending[0]
	p.pending[0] = ""
	p.pending = p.pending[1:]
	p.metrics.queuedJobs.Set(float64(len(p.pending)))
	if len(p.pending) > 0 {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	return id, true
}

func (p *Pool) loop(ctx context.Context, worker int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker", worker).Logger()
	for {
		id, ok := p.next()
		if !ok {
			select {
			case <-p.stop:
				return
			case <-p.wake:
				continue
			}
		}
		select {
		case <-p.stop:
			return
		default:
		}
		if _, err := p.runner.Run(ctx, id); err != nil {
			logger.Warn().Err(err).Str("job_id", id).Msg("job not executed")
		}
	}
}

// Recover prepares the store after a restart: jobs left running by a dead
// process are failed, and queued jobs are dispatched oldest first.
func (p *Pool) Recover(ctx context.Context, st store.JobStore) (int, error) {
	running, err := st.ListByStatus(ctx, domain.JobStatusRunning, 0)
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range running {
		if _, err := st.Fail(ctx, job.ID, "interrupted: worker restarted", timeNow()); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			return 0, fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
		}
	}

	queued, err := st.ListByStatus(ctx, domain.JobStatusQueued, 0)
	if err != nil {
		return 0, fmt.Errorf("list queued jobs: %w", err)
	}
	dispatched := 0
	for i := len(queued) - 1; i >= 0; i-- {
		if err := p.enqueue(queued[i].ID); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	if len(running) > 0 || dispatched > 0 {
		p.logger.Info().Int("interrupted", len(running)).Int("requeued", dispatched).Msg("recovered jobs")
	}
	return dispatched, nil
}
