package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/mediaflow/internal/config"
	"github.com/dunamismax/mediaflow/internal/domain"
)

// JobStore persists jobs. Claim, Succeed and Fail are atomic compare-and-set
// transitions: they fail with domain.ErrInvalidTransition when the job is
// not in the expected state and domain.ErrJobNotFound when it does not exist.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	// List returns the most recently created jobs first.
	List(ctx context.Context, limit int) ([]domain.Job, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]domain.Job, error)
	Claim(ctx context.Context, id string, now time.Time) (domain.Job, error)
	Succeed(ctx context.Context, id string, outputs map[string]string, meta map[string]any, now time.Time) (domain.Job, error)
	Fail(ctx context.Context, id, message string, now time.Time) (domain.Job, error)
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (JobStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryJobStore(), nil
	case "sqlite", "sqlite3":
		return NewSQLiteJobStore(ctx, cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgresJobStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
