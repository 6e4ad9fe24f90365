// Package provider defines the backends a job can be routed to and the
// registry that resolves them by id and task.
package provider

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/dunamismax/mediaflow/internal/domain"
	"golang.org/x/sync/errgroup"
)

type Availability struct {
	OK     bool   `json:"available"`
	Reason string `json:"reason,omitempty"`
}

func Ready() Availability { return Availability{OK: true} }

func Unavailable(format string, args ...any) Availability {
	return Availability{Reason: fmt.Sprintf(format, args...)}
}

// Execution is everything a provider needs to run one claimed job. Inputs are
// absolute paths; every artifact must be written under WorkDir.
type Execution struct {
	Job     domain.Job
	Inputs  []string
	WorkDir string
	Log     io.Writer
}

// Result.Outputs maps an output role to an absolute path under WorkDir.
type Result struct {
	Outputs map[string]string
	Meta    map[string]any
}

type Provider interface {
	ID() string
	Label() string
	Tasks() []string
	Available(ctx context.Context) Availability
	Execute(ctx context.Context, exec Execution) (Result, error)
}

// Validator is implemented by providers that can reject parameters before a
// job is created.
type Validator interface {
	Validate(task, prompt string, params map[string]any, inputs []string) error
}

// TaskMatcher lets a provider accept task names beyond the ones it lists.
type TaskMatcher interface {
	Supports(task string) bool
}

type Info struct {
	ID           string   `json:"id"`
	Label        string   `json:"label"`
	Tasks        []string `json:"tasks"`
	Availability
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defaultID string
}

func NewRegistry(defaultID string) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		defaultID: strings.ToLower(strings.TrimSpace(defaultID)),
	}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.ID())] = p
}

func (r *Registry) DefaultID() string { return r.defaultID }

// Resolve returns the provider registered under id (the default when id is
// blank) after checking that it serves task.
func (r *Registry) Resolve(id, task string) (Provider, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		id = r.defaultID
	}

	r.mu.RLock()
	p, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrProviderNotFound, id)
	}
	if !Supports(p, task) {
		return nil, fmt.Errorf("%w: provider %s does not support %q", domain.ErrUnsupportedTask, p.ID(), task)
	}
	return p, nil
}

func Supports(p Provider, task string) bool {
	task = strings.ToLower(strings.TrimSpace(task))
	if task == "" {
		return false
	}
	if m, ok := p.(TaskMatcher); ok {
		return m.Supports(task)
	}
	for _, t := range p.Tasks() {
		if strings.EqualFold(t, task) {
			return true
		}
	}
	return false
}

// List describes every provider, probing availability concurrently.
func (r *Registry) List(ctx context.Context) ([]Info, error) {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()
	sort.Slice(providers, func(i, j int) bool { return providers[i].ID() < providers[j].ID() })

	infos := make([]Info, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range providers {
		g.Go(func() error {
			infos[i] = Info{
				ID:           p.ID(),
				Label:        p.Label(),
				Tasks:        p.Tasks(),
				Availability: p.Available(gctx),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return infos, nil
}
