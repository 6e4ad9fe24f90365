package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
)

const HostedID = "hosted"

type HostedConfig struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	HTTPTimeout  time.Duration
}

// Hosted talks to a hosted generation API: submit a generation, poll it until
// it settles, then download output_url.
type Hosted struct {
	baseURL string
	apiKey  string
	poll    time.Duration
	client  *http.Client
}

type hostedGeneration struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	OutputURL string `json:"output_url"`
	Error     string `json:"error"`
}

func NewHosted(cfg HostedConfig) *Hosted {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}
	return &Hosted{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		poll:    poll,
		client:  newHTTPClient(cfg.HTTPTimeout),
	}
}

func (h *Hosted) ID() string      { return HostedID }
func (h *Hosted) Label() string   { return "Hosted generation API" }
func (h *Hosted) Tasks() []string { return []string{"text_to_image", "text_to_video"} }

func (h *Hosted) Available(context.Context) Availability {
	switch {
	case h.baseURL == "":
		return Unavailable("HOSTED_API_URL not configured")
	case h.apiKey == "":
		return Unavailable("HOSTED_API_KEY not configured")
	}
	return Ready()
}

func (h *Hosted) Validate(task, prompt string, _ map[string]any, _ []string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: hosted %s requires a prompt", domain.ErrInvalidParameters, task)
	}
	return nil
}

func (h *Hosted) Execute(ctx context.Context, e Execution) (Result, error) {
	if avail := h.Available(ctx); !avail.OK {
		return Result{}, fmt.Errorf("%w: %s", domain.ErrProviderUnavailable, avail.Reason)
	}

	var gen hostedGeneration
	request := map[string]any{
		"task":   e.Job.Task,
		"prompt": e.Job.Prompt,
		"params": e.Job.Params,
	}
	if err := doJSON(ctx, h.client, HostedID, http.MethodPost, h.baseURL+"/v1/generations", bearer(h.apiKey), request, &gen); err != nil {
		return Result{}, err
	}
	if gen.ID == "" {
		return Result{}, fmt.Errorf("hosted: response did not include a generation id")
	}
	fmt.Fprintf(logOf(e), "# hosted: generation %s %s\n", gen.ID, gen.Status)

	for gen.Status != "succeeded" {
		if gen.Status == "failed" {
			msg := gen.Error
			if msg == "" {
				msg = "generation failed"
			}
			return Result{}, fmt.Errorf("hosted: generation %s: %s", gen.ID, msg)
		}
		if err := sleepCtx(ctx, h.poll); err != nil {
			return Result{}, fmt.Errorf("hosted: waiting for generation %s: %w", gen.ID, err)
		}
		id := gen.ID
		if err := doJSON(ctx, h.client, HostedID, http.MethodGet, h.baseURL+"/v1/generations/"+url.PathEscape(id), bearer(h.apiKey), nil, &gen); err != nil {
			return Result{}, err
		}
		if gen.ID == "" {
			gen.ID = id
		}
	}
	if gen.OutputURL == "" {
		return Result{}, fmt.Errorf("hosted: generation %s succeeded without output_url", gen.ID)
	}

	tmp := filepath.Join(e.WorkDir, "download.part")
	contentType, err := download(ctx, h.client, HostedID, gen.OutputURL, nil, tmp)
	if err != nil {
		return Result{}, err
	}
	ext := strings.ToLower(path.Ext(urlPath(gen.OutputURL)))
	if ext == "" {
		ext = extForContentType(contentType)
	}
	role, err := roleForExt(ext)
	if err != nil {
		return Result{}, fmt.Errorf("hosted: %w", err)
	}
	dst := filepath.Join(e.WorkDir, role+ext)
	if err := renameFile(tmp, dst); err != nil {
		return Result{}, fmt.Errorf("hosted: save output: %w", err)
	}

	return Result{
		Outputs: map[string]string{role: dst},
		Meta:    map[string]any{"generation_id": gen.ID},
	}, nil
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}
