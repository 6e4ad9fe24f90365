package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
)

const HuggingFaceID = "huggingface"

// Parameters forwarded to the inference API; everything else stays local.
var hfParamKeys = []string{"negative_prompt", "guidance_scale", "num_inference_steps", "width", "height", "seed", "strength"}

type HuggingFaceConfig struct {
	Token       string
	BaseURL     string
	Models      map[string]string
	HTTPTimeout time.Duration
}

type HuggingFace struct {
	token   string
	baseURL string
	models  map[string]string
	client  *http.Client
}

func NewHuggingFace(cfg HuggingFaceConfig) *HuggingFace {
	models := make(map[string]string, len(cfg.Models))
	for task, model := range cfg.Models {
		if model = strings.TrimSpace(model); model != "" {
			models[strings.ToLower(task)] = model
		}
	}
	return &HuggingFace{
		token:   strings.TrimSpace(cfg.Token),
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		models:  models,
		client:  newHTTPClient(cfg.HTTPTimeout),
	}
}

func (h *HuggingFace) ID() string    { return HuggingFaceID }
func (h *HuggingFace) Label() string { return "Hugging Face Inference API" }

func (h *HuggingFace) Tasks() []string {
	tasks := make([]string, 0, len(h.models))
	for task := range h.models {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	return tasks
}

func (h *HuggingFace) Available(context.Context) Availability {
	switch {
	case h.token == "":
		return Unavailable("HF_TOKEN not configured")
	case h.baseURL == "":
		return Unavailable("HF_BASE_URL not configured")
	case len(h.models) == 0:
		return Unavailable("no models configured")
	}
	return Ready()
}

func (h *HuggingFace) Validate(task, prompt string, _ map[string]any, inputs []string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: huggingface %s requires a prompt", domain.ErrInvalidParameters, task)
	}
	if strings.EqualFold(task, "image_edit") && len(inputs) != 1 {
		return fmt.Errorf("%w: huggingface image_edit requires exactly one input image", domain.ErrInvalidParameters)
	}
	return nil
}

func (h *HuggingFace) Execute(ctx context.Context, e Execution) (Result, error) {
	if avail := h.Available(ctx); !avail.OK {
		return Result{}, fmt.Errorf("%w: %s", domain.ErrProviderUnavailable, avail.Reason)
	}
	task := strings.ToLower(e.Job.Task)
	model, ok := h.models[task]
	if !ok {
		return Result{}, fmt.Errorf("%w: no huggingface model for %q", domain.ErrUnsupportedTask, task)
	}

	parameters := map[string]any{}
	for _, key := range hfParamKeys {
		if v, ok := e.Job.Params[key]; ok {
			parameters[key] = v
		}
	}
	payload := map[string]any{"inputs": e.Job.Prompt}
	if len(e.Inputs) > 0 {
		raw, err := os.ReadFile(e.Inputs[0])
		if err != nil {
			return Result{}, fmt.Errorf("huggingface: read input: %w", err)
		}
		payload["inputs"] = base64.StdEncoding.EncodeToString(raw)
		parameters["prompt"] = e.Job.Prompt
	}
	if len(parameters) > 0 {
		payload["parameters"] = parameters
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("huggingface: marshal request: %w", err)
	}

	endpoint := h.baseURL + "/" + model
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("huggingface: build request: %w", err)
	}
	req.Header = bearer(h.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")
	fmt.Fprintf(logOf(e), "# huggingface: POST %s\n", endpoint)

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("huggingface: %s: %w", model, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(HuggingFaceID, endpoint, resp); err != nil {
		return Result{}, err
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Result{}, fmt.Errorf("huggingface: %s returned %q instead of an image: %s", model, contentType, strings.TrimSpace(string(raw)))
	}
	ext := extForContentType(contentType)
	if ext == "" {
		ext = ".png"
	}
	dst := filepath.Join(e.WorkDir, domain.OutputImage+ext)
	if err := writeFile(dst, resp.Body); err != nil {
		return Result{}, fmt.Errorf("huggingface: save image: %w", err)
	}

	return Result{
		Outputs: map[string]string{domain.OutputImage: dst},
		Meta:    map[string]any{"model": model},
	}, nil
}
