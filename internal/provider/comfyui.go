package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/imaging"
	"github.com/google/uuid"
	"github.com/spf13/cast"
)

const ComfyUIID = "comfyui"

var comfyTasks = []string{"image_edit", "image_to_video", "image_upscale", "text_to_image", "text_to_video"}

var (
	intLiteral   = regexp.MustCompile(`^-?\d+$`)
	floatLiteral = regexp.MustCompile(`^-?\d+\.\d+$`)
)

type ComfyUIConfig struct {
	BaseURL      string
	WorkflowsDir string
	PollInterval time.Duration
	HTTPTimeout  time.Duration
}

// ComfyUI submits exported workflow graphs to a ComfyUI server. Workflows
// live in <WorkflowsDir>/<task>.json and carry __PLACEHOLDER__ strings.
type ComfyUI struct {
	baseURL      string
	workflowsDir string
	poll         time.Duration
	client       *http.Client
	now          func() time.Time
}

func NewComfyUI(cfg ComfyUIConfig) *ComfyUI {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &ComfyUI{
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		workflowsDir: cfg.WorkflowsDir,
		poll:         poll,
		client:       newHTTPClient(cfg.HTTPTimeout),
		now:          time.Now,
	}
}

func (c *ComfyUI) ID() string      { return ComfyUIID }
func (c *ComfyUI) Label() string   { return "ComfyUI (local workflows)" }
func (c *ComfyUI) Tasks() []string { return append([]string(nil), comfyTasks...) }

func (c *ComfyUI) Available(ctx context.Context) Availability {
	if c.baseURL == "" {
		return Unavailable("COMFYUI_URL not configured")
	}
	if err := doJSON(ctx, c.client, ComfyUIID, http.MethodGet, c.baseURL+"/system_stats", nil, nil, nil); err != nil {
		return Unavailable("%v", err)
	}
	return Ready()
}

type comfyPromptResponse struct {
	PromptID   string         `json:"prompt_id"`
	Error      any            `json:"error"`
	NodeErrors map[string]any `json:"node_errors"`
}

type comfyFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

func (c *ComfyUI) Execute(ctx context.Context, e Execution) (Result, error) {
	if c.baseURL == "" {
		return Result{}, fmt.Errorf("%w: COMFYUI_URL not configured", domain.ErrProviderUnavailable)
	}
	workflow, err := c.loadWorkflow(e.Job.Task)
	if err != nil {
		return Result{}, err
	}

	image := ""
	if len(e.Inputs) > 0 && imaging.IsImageExt(strings.ToLower(filepath.Ext(e.Inputs[0]))) {
		if image, err = c.uploadImage(ctx, e.Inputs[0]); err != nil {
			return Result{}, err
		}
		fmt.Fprintf(logOf(e), "# comfyui: uploaded %s as %s\n", filepath.Base(e.Inputs[0]), image)
	}

	graph := coerceNumbers(substitute(workflow, c.placeholders(e.Job.Prompt, e.Job.Params, image)))

	var submitted comfyPromptResponse
	payload := map[string]any{"prompt": graph, "client_id": uuid.NewString()}
	if err := doJSON(ctx, c.client, ComfyUIID, http.MethodPost, c.baseURL+"/prompt", nil, payload, &submitted); err != nil {
		return Result{}, err
	}
	if submitted.Error != nil || len(submitted.NodeErrors) > 0 {
		raw, _ := json.Marshal(submitted)
		return Result{}, fmt.Errorf("comfyui: workflow rejected: %s", raw)
	}
	if submitted.PromptID == "" {
		return Result{}, errors.New("comfyui: response did not include prompt_id")
	}
	fmt.Fprintf(logOf(e), "# comfyui: prompt %s queued\n", submitted.PromptID)

	history, entry, err := c.waitForHistory(ctx, submitted.PromptID)
	if err != nil {
		return Result{}, err
	}

	historyPath := filepath.Join(e.WorkDir, "history.json")
	if err := os.WriteFile(historyPath, history, 0o644); err != nil {
		return Result{}, fmt.Errorf("comfyui: save history: %w", err)
	}

	first, ok := firstOutput(entry)
	if !ok {
		return Result{}, errors.New("comfyui: workflow finished without outputs; check the SaveImage/SaveVideo nodes")
	}
	ext := strings.ToLower(filepath.Ext(first.Filename))
	role, err := roleForExt(ext)
	if err != nil {
		return Result{}, fmt.Errorf("comfyui: %w", err)
	}

	query := url.Values{}
	query.Set("filename", first.Filename)
	query.Set("subfolder", first.Subfolder)
	query.Set("type", first.Type)
	if first.Type == "" {
		query.Set("type", "output")
	}
	dst := filepath.Join(e.WorkDir, role+ext)
	if _, err := download(ctx, c.client, ComfyUIID, c.baseURL+"/view?"+query.Encode(), nil, dst); err != nil {
		return Result{}, err
	}

	return Result{
		Outputs: map[string]string{
			role:                 dst,
			domain.OutputHistory: historyPath,
		},
		Meta: map[string]any{
			"prompt_id":      submitted.PromptID,
			"comfy_filename": first.Filename,
			"comfy_workflow": e.Job.Task + ".json",
		},
	}, nil
}

func (c *ComfyUI) loadWorkflow(task string) (map[string]any, error) {
	if !Supports(c, task) {
		return nil, fmt.Errorf("%w: comfyui has no workflow for %q", domain.ErrUnsupportedTask, task)
	}
	path := filepath.Join(c.workflowsDir, strings.ToLower(task)+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: comfyui workflow %s not found; export it from ComfyUI in API format", domain.ErrProviderUnavailable, path)
		}
		return nil, fmt.Errorf("comfyui: read workflow: %w", err)
	}
	var workflow map[string]any
	if err := json.Unmarshal(raw, &workflow); err != nil {
		return nil, fmt.Errorf("comfyui: parse workflow %s: %w", filepath.Base(path), err)
	}
	return workflow, nil
}

func (c *ComfyUI) placeholders(prompt string, params map[string]any, image string) *strings.Replacer {
	seed := cast.ToInt64(params["seed"])
	if seed == 0 {
		seed = c.now().Unix()
	}
	width := positiveInt(params["width"], 1024)
	height := positiveInt(params["height"], 1024)
	fps := positiveInt(params["fps"], 24)
	duration := cast.ToFloat64(params["duration_s"])
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		duration = 6
	}
	frames := int(math.Round(float64(fps) * math.Max(0.1, duration)))
	if frames < 1 {
		frames = 1
	}

	return strings.NewReplacer(
		"__PROMPT__", prompt,
		"__SEED__", strconv.FormatInt(seed, 10),
		"__WIDTH__", strconv.Itoa(width),
		"__HEIGHT__", strconv.Itoa(height),
		"__FPS__", strconv.Itoa(fps),
		"__DURATION_S__", strconv.FormatFloat(duration, 'f', -1, 64),
		"__FRAMES__", strconv.Itoa(frames),
		"__IMAGE__", image,
	)
}

func positiveInt(v any, fallback int) int {
	n := cast.ToInt(v)
	if n <= 0 {
		return fallback
	}
	return n
}

func (c *ComfyUI) uploadImage(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("comfyui: open input: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("comfyui: build upload: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("comfyui: build upload: %w", err)
	}
	_ = mw.WriteField("overwrite", "true")
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("comfyui: build upload: %w", err)
	}

	endpoint := c.baseURL + "/upload/image"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("comfyui: build upload: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("comfyui: upload image: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(ComfyUIID, endpoint, resp); err != nil {
		return "", err
	}

	var uploaded struct {
		Name     string `json:"name"`
		Filename string `json:"filename"`
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&uploaded)
	}
	switch {
	case uploaded.Name != "":
		return uploaded.Name, nil
	case uploaded.Filename != "":
		return uploaded.Filename, nil
	default:
		return filepath.Base(path), nil
	}
}

// waitForHistory polls /history/{id} until the prompt shows up there. The
// caller's context bounds the wait.
func (c *ComfyUI) waitForHistory(ctx context.Context, promptID string) ([]byte, map[string]any, error) {
	endpoint := c.baseURL + "/history/" + url.PathEscape(promptID)
	for {
		var history map[string]json.RawMessage
		err := doJSON(ctx, c.client, ComfyUIID, http.MethodGet, endpoint, nil, nil, &history)
		if err != nil && ctx.Err() != nil {
			return nil, nil, fmt.Errorf("comfyui: waiting for prompt %s: %w", promptID, ctx.Err())
		}
		if err == nil {
			if raw, ok := history[promptID]; ok {
				var entry map[string]any
				if err := json.Unmarshal(raw, &entry); err != nil {
					return nil, nil, fmt.Errorf("comfyui: decode history: %w", err)
				}
				pretty, _ := json.MarshalIndent(history, "", "  ")
				return pretty, entry, nil
			}
		}
		if err := sleepCtx(ctx, c.poll); err != nil {
			return nil, nil, fmt.Errorf("comfyui: waiting for prompt %s: %w", promptID, err)
		}
	}
}

func firstOutput(entry map[string]any) (comfyFile, bool) {
	outputs, _ := entry["outputs"].(map[string]any)
	nodes := make([]string, 0, len(outputs))
	for id := range outputs {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	for _, id := range nodes {
		node, _ := outputs[id].(map[string]any)
		for _, key := range []string{"images", "gifs", "videos"} {
			items, _ := node[key].([]any)
			for _, item := range items {
				desc, _ := item.(map[string]any)
				name := cast.ToString(desc["filename"])
				if name == "" {
					continue
				}
				return comfyFile{
					Filename:  name,
					Subfolder: cast.ToString(desc["subfolder"]),
					Type:      cast.ToString(desc["type"]),
				}, true
			}
		}
	}
	return comfyFile{}, false
}

func substitute(v any, r *strings.Replacer) any {
	switch t := v.(type) {
	case string:
		return r.Replace(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = substitute(item, r)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = substitute(item, r)
		}
		return out
	default:
		return v
	}
}

// coerceNumbers turns numeric-looking strings back into numbers so
// placeholders written as "__WIDTH__" validate in ComfyUI after substitution.
func coerceNumbers(v any) any {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if intLiteral.MatchString(s) {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
		}
		if floatLiteral.MatchString(s) {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
		return t
	case []any:
		for i := range t {
			t[i] = coerceNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = coerceNumbers(t[k])
		}
		return t
	default:
		return v
	}
}
