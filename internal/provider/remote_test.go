package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
)

func timeNow() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }

func TestComfyUIExecute(t *testing.T) {
	workflows := t.TempDir()
	workflow := `{"3":{"class_type":"KSampler","inputs":{"seed":"__SEED__","text":"__PROMPT__","width":"__WIDTH__"}}}`
	if err := os.WriteFile(filepath.Join(workflows, "text_to_image.json"), []byte(workflow), 0o644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}

	var (
		submitted map[string]any
		polls     atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/prompt":
			if err := json.NewDecoder(r.Body).Decode(&submitted); err != nil {
				t.Errorf("decode prompt: %v", err)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"prompt_id":"p-1"}`))
		case r.URL.Path == "/history/p-1":
			w.Header().Set("Content-Type", "application/json")
			if polls.Add(1) < 2 {
				_, _ = w.Write([]byte(`{}`))
				return
			}
			_, _ = w.Write([]byte(`{"p-1":{"outputs":{"9":{"images":[{"filename":"out_0001.png","subfolder":"","type":"output"}]}}}}`))
		case r.URL.Path == "/view":
			if r.URL.Query().Get("filename") != "out_0001.png" {
				t.Errorf("unexpected view query: %s", r.URL.RawQuery)
			}
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewComfyUI(ComfyUIConfig{BaseURL: srv.URL, WorkflowsDir: workflows, PollInterval: time.Millisecond})
	c.now = timeNow

	work := t.TempDir()
	job := domain.NewJob("job-c", domain.CreateJobRequest{
		Task:   "text_to_image",
		Prompt: `a "quoted" fox`,
		Params: map[string]any{"width": 512},
	}, timeNow())
	res, err := c.Execute(context.Background(), Execution{Job: job, WorkDir: work})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	inputs := submitted["prompt"].(map[string]any)["3"].(map[string]any)["inputs"].(map[string]any)
	if inputs["text"] != `a "quoted" fox` {
		t.Fatalf("expected prompt substituted verbatim, got %v", inputs["text"])
	}
	if inputs["width"] != float64(512) {
		t.Fatalf("expected numeric width, got %#v", inputs["width"])
	}
	if inputs["seed"] != float64(timeNow().Unix()) {
		t.Fatalf("expected clock seed, got %#v", inputs["seed"])
	}

	image := res.Outputs[domain.OutputImage]
	if raw, err := os.ReadFile(image); err != nil || string(raw) != "png-bytes" {
		t.Fatalf("expected downloaded image, got %q err=%v", raw, err)
	}
	if _, err := os.Stat(res.Outputs[domain.OutputHistory]); err != nil {
		t.Fatalf("expected history output: %v", err)
	}
	if res.Meta["prompt_id"] != "p-1" {
		t.Fatalf("expected prompt id in meta, got %v", res.Meta)
	}
}

func TestComfyUIMissingWorkflow(t *testing.T) {
	c := NewComfyUI(ComfyUIConfig{BaseURL: "http://127.0.0.1:1", WorkflowsDir: t.TempDir()})
	job := domain.NewJob("job-m", domain.CreateJobRequest{Task: "text_to_video"}, timeNow())
	_, err := c.Execute(context.Background(), Execution{Job: job, WorkDir: t.TempDir()})
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable for missing workflow, got %v", err)
	}
}

func TestComfyUIAvailability(t *testing.T) {
	if avail := NewComfyUI(ComfyUIConfig{}).Available(context.Background()); avail.OK {
		t.Fatal("expected unconfigured comfyui to be unavailable")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/system_stats" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	if avail := NewComfyUI(ComfyUIConfig{BaseURL: srv.URL}).Available(context.Background()); !avail.OK {
		t.Fatalf("expected comfyui available, got %+v", avail)
	}
}

func TestHuggingFaceExecute(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if r.URL.Path != "/org/model" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["inputs"] != "a lighthouse" {
			t.Errorf("unexpected inputs: %v", body["inputs"])
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	hf := NewHuggingFace(HuggingFaceConfig{Token: "hf_x", BaseURL: srv.URL, Models: map[string]string{"text_to_image": "org/model"}})
	job := domain.NewJob("job-h", domain.CreateJobRequest{Task: "text_to_image", Prompt: "a lighthouse"}, timeNow())
	res, err := hf.Execute(context.Background(), Execution{Job: job, WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if auth != "Bearer hf_x" {
		t.Fatalf("expected bearer token, got %q", auth)
	}
	if !strings.HasSuffix(res.Outputs[domain.OutputImage], "image.jpg") {
		t.Fatalf("expected jpg output, got %v", res.Outputs)
	}
}

func TestHuggingFaceUnavailableWithoutToken(t *testing.T) {
	hf := NewHuggingFace(HuggingFaceConfig{BaseURL: "http://example.invalid", Models: map[string]string{"text_to_image": "m"}})
	if avail := hf.Available(context.Background()); avail.OK || avail.Reason != "HF_TOKEN not configured" {
		t.Fatalf("expected missing token, got %+v", avail)
	}
	job := domain.NewJob("job-h", domain.CreateJobRequest{Task: "text_to_image", Prompt: "x"}, timeNow())
	if _, err := hf.Execute(context.Background(), Execution{Job: job, WorkDir: t.TempDir()}); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
}

func TestHostedExecutePollsUntilSucceeded(t *testing.T) {
	var polls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/out.mp4" && r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/generations":
			_, _ = w.Write([]byte(`{"id":"g-1","status":"queued"}`))
		case r.URL.Path == "/v1/generations/g-1":
			if polls.Add(1) < 3 {
				_, _ = w.Write([]byte(`{"id":"g-1","status":"running"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"g-1","status":"succeeded","output_url":"` + srv.URL + `/files/out.mp4"}`))
		case r.URL.Path == "/files/out.mp4":
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = w.Write([]byte("mp4-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h := NewHosted(HostedConfig{BaseURL: srv.URL, APIKey: "key", PollInterval: time.Millisecond})
	job := domain.NewJob("job-g", domain.CreateJobRequest{Task: "text_to_video", Prompt: "waves"}, timeNow())
	res, err := h.Execute(context.Background(), Execution{Job: job, WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasSuffix(res.Outputs[domain.OutputVideo], "video.mp4") {
		t.Fatalf("expected video output, got %v", res.Outputs)
	}
	if polls.Load() != 3 {
		t.Fatalf("expected three polls, got %d", polls.Load())
	}
}

func TestHostedGenerationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"g-2","status":"failed","error":"nsfw filter"}`))
	}))
	defer srv.Close()

	h := NewHosted(HostedConfig{BaseURL: srv.URL, APIKey: "key"})
	job := domain.NewJob("job-g", domain.CreateJobRequest{Task: "text_to_image", Prompt: "x"}, timeNow())
	_, err := h.Execute(context.Background(), Execution{Job: job, WorkDir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "nsfw filter") {
		t.Fatalf("expected remote failure message, got %v", err)
	}
}
