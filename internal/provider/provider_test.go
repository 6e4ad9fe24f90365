package provider

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/pipeline"
)

type writingRunner struct {
	steps []string
	fail  string
}

func (r *writingRunner) Run(_ context.Context, step pipeline.Step, _ io.Writer) error {
	r.steps = append(r.steps, step.Name)
	if step.Name == r.fail {
		return errors.New("boom")
	}
	for _, out := range step.ExpectedOutputs {
		if err := os.WriteFile(out, []byte("data"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

type staticProvider struct {
	id    string
	tasks []string
	avail Availability
}

func (p staticProvider) ID() string                             { return p.id }
func (p staticProvider) Label() string                          { return strings.ToUpper(p.id) }
func (p staticProvider) Tasks() []string                        { return p.tasks }
func (p staticProvider) Available(context.Context) Availability { return p.avail }
func (p staticProvider) Execute(context.Context, Execution) (Result, error) {
	return Result{}, nil
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry("mock")
	reg.Register(NewMock(pipeline.NewBuilder(pipeline.Options{}), &writingRunner{}, ""))
	reg.Register(staticProvider{id: "remote", tasks: []string{"text_to_image"}})

	p, err := reg.Resolve("", "ffmpeg_watermark")
	if err != nil {
		t.Fatalf("expected default provider to resolve, got %v", err)
	}
	if p.ID() != "mock" {
		t.Fatalf("expected mock, got %s", p.ID())
	}

	if _, err := reg.Resolve("mock", "ffmpeg_add_music"); err != nil {
		t.Fatalf("expected alias task to resolve, got %v", err)
	}
	if _, err := reg.Resolve("REMOTE", "Text_To_Image"); err != nil {
		t.Fatalf("expected case-insensitive resolve, got %v", err)
	}
	if _, err := reg.Resolve("nope", "text_to_image"); !errors.Is(err, domain.ErrProviderNotFound) {
		t.Fatalf("expected provider not found, got %v", err)
	}
	if _, err := reg.Resolve("remote", "ffmpeg_trim"); !errors.Is(err, domain.ErrUnsupportedTask) {
		t.Fatalf("expected unsupported task, got %v", err)
	}
}

func TestRegistryListReportsAvailability(t *testing.T) {
	reg := NewRegistry("a")
	reg.Register(staticProvider{id: "b", tasks: []string{"x"}, avail: Unavailable("missing %s", "token")})
	reg.Register(staticProvider{id: "a", tasks: []string{"y"}, avail: Ready()})

	infos, err := reg.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].ID != "a" || infos[1].ID != "b" {
		t.Fatalf("expected providers sorted by id, got %+v", infos)
	}
	if !infos[0].OK || infos[1].OK || infos[1].Reason != "missing token" {
		t.Fatalf("unexpected availability: %+v", infos)
	}
}

func TestMockExecuteRunsPlan(t *testing.T) {
	work := t.TempDir()
	r := &writingRunner{}
	mock := NewMock(pipeline.NewBuilder(pipeline.Options{}), r, "")

	job := domain.NewJob("job-1", domain.CreateJobRequest{
		Task:   "ffmpeg_watermark",
		Params: map[string]any{"pos": "br"},
		Inputs: []string{"in.mp4", "logo.png"},
	}, timeNow())
	res, err := mock.Execute(context.Background(), Execution{
		Job:     job,
		Inputs:  []string{filepath.Join(work, "in.mp4"), filepath.Join(work, "logo.png")},
		WorkDir: work,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(r.steps) != 1 {
		t.Fatalf("expected one step, got %v", r.steps)
	}
	video := res.Outputs[domain.OutputVideo]
	if filepath.Dir(video) != work {
		t.Fatalf("expected output in work dir, got %q", video)
	}
	if res.Meta["mode"] != pipeline.ModeWatermark {
		t.Fatalf("expected mode in meta, got %v", res.Meta)
	}
}

func TestMockValidate(t *testing.T) {
	mock := NewMock(pipeline.NewBuilder(pipeline.Options{}), &writingRunner{}, "")
	if err := mock.Validate("ffmpeg_trim", "", map[string]any{"start": 5, "end": 2}, []string{"a.mp4"}); !errors.Is(err, domain.ErrInvalidParameters) {
		t.Fatalf("expected invalid parameters, got %v", err)
	}
	if err := mock.Validate("ffmpeg_trim", "", map[string]any{"start": 1, "end": 2}, []string{"a.mp4"}); err != nil {
		t.Fatalf("expected valid trim, got %v", err)
	}
}

func TestMockUnavailableWithoutFFmpeg(t *testing.T) {
	mock := NewMock(pipeline.NewBuilder(pipeline.Options{}), &writingRunner{}, filepath.Join(t.TempDir(), "no-ffmpeg"))
	if avail := mock.Available(context.Background()); avail.OK {
		t.Fatal("expected mock to be unavailable without ffmpeg")
	}
}

func TestRoleForExt(t *testing.T) {
	cases := map[string]string{".png": domain.OutputImage, ".MP4": domain.OutputVideo, ".wav": domain.OutputAudio}
	for ext, want := range cases {
		got, err := roleForExt(ext)
		if err != nil || got != want {
			t.Fatalf("roleForExt(%q) = %q, %v; want %q", ext, got, err, want)
		}
	}
	if _, err := roleForExt(".bin"); err == nil {
		t.Fatal("expected unknown extension to be rejected")
	}
}
