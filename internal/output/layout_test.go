package output

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dunamismax/mediaflow/internal/domain"
)

func newTestLayout(t *testing.T) *Layout {
	t.Helper()
	root := t.TempDir()
	l, err := NewLayout(filepath.Join(root, "outputs"), filepath.Join(root, "uploads"))
	if err != nil {
		t.Fatalf("new layout: %v", err)
	}
	return l
}

func TestPublishMovesOutputsIntoJobDir(t *testing.T) {
	l := newTestLayout(t)
	work, err := l.PrepareWork("job-1")
	if err != nil {
		t.Fatalf("prepare work: %v", err)
	}
	video := filepath.Join(work, "video.mp4")
	if err := os.WriteFile(video, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	published, err := l.Publish("job-1", map[string]string{domain.OutputVideo: video})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if published[domain.OutputVideo] != "video.mp4" {
		t.Fatalf("expected relative name, got %v", published)
	}
	if _, err := os.Stat(filepath.Join(l.JobDir("job-1"), "video.mp4")); err != nil {
		t.Fatalf("expected published file: %v", err)
	}
	if err := l.Discard("job-1"); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := os.Stat(work); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected work dir removed, got %v", err)
	}
}

func TestPublishAvoidsNameCollisions(t *testing.T) {
	l := newTestLayout(t)
	work, _ := l.PrepareWork("job-2")
	a := filepath.Join(work, "a", "out.png")
	b := filepath.Join(work, "b", "out.png")
	for _, p := range []string{a, b} {
		_ = os.MkdirAll(filepath.Dir(p), 0o755)
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	published, err := l.Publish("job-2", map[string]string{"image": a, "thumbnail": b})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if published["image"] != "out.png" || published["thumbnail"] != "thumbnail_out.png" {
		t.Fatalf("unexpected names %v", published)
	}
}

func TestResolveInput(t *testing.T) {
	l := newTestLayout(t)
	if err := os.WriteFile(filepath.Join(l.Uploads(), "clip.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	path, err := l.ResolveInput("clip.mp4")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if path != filepath.Join(l.Uploads(), "clip.mp4") {
		t.Fatalf("unexpected path %s", path)
	}

	for _, ref := range []string{"../secret", "/etc/passwd", "a/../../b", "missing.mp4", "jobs/job-1"} {
		if _, err := l.ResolveInput(ref); !errors.Is(err, domain.ErrInvalidParameters) {
			t.Fatalf("ref %q: expected invalid parameters, got %v", ref, err)
		}
	}
}

func TestResolveInputFromEarlierJob(t *testing.T) {
	l := newTestLayout(t)
	_ = os.MkdirAll(l.JobDir("job-9"), 0o755)
	if err := os.WriteFile(filepath.Join(l.JobDir("job-9"), "video.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	path, err := l.ResolveInput("jobs/job-9/video.mp4")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join("job-9", "video.mp4")) {
		t.Fatalf("unexpected path %s", path)
	}
}

func TestArtifactPathRejectsTraversal(t *testing.T) {
	l := newTestLayout(t)
	for _, name := range []string{"../job.log", "a/b", "", ".."} {
		if _, err := l.ArtifactPath("job-1", name); !errors.Is(err, ErrUnsafePath) {
			t.Fatalf("name %q: expected unsafe path, got %v", name, err)
		}
	}
	if _, err := l.ArtifactPath("../x", "video.mp4"); !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("expected unsafe job id, got %v", err)
	}
}

func TestSaveUpload(t *testing.T) {
	l := newTestLayout(t)
	ref, err := l.SaveUpload("../../My Clip (1).mp4", strings.NewReader("video"))
	if err != nil {
		t.Fatalf("save upload: %v", err)
	}
	if strings.Contains(ref, "/") || !strings.HasSuffix(ref, "_My_Clip_1_.mp4") {
		t.Fatalf("unexpected ref %q", ref)
	}
	if _, err := l.ResolveInput(ref); err != nil {
		t.Fatalf("resolve saved upload: %v", err)
	}
}
