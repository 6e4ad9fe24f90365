package imaging

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create png: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.png")
	writePNG(t, src, 64, 32)

	info, err := Inspect(context.Background(), src)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.Width != 64 || info.Height != 32 || info.Format != "png" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestThumbnail(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.png")
	dst := filepath.Join(dir, "thumbs", "thumb.jpg")
	writePNG(t, src, 200, 100)

	info, err := Thumbnail(context.Background(), src, dst, 50)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	if info.Width != 50 || info.Height != 25 {
		t.Fatalf("expected 50x25, got %dx%d", info.Width, info.Height)
	}
	got, err := Inspect(context.Background(), dst)
	if err != nil {
		t.Fatalf("inspect thumbnail: %v", err)
	}
	if got.Format != "jpeg" {
		t.Fatalf("expected jpeg thumbnail, got %s", got.Format)
	}
}

func TestInspectRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.png")
	if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Inspect(context.Background(), path); err == nil {
		t.Fatal("expected decode error")
	}
}
