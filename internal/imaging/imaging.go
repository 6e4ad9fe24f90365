// Package imaging inspects image artifacts and renders preview thumbnails.
// The default build decodes with the standard library plus x/image; building
// with -tags govips (cgo required) switches to libvips.
package imaging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

type Info struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

type backend interface {
	inspect(data []byte) (Info, error)
	thumbnail(data []byte, width int) ([]byte, Info, error)
}

// Inspect reports the dimensions and format of the image at path.
func Inspect(ctx context.Context, path string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("read image: %w", err)
	}
	return active.inspect(data)
}

// Thumbnail writes a JPEG preview of src, at most width pixels wide, to dst.
func Thumbnail(ctx context.Context, src, dst string, width int) (Info, error) {
	if width <= 0 {
		return Info{}, fmt.Errorf("thumbnail width must be > 0")
	}
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return Info{}, fmt.Errorf("read image: %w", err)
	}
	out, info, err := active.thumbnail(data, width)
	if err != nil {
		return Info{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Info{}, fmt.Errorf("create thumbnail dir: %w", err)
	}
	if err := os.WriteFile(dst, out, 0o644); err != nil {
		return Info{}, fmt.Errorf("write thumbnail: %w", err)
	}
	return info, nil
}

func IsImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif", ".bmp":
		return true
	}
	return false
}
