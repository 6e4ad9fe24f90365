//go:build !govips || !cgo

package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

func Startup() error { return nil }

func Shutdown() {}

var active backend = stdBackend{}

type stdBackend struct{}

func (stdBackend) inspect(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return Info{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

func (stdBackend) thumbnail(data []byte, width int) ([]byte, Info, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, Info{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, Info{}, fmt.Errorf("source image has invalid dimensions")
	}
	w := min(width, b.Dx())
	h := max(1, b.Dy()*w/b.Dx())

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, Info{}, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), Info{Width: w, Height: h, Format: "jpeg"}, nil
}
