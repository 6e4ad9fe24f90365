//go:build govips && cgo

package imaging

import (
	"fmt"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

func Startup() error {
	startupOnce.Do(func() {
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   128 * 1024 * 1024,
			MaxCacheSize:  100,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

var active backend = vipsBackend{}

type vipsBackend struct{}

func vipsFormat(data []byte) string {
	switch vips.DetermineImageType(data) {
	case vips.ImageTypeJPEG:
		return "jpeg"
	case vips.ImageTypePNG:
		return "png"
	case vips.ImageTypeWEBP:
		return "webp"
	case vips.ImageTypeGIF:
		return "gif"
	default:
		return "unknown"
	}
}

func (vipsBackend) inspect(data []byte) (Info, error) {
	_ = Startup()
	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer img.Close()
	return Info{Width: img.Width(), Height: img.Height(), Format: vipsFormat(data)}, nil
}

func (vipsBackend) thumbnail(data []byte, width int) ([]byte, Info, error) {
	_ = Startup()
	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, Info{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer img.Close()

	if img.Width() > width {
		if err := img.Resize(float64(width)/float64(img.Width()), vips.KernelLanczos3); err != nil {
			return nil, Info{}, fmt.Errorf("resize image: %w", err)
		}
	}

	params := vips.NewJpegExportParams()
	params.Quality = 80
	out, _, err := img.ExportJpeg(params)
	if err != nil {
		return nil, Info{}, fmt.Errorf("encode jpeg: %w", err)
	}
	return out, Info{Width: img.Width(), Height: img.Height(), Format: "jpeg"}, nil
}
