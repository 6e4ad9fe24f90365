package pipeline

import (
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cast"
)

// paramReader coerces loosely typed JSON params. A key that is absent, null
// or a blank string counts as missing; an explicit zero does not.
type paramReader struct {
	mode   string
	values map[string]any
}

func (p paramReader) invalid(field, msg string) error {
	return &ParamError{Mode: p.mode, Field: field, Msg: msg}
}

func (p paramReader) present(key string) bool {
	v, ok := p.values[key]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return false
	}
	return true
}

func (p paramReader) str(key, fallback string) string {
	if !p.present(key) {
		return fallback
	}
	return strings.TrimSpace(cast.ToString(p.values[key]))
}

func (p paramReader) float(key string, fallback float64) (float64, error) {
	if !p.present(key) {
		return fallback, nil
	}
	v, err := cast.ToFloat64E(p.values[key])
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, p.invalid(key, "must be a number")
	}
	return v, nil
}

func (p paramReader) int(key string, fallback int) (int, error) {
	if !p.present(key) {
		return fallback, nil
	}
	f, err := p.float(key, 0)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, p.invalid(key, "must be a whole number")
	}
	return int(f), nil
}

func (p paramReader) bool(key string, fallback bool) (bool, error) {
	if !p.present(key) {
		return fallback, nil
	}
	v, err := cast.ToBoolE(p.values[key])
	if err != nil {
		return false, p.invalid(key, "must be a boolean")
	}
	return v, nil
}

func (p paramReader) fps() (int, error) {
	fps, err := p.int("fps", defaultFPS)
	if err != nil {
		return 0, err
	}
	if fps <= 0 || fps > maxFPS {
		return 0, p.invalid("fps", fmt.Sprintf("must be within [1, %d]", maxFPS))
	}
	return fps, nil
}

// dimension returns 0 when key is missing.
func (p paramReader) dimension(key string) (int, error) {
	v, err := p.int(key, 0)
	if err != nil {
		return 0, err
	}
	if p.present(key) && (v < minDimension || v > maxDimension) {
		return 0, p.invalid(key, fmt.Sprintf("must be within [%d, %d]", minDimension, maxDimension))
	}
	// libx264 with yuv420p needs even dimensions.
	return v &^ 1, nil
}

// frameSize resolves width/height, falling back to the aspect preset for
// any dimension that is missing.
func (p paramReader) frameSize(defaultAspect string) (int, int, error) {
	aspect := p.str("aspect", defaultAspect)
	preset, ok := aspectPresets[aspect]
	if !ok {
		return 0, 0, p.invalid("aspect", "must be one of 16:9, 9:16, 1:1")
	}
	w, err := p.dimension("width")
	if err != nil {
		return 0, 0, err
	}
	h, err := p.dimension("height")
	if err != nil {
		return 0, 0, err
	}
	if w == 0 {
		w = preset[0]
	}
	if h == 0 {
		h = preset[1]
	}
	return w, h, nil
}

func (p paramReader) position(key, fallback string) (string, error) {
	if !p.present(key) {
		return fallback, nil
	}
	switch v := p.values[key].(type) {
	case string:
		expr := strings.TrimSpace(v)
		if !positionExpr.MatchString(expr) {
			return "", p.invalid(key, "must be a number or a simple expression over w, h, text_w, text_h")
		}
		return expr, nil
	default:
		n, err := p.int(key, 0)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", n), nil
	}
}

var containers = map[string]bool{"mp4": true, "mov": true, "mkv": true, "webm": true}

func (p paramReader) videoOutput() (VideoOutput, error) {
	container := strings.TrimPrefix(strings.ToLower(p.str("output_format", "mp4")), ".")
	if !containers[container] {
		return VideoOutput{}, p.invalid("output_format", "must be one of mp4, mov, mkv, webm")
	}
	out := VideoOutput{Container: container, CRF: 23}
	q, err := p.quality()
	if err != nil {
		return VideoOutput{}, err
	}
	if q > 0 {
		out.CRF = qualityToCRF(q)
	}
	return out, nil
}

// quality returns 0 when the key is missing.
func (p paramReader) quality() (int, error) {
	q, err := p.int("quality", 0)
	if err != nil {
		return 0, err
	}
	if p.present("quality") && (q < 1 || q > 100) {
		return 0, p.invalid("quality", "must be within [1, 100]")
	}
	return q, nil
}

// qualityToCRF maps 100 to CRF 18 and 1 to CRF 51.
func qualityToCRF(q int) int {
	return 18 + (100-q)*33/99
}
