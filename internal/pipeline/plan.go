// Package pipeline turns a job's mode and parameters into the ordered
// subprocess steps that produce its artifacts. Nothing here executes.
package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/dunamismax/mediaflow/internal/domain"
)

type Options struct {
	FFmpegPath string
	FontFile   string
}

type Builder struct {
	ffmpeg   string
	fontFile string
}

func NewBuilder(opts Options) *Builder {
	ffmpeg := opts.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &Builder{ffmpeg: ffmpeg, fontFile: opts.FontFile}
}

// Request carries resolved (absolute) input paths and the scratch directory
// every step writes into.
type Request struct {
	Mode    string
	Prompt  string
	Params  map[string]any
	Inputs  []string
	WorkDir string
}

// File is a small side file the runner must write before the step starts.
type File struct {
	Path    string
	Content []byte
}

type Step struct {
	Name            string
	Executable      string
	Args            []string
	ExpectedOutputs []string
	Files           []File
	// Fallback renders the same outputs without burned-in captions. It is
	// tried when the step fails because drawtext has no usable font.
	Fallback *Step
}

// Plan.Outputs maps an output role to the path the last step leaves behind.
type Plan struct {
	Mode    string
	Steps   []Step
	Outputs map[string]string
}

type ParamError struct {
	Mode  string
	Field string
	Msg   string
}

func (e *ParamError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Mode, e.Msg)
	}
	return fmt.Sprintf("%s: invalid %s: %s", e.Mode, e.Field, e.Msg)
}

func (e *ParamError) Unwrap() error { return domain.ErrInvalidParameters }

// Validate checks parameters and input references without building steps.
// Callers use it before a job exists.
func Validate(mode, prompt string, params map[string]any, inputs []string) error {
	spec, err := Parse(mode, prompt, params)
	if err != nil {
		return err
	}
	return checkInputs(spec, inputs)
}

func (b *Builder) Build(req Request) (Plan, error) {
	spec, err := Parse(req.Mode, req.Prompt, req.Params)
	if err != nil {
		return Plan{}, err
	}
	if err := checkInputs(spec, req.Inputs); err != nil {
		return Plan{}, err
	}
	if req.WorkDir == "" {
		return Plan{}, fmt.Errorf("build %s: work dir is required", req.Mode)
	}

	var steps []Step
	role := domain.OutputVideo
	var out string

	switch s := spec.(type) {
	case MockVideoSpec:
		out = filepath.Join(req.WorkDir, "video."+s.Output.Container)
		steps = []Step{b.mockVideo(s, req.Inputs, out)}
	case MockAudioSpec:
		role = domain.OutputAudio
		out = filepath.Join(req.WorkDir, "audio.m4a")
		steps = []Step{b.mockAudio(s, out)}
	case MockImageSpec:
		role = domain.OutputImage
		out = filepath.Join(req.WorkDir, "image."+imageExt(s.Format))
		steps = []Step{b.mockImage(s, req.Inputs, out)}
	case TrimSpec:
		out = filepath.Join(req.WorkDir, "video."+s.Output.Container)
		steps = []Step{b.trim(s, req.Inputs[0], out)}
	case ConcatSpec:
		out = filepath.Join(req.WorkDir, "video."+s.Output.Container)
		steps = []Step{b.concat("concat", s.Output, req.Inputs, filepath.Join(req.WorkDir, "concat.txt"), out)}
	case MergeAudioSpec:
		out = filepath.Join(req.WorkDir, "video."+s.Output.Container)
		steps = []Step{b.mergeAudio(s, req.Inputs[0], req.Inputs[1], out)}
	case ExtractAudioSpec:
		role = domain.OutputAudio
		out = filepath.Join(req.WorkDir, "audio."+s.Ext)
		steps = []Step{b.extractAudio(s, req.Inputs[0], out)}
	case OverlayTextSpec:
		out = filepath.Join(req.WorkDir, "video."+s.Output.Container)
		steps = []Step{b.overlayText(s, req.Inputs[0], out)}
	case WatermarkSpec:
		out = filepath.Join(req.WorkDir, "video."+s.Output.Container)
		steps = []Step{b.watermark(s, req.Inputs[0], req.Inputs[1], out)}
	case BurnSubtitlesSpec:
		out = filepath.Join(req.WorkDir, "video."+s.Output.Container)
		steps = []Step{b.burnSubtitles(s, req.Inputs, req.WorkDir, out)}
	case FadeSpec:
		out = filepath.Join(req.WorkDir, "video."+s.Output.Container)
		steps = []Step{b.fade(s, req.Inputs[0], out)}
	case ResizeSpec:
		out = filepath.Join(req.WorkDir, "video."+s.Output.Container)
		steps = []Step{b.resize(s, req.Inputs[0], out)}
	case SlideshowSpec:
		out = filepath.Join(req.WorkDir, "video."+s.Output.Container)
		steps = b.slideshow(s, req.Inputs, req.WorkDir, out)
	case SpeedSpec:
		out = filepath.Join(req.WorkDir, "video."+s.Output.Container)
		steps = []Step{b.speed(s, req.Inputs[0], out)}
	default:
		return Plan{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedTask, req.Mode)
	}

	return Plan{
		Mode:    spec.Mode(),
		Steps:   steps,
		Outputs: map[string]string{role: out},
	}, nil
}
