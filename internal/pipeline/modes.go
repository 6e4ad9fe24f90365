package pipeline

import (
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/dunamismax/mediaflow/internal/domain"
)

const (
	ModeMockTextToVideo  = "mock_text_to_video"
	ModeMockImageToVideo = "mock_image_to_video"
	ModeMockVoiceover    = "mock_voiceover"
	ModeMockTextToImage  = "mock_text_to_image"
	ModeMockImageEdit    = "mock_image_edit"
	ModeMockImageUpscale = "mock_image_upscale"
	ModeTrim             = "ffmpeg_trim"
	ModeConcat           = "ffmpeg_concat"
	ModeMergeAudio       = "ffmpeg_merge_audio"
	ModeExtractAudio     = "ffmpeg_extract_audio"
	ModeOverlayText      = "ffmpeg_overlay_text"
	ModeWatermark        = "ffmpeg_watermark"
	ModeBurnSubtitles    = "ffmpeg_burn_subtitles"
	ModeFade             = "ffmpeg_fade"
	ModeResize           = "ffmpeg_resize"
	ModeSlideshow        = "ffmpeg_slideshow"
	ModeSpeed            = "ffmpeg_speed"
)

// Generative task names and the placeholder mode that stands in for them.
var taskModes = map[string]string{
	"text_to_video":  ModeMockTextToVideo,
	"image_to_video": ModeMockImageToVideo,
	"voiceover":      ModeMockVoiceover,
	"text_to_image":  ModeMockTextToImage,
	"image_edit":     ModeMockImageEdit,
	"image_upscale":  ModeMockImageUpscale,
}

// Aliases kept for older clients.
var modeAliases = map[string]string{
	"ffmpeg_add_music": ModeMergeAudio,
	"ffmpeg_burn_srt":  ModeBurnSubtitles,
}

var allModes = []string{
	ModeMockTextToVideo, ModeMockImageToVideo, ModeMockVoiceover,
	ModeMockTextToImage, ModeMockImageEdit, ModeMockImageUpscale,
	ModeTrim, ModeConcat, ModeMergeAudio, ModeExtractAudio, ModeOverlayText,
	ModeWatermark, ModeBurnSubtitles, ModeFade, ModeResize, ModeSlideshow, ModeSpeed,
}

// ModeForTask maps a task name to the pipeline mode that implements it.
func ModeForTask(task string) (string, bool) {
	task = strings.ToLower(strings.TrimSpace(task))
	if mode, ok := taskModes[task]; ok {
		return mode, true
	}
	if mode, ok := modeAliases[task]; ok {
		return mode, true
	}
	for _, m := range allModes {
		if m == task {
			return m, true
		}
	}
	return "", false
}

// Tasks lists every task name the builder can serve, sorted.
func Tasks() []string {
	out := make([]string, 0, len(taskModes)+len(allModes))
	for task := range taskModes {
		out = append(out, task)
	}
	out = append(out, allModes...)
	sort.Strings(out)
	return out
}

// Spec is the typed, validated parameter set for one mode.
type Spec interface {
	Mode() string
}

type VideoOutput struct {
	Container string
	CRF       int
}

type MockVideoSpec struct {
	mode     string
	Duration float64
	FPS      int
	Width    int
	Height   int
	Caption  string
	Output   VideoOutput
}

type MockAudioSpec struct {
	Duration  float64
	Frequency int
	Quality   int
}

type MockImageSpec struct {
	mode    string
	Width   int
	Height  int
	Scale   int
	Format  string
	Quality int
	Caption string
}

type TrimSpec struct {
	Start  float64
	End    float64
	Output VideoOutput
}

type ConcatSpec struct {
	Output VideoOutput
}

type MergeAudioSpec struct {
	Volume   float64
	Shortest bool
	Output   VideoOutput
}

type ExtractAudioSpec struct {
	Ext     string
	Quality int
}

type OverlayTextSpec struct {
	Text     string
	X        string
	Y        string
	FontSize int
	Box      bool
	Output   VideoOutput
}

type WatermarkSpec struct {
	Position string
	ScaleW   int
	Margin   int
	Opacity  float64
	Output   VideoOutput
}

type BurnSubtitlesSpec struct {
	Script string
	Output VideoOutput
}

type FadeSpec struct {
	In       float64
	Out      float64
	Duration float64
	Output   VideoOutput
}

type ResizeSpec struct {
	Width  int
	Height int
	Output VideoOutput
}

type SlideshowSpec struct {
	DurEach float64
	FPS     int
	Width   int
	Height  int
	Output  VideoOutput
}

type SpeedSpec struct {
	Speed  float64
	Audio  bool
	Output VideoOutput
}

func (s MockVideoSpec) Mode() string     { return s.mode }
func (MockAudioSpec) Mode() string       { return ModeMockVoiceover }
func (s MockImageSpec) Mode() string     { return s.mode }
func (TrimSpec) Mode() string            { return ModeTrim }
func (ConcatSpec) Mode() string          { return ModeConcat }
func (MergeAudioSpec) Mode() string      { return ModeMergeAudio }
func (ExtractAudioSpec) Mode() string    { return ModeExtractAudio }
func (OverlayTextSpec) Mode() string     { return ModeOverlayText }
func (WatermarkSpec) Mode() string       { return ModeWatermark }
func (BurnSubtitlesSpec) Mode() string   { return ModeBurnSubtitles }
func (FadeSpec) Mode() string            { return ModeFade }
func (ResizeSpec) Mode() string          { return ModeResize }
func (SlideshowSpec) Mode() string       { return ModeSlideshow }
func (SpeedSpec) Mode() string           { return ModeSpeed }

const (
	defaultMockDuration = 6
	maxMockDuration     = 60
	defaultFPS          = 24
	maxFPS              = 120
	minDimension        = 16
	maxDimension        = 7680
)

var (
	aspectPresets = map[string][2]int{
		"16:9": {1280, 720},
		"9:16": {720, 1280},
		"1:1":  {1024, 1024},
	}
	positionAliases = map[string]string{
		"tl": "tl", "top-left": "tl", "top_left": "tl", "topleft": "tl",
		"tr": "tr", "top-right": "tr", "top_right": "tr", "topright": "tr",
		"bl": "bl", "bottom-left": "bl", "bottom_left": "bl", "bottomleft": "bl",
		"br": "br", "bottom-right": "br", "bottom_right": "br", "bottomright": "br",
	}
	audioExts = map[string]bool{"mp3": true, "m4a": true, "wav": true, "flac": true, "ogg": true}
	// Screen-relative drawtext expressions: arithmetic over known variables only.
	positionExpr = regexp.MustCompile(`^(?:[0-9.+\-*/() ]|\b(?:w|h|W|H|tw|th|text_w|text_h|main_w|main_h|line_h|lh)\b)+$`)
)

// Parse validates params for mode and returns its typed spec.
func Parse(mode, prompt string, params map[string]any) (Spec, error) {
	resolved, ok := ModeForTask(mode)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedTask, mode)
	}
	p := paramReader{mode: resolved, values: params}

	switch resolved {
	case ModeMockTextToVideo, ModeMockImageToVideo:
		return parseMockVideo(p, resolved, prompt)
	case ModeMockVoiceover:
		return parseMockAudio(p)
	case ModeMockTextToImage, ModeMockImageEdit, ModeMockImageUpscale:
		return parseMockImage(p, resolved, prompt)
	case ModeTrim:
		return parseTrim(p)
	case ModeConcat:
		out, err := p.videoOutput()
		return ConcatSpec{Output: out}, err
	case ModeMergeAudio:
		return parseMergeAudio(p)
	case ModeExtractAudio:
		ext := strings.TrimPrefix(strings.ToLower(p.str("audio_ext", "m4a")), ".")
		if !audioExts[ext] {
			return nil, p.invalid("audio_ext", "must be one of mp3, m4a, wav, flac, ogg")
		}
		q, err := p.quality()
		if err != nil {
			return nil, err
		}
		return ExtractAudioSpec{Ext: ext, Quality: q}, nil
	case ModeOverlayText:
		return parseOverlayText(p, prompt)
	case ModeWatermark:
		return parseWatermark(p)
	case ModeBurnSubtitles:
		out, err := p.videoOutput()
		return BurnSubtitlesSpec{Script: strings.TrimSpace(prompt), Output: out}, err
	case ModeFade:
		return parseFade(p)
	case ModeResize:
		return parseResize(p)
	case ModeSlideshow:
		return parseSlideshow(p)
	case ModeSpeed:
		return parseSpeed(p)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedTask, mode)
}

func parseMockVideo(p paramReader, mode, prompt string) (Spec, error) {
	duration, err := p.float("duration", defaultMockDuration)
	if err != nil {
		return nil, err
	}
	duration = math.Min(maxMockDuration, math.Max(1, duration))

	fps, err := p.fps()
	if err != nil {
		return nil, err
	}
	w, h, err := p.frameSize("16:9")
	if err != nil {
		return nil, err
	}
	out, err := p.videoOutput()
	if err != nil {
		return nil, err
	}
	return MockVideoSpec{
		mode:     mode,
		Duration: duration,
		FPS:      fps,
		Width:    w,
		Height:   h,
		Caption:  captionOr(prompt, "MOCK "+strings.TrimPrefix(mode, "mock_")),
		Output:   out,
	}, nil
}

func parseMockAudio(p paramReader) (Spec, error) {
	duration, err := p.float("duration", defaultMockDuration)
	if err != nil {
		return nil, err
	}
	freq, err := p.int("frequency", 440)
	if err != nil {
		return nil, err
	}
	if freq < 20 || freq > 20000 {
		return nil, p.invalid("frequency", "must be within [20, 20000]")
	}
	q, err := p.quality()
	if err != nil {
		return nil, err
	}
	return MockAudioSpec{
		Duration:  math.Min(maxMockDuration, math.Max(1, duration)),
		Frequency: freq,
		Quality:   q,
	}, nil
}

func parseMockImage(p paramReader, mode, prompt string) (Spec, error) {
	var (
		w, h int
		err  error
	)
	if mode == ModeMockTextToImage || p.present("width") || p.present("height") || p.present("aspect") {
		w, h, err = p.frameSize("1:1")
		if err != nil {
			return nil, err
		}
	}

	defaultProfile := "standard"
	if mode == ModeMockImageUpscale {
		defaultProfile = "ultra"
	}
	scale := 1
	switch strings.ToLower(p.str("quality_profile", defaultProfile)) {
	case "standard", "":
	case "high":
		scale = 2
	case "ultra":
		scale = 3
	default:
		return nil, p.invalid("quality_profile", "must be one of standard, high, ultra")
	}
	if w*scale > maxDimension || h*scale > maxDimension {
		return nil, p.invalid("quality_profile", fmt.Sprintf("scaled size exceeds %d", maxDimension))
	}

	format := strings.ToLower(p.str("output_format", "jpeg"))
	switch format {
	case "jpg", "jpeg":
		format = "jpeg"
	case "png", "webp":
	default:
		return nil, p.invalid("output_format", "must be one of jpeg, png, webp")
	}
	q, err := p.quality()
	if err != nil {
		return nil, err
	}

	return MockImageSpec{
		mode:    mode,
		Width:   w,
		Height:  h,
		Scale:   scale,
		Format:  format,
		Quality: q,
		Caption: captionOr(prompt, "MOCK "+strings.TrimPrefix(mode, "mock_")),
	}, nil
}

func parseTrim(p paramReader) (Spec, error) {
	start, err := p.float("start", 0)
	if err != nil {
		return nil, err
	}
	if start < 0 {
		return nil, p.invalid("start", "must be >= 0")
	}

	var end float64
	switch {
	case p.present("end"):
		if end, err = p.float("end", 0); err != nil {
			return nil, err
		}
	case p.present("duration"):
		d, err := p.float("duration", 0)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, p.invalid("duration", "must be > 0")
		}
		end = start + d
	default:
		return nil, p.invalid("end", "one of end or duration is required")
	}
	if end <= start {
		return nil, p.invalid("end", "must be greater than start")
	}

	out, err := p.videoOutput()
	if err != nil {
		return nil, err
	}
	return TrimSpec{Start: roundMillis(start), End: roundMillis(end), Output: out}, nil
}

func parseMergeAudio(p paramReader) (Spec, error) {
	volume, err := p.float("volume", 1)
	if err != nil {
		return nil, err
	}
	if volume <= 0 || volume > 4 {
		return nil, p.invalid("volume", "must be within (0, 4]")
	}
	shortest, err := p.bool("shortest", true)
	if err != nil {
		return nil, err
	}
	out, err := p.videoOutput()
	if err != nil {
		return nil, err
	}
	return MergeAudioSpec{Volume: volume, Shortest: shortest, Output: out}, nil
}

func parseOverlayText(p paramReader, prompt string) (Spec, error) {
	text := strings.TrimSpace(p.str("text", prompt))
	if text == "" {
		return nil, p.invalid("text", "is required (or supply a prompt)")
	}
	x, err := p.position("x", "(w-text_w)/2")
	if err != nil {
		return nil, err
	}
	y, err := p.position("y", "h-text_h-40")
	if err != nil {
		return nil, err
	}
	fontSize, err := p.int("fontsize", 36)
	if err != nil {
		return nil, err
	}
	if fontSize < 6 || fontSize > 512 {
		return nil, p.invalid("fontsize", "must be within [6, 512]")
	}
	box, err := p.bool("box", true)
	if err != nil {
		return nil, err
	}
	out, err := p.videoOutput()
	if err != nil {
		return nil, err
	}
	return OverlayTextSpec{Text: text, X: x, Y: y, FontSize: fontSize, Box: box, Output: out}, nil
}

func parseWatermark(p paramReader) (Spec, error) {
	pos, ok := positionAliases[strings.ToLower(p.str("pos", "br"))]
	if !ok {
		return nil, p.invalid("pos", "must be one of tl, tr, bl, br")
	}
	scaleW, err := p.int("scale_w", 160)
	if err != nil {
		return nil, err
	}
	if scaleW < 1 || scaleW > maxDimension {
		return nil, p.invalid("scale_w", fmt.Sprintf("must be within [1, %d]", maxDimension))
	}
	margin, err := p.int("margin", 20)
	if err != nil {
		return nil, err
	}
	if margin < 0 || margin > 2000 {
		return nil, p.invalid("margin", "must be within [0, 2000]")
	}
	opacity, err := p.float("opacity", 1)
	if err != nil {
		return nil, err
	}
	if opacity <= 0 || opacity > 1 {
		return nil, p.invalid("opacity", "must be within (0, 1]")
	}
	out, err := p.videoOutput()
	if err != nil {
		return nil, err
	}
	return WatermarkSpec{Position: pos, ScaleW: scaleW, Margin: margin, Opacity: opacity, Output: out}, nil
}

func parseFade(p paramReader) (Spec, error) {
	in, err := p.float("fade_in", 0)
	if err != nil {
		return nil, err
	}
	out, err := p.float("fade_out", 0)
	if err != nil {
		return nil, err
	}
	if in < 0 {
		return nil, p.invalid("fade_in", "must be >= 0")
	}
	if out < 0 {
		return nil, p.invalid("fade_out", "must be >= 0")
	}
	if in == 0 && out == 0 {
		return nil, p.invalid("fade_in", "at least one of fade_in or fade_out must be positive")
	}
	duration, err := p.float("duration", 0)
	if err != nil {
		return nil, err
	}
	switch {
	case p.present("duration"):
		if duration <= 0 {
			return nil, p.invalid("duration", "must be > 0")
		}
		if in > duration {
			return nil, p.invalid("fade_in", "fades must fit inside the clip duration")
		}
		if out > duration {
			return nil, p.invalid("fade_out", "fades must fit inside the clip duration")
		}
	case out > 0:
		return nil, p.invalid("duration", "clip duration is required when fade_out is set")
	}
	vo, err := p.videoOutput()
	if err != nil {
		return nil, err
	}
	return FadeSpec{In: roundMillis(in), Out: roundMillis(out), Duration: roundMillis(duration), Output: vo}, nil
}

func parseResize(p paramReader) (Spec, error) {
	if !p.present("width") && !p.present("height") {
		return nil, p.invalid("width", "width or height is required")
	}
	w, err := p.dimension("width")
	if err != nil {
		return nil, err
	}
	h, err := p.dimension("height")
	if err != nil {
		return nil, err
	}
	out, err := p.videoOutput()
	if err != nil {
		return nil, err
	}
	return ResizeSpec{Width: w, Height: h, Output: out}, nil
}

func parseSlideshow(p paramReader) (Spec, error) {
	each, err := p.float("dur_each", 3)
	if err != nil {
		return nil, err
	}
	if each < 1 || each > maxMockDuration {
		return nil, p.invalid("dur_each", fmt.Sprintf("must be within [1, %d]", maxMockDuration))
	}
	fps, err := p.fps()
	if err != nil {
		return nil, err
	}
	w, h, err := p.frameSize("16:9")
	if err != nil {
		return nil, err
	}
	out, err := p.videoOutput()
	if err != nil {
		return nil, err
	}
	return SlideshowSpec{DurEach: roundMillis(each), FPS: fps, Width: w, Height: h, Output: out}, nil
}

func parseSpeed(p paramReader) (Spec, error) {
	speed, err := p.float("speed", 1)
	if err != nil {
		return nil, err
	}
	if speed < 0.25 || speed > 4 {
		return nil, p.invalid("speed", "must be within [0.25, 4]")
	}
	audio, err := p.bool("audio", true)
	if err != nil {
		return nil, err
	}
	out, err := p.videoOutput()
	if err != nil {
		return nil, err
	}
	return SpeedSpec{Speed: speed, Audio: audio, Output: out}, nil
}

type arity struct {
	min, max int
}

func inputArity(spec Spec) arity {
	switch s := spec.(type) {
	case MockVideoSpec:
		if s.mode == ModeMockImageToVideo {
			return arity{1, 1}
		}
		return arity{0, 0}
	case MockAudioSpec:
		return arity{0, 0}
	case MockImageSpec:
		if s.mode == ModeMockTextToImage {
			return arity{0, 0}
		}
		return arity{1, 1}
	case ConcatSpec:
		return arity{2, -1}
	case MergeAudioSpec, WatermarkSpec:
		return arity{2, 2}
	case BurnSubtitlesSpec:
		if s.Script != "" {
			return arity{1, 2}
		}
		return arity{2, 2}
	case SlideshowSpec:
		return arity{1, -1}
	default:
		return arity{1, 1}
	}
}

func checkInputs(spec Spec, inputs []string) error {
	a := inputArity(spec)
	n := len(inputs)
	if n < a.min || (a.max >= 0 && n > a.max) {
		var want string
		switch {
		case a.min == a.max:
			want = fmt.Sprintf("exactly %d", a.min)
		case a.max < 0:
			want = fmt.Sprintf("at least %d", a.min)
		default:
			want = fmt.Sprintf("between %d and %d", a.min, a.max)
		}
		return &ParamError{Mode: spec.Mode(), Field: "inputs", Msg: fmt.Sprintf("expected %s input(s), got %d", want, n)}
	}

	if _, ok := spec.(ConcatSpec); ok {
		ext := strings.ToLower(filepath.Ext(inputs[0]))
		for _, in := range inputs[1:] {
			if strings.ToLower(filepath.Ext(in)) != ext {
				return &ParamError{Mode: spec.Mode(), Field: "inputs", Msg: "all inputs must share one container format"}
			}
		}
	}
	return nil
}

func captionOr(prompt, fallback string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return fallback
	}
	if r := []rune(prompt); len(r) > 400 {
		prompt = string(r[:400])
	}
	return prompt
}

func roundMillis(v float64) float64 {
	return math.Round(v*1000) / 1000
}
