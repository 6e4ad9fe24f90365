package pipeline

import (
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/dunamismax/mediaflow/internal/domain"
)

func testBuilder() *Builder {
	return NewBuilder(Options{FFmpegPath: "ffmpeg"})
}

func argAfter(t *testing.T, args []string, flag string) string {
	t.Helper()
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	t.Fatalf("flag %s not found in %v", flag, args)
	return ""
}

func TestMockVideoDurationClamp(t *testing.T) {
	cases := []struct {
		params map[string]any
		want   string
	}{
		{map[string]any{"duration": 0.0}, "1"},
		{map[string]any{"duration": -4.0}, "1"},
		{map[string]any{}, "6"},
		{map[string]any{"duration": 500.0}, "60"},
		{map[string]any{"duration": "2.5"}, "2.5"},
	}
	for _, tc := range cases {
		plan, err := testBuilder().Build(Request{
			Mode:    ModeMockTextToVideo,
			Prompt:  "hello",
			Params:  tc.params,
			WorkDir: "/work",
		})
		if err != nil {
			t.Fatalf("build %v: %v", tc.params, err)
		}
		if got := argAfter(t, plan.Steps[0].Args, "-t"); got != tc.want {
			t.Fatalf("params %v: expected -t %s, got %s", tc.params, tc.want, got)
		}
	}
}

func TestCaptionEscaping(t *testing.T) {
	plan, err := testBuilder().Build(Request{
		Mode:    ModeMockTextToVideo,
		Prompt:  "say \"hi\": now\nnext",
		WorkDir: "/work",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	vf := argAfter(t, plan.Steps[0].Args, "-vf")
	if !strings.Contains(vf, `text=say \\"hi\\"\\: now next`) {
		t.Fatalf("caption not escaped: %s", vf)
	}
	for _, arg := range plan.Steps[0].Args {
		for _, r := range arg {
			if r < 0x20 {
				t.Fatalf("control character %q reached argument %q", r, arg)
			}
		}
	}
}

func TestEscapeFilterValueSeparators(t *testing.T) {
	got := escapeFilterValue("a,b;[c]'d'%e")
	want := `a\,b\;\[c\]\\\'d\\\'\\%e`
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestTrim(t *testing.T) {
	plan, err := testBuilder().Build(Request{
		Mode:    ModeTrim,
		Params:  map[string]any{"start": 1.2, "duration": 8.3},
		Inputs:  []string{"/in/clip.mp4"},
		WorkDir: "/work",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	args := plan.Steps[0].Args
	if got := argAfter(t, args, "-ss"); got != "1.2" {
		t.Fatalf("expected start 1.2, got %s", got)
	}
	if got := argAfter(t, args, "-to"); got != "9.5" {
		t.Fatalf("expected end 9.5, got %s", got)
	}

	invalid := []map[string]any{
		{"start": 5.0, "end": 2.0},
		{"start": 3.0, "end": 3.0},
		{"start": 1.0},
		{"start": 1.0, "duration": 0.0},
		{"start": -1.0, "end": 2.0},
	}
	for _, params := range invalid {
		_, err := testBuilder().Build(Request{Mode: ModeTrim, Params: params, Inputs: []string{"/in/clip.mp4"}, WorkDir: "/work"})
		if !errors.Is(err, domain.ErrInvalidParameters) {
			t.Fatalf("params %v: expected invalid parameters, got %v", params, err)
		}
	}

	_, err = testBuilder().Build(Request{Mode: ModeTrim, Params: map[string]any{"start": 5.0, "end": 2.0}, Inputs: []string{"/in/clip.mp4"}, WorkDir: "/work"})
	var pe *ParamError
	if !errors.As(err, &pe) || pe.Field != "end" {
		t.Fatalf("expected field-level error on end, got %v", err)
	}
}

func TestWatermarkBottomRight(t *testing.T) {
	plan, err := testBuilder().Build(Request{
		Mode:    ModeWatermark,
		Params:  map[string]any{"pos": "br", "scale_w": 140.0, "margin": 20.0},
		Inputs:  []string{"/in/video.mp4", "/in/logo.png"},
		WorkDir: "/work",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(plan.Steps) != 1 {
		t.Fatalf("expected one step, got %d", len(plan.Steps))
	}
	graph := argAfter(t, plan.Steps[0].Args, "-filter_complex")
	want := "[1:v]scale=140:-1[wm];[0:v][wm]overlay=W-w-20:H-h-20,format=yuv420p[v]"
	if graph != want {
		t.Fatalf("expected %s, got %s", want, graph)
	}
	if plan.Outputs[domain.OutputVideo] != filepath.Join("/work", "video.mp4") {
		t.Fatalf("unexpected outputs %v", plan.Outputs)
	}

	plan, err = testBuilder().Build(Request{
		Mode:    ModeWatermark,
		Params:  map[string]any{"pos": "top-left", "margin": 5.0},
		Inputs:  []string{"/in/video.mp4", "/in/logo.png"},
		WorkDir: "/work",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if graph := argAfter(t, plan.Steps[0].Args, "-filter_complex"); !strings.Contains(graph, "overlay=5:5,") {
		t.Fatalf("expected top-left offset, got %s", graph)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	req := Request{
		Mode:    ModeSlideshow,
		Params:  map[string]any{"dur_each": 2.0, "aspect": "9:16"},
		Inputs:  []string{"/in/a.png", "/in/b.png", "/in/c.png"},
		WorkDir: "/work",
	}
	first, err := testBuilder().Build(req)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, err := testBuilder().Build(req)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("expected identical plans for identical requests")
	}
	if len(first.Steps) != 4 {
		t.Fatalf("expected 3 segments plus concat, got %d steps", len(first.Steps))
	}
}

func TestVideoModesNormalizePixelFormat(t *testing.T) {
	reqs := []Request{
		{Mode: ModeMockTextToVideo},
		{Mode: ModeMockImageToVideo, Inputs: []string{"/in/a.png"}},
		{Mode: ModeTrim, Params: map[string]any{"start": 0.0, "end": 1.0}, Inputs: []string{"/in/a.mp4"}},
		{Mode: ModeConcat, Inputs: []string{"/in/a.mp4", "/in/b.mp4"}},
		{Mode: ModeMergeAudio, Inputs: []string{"/in/a.mp4", "/in/a.mp3"}},
		{Mode: ModeOverlayText, Prompt: "hi", Inputs: []string{"/in/a.mp4"}},
		{Mode: ModeBurnSubtitles, Inputs: []string{"/in/a.mp4", "/in/a.srt"}},
		{Mode: ModeFade, Params: map[string]any{"fade_in": 1.0}, Inputs: []string{"/in/a.mp4"}},
		{Mode: ModeResize, Params: map[string]any{"width": 640.0}, Inputs: []string{"/in/a.mp4"}},
		{Mode: ModeSpeed, Params: map[string]any{"speed": 2.0, "output_format": "webm"}, Inputs: []string{"/in/a.mp4"}},
	}
	for _, req := range reqs {
		req.WorkDir = "/work"
		plan, err := testBuilder().Build(req)
		if err != nil {
			t.Fatalf("%s: %v", req.Mode, err)
		}
		last := plan.Steps[len(plan.Steps)-1].Args
		n := len(last)
		if last[n-3] != "-pix_fmt" || last[n-2] != "yuv420p" {
			t.Fatalf("%s: expected yuv420p before output, got %v", req.Mode, last[n-4:])
		}
	}
}

func TestInvalidParameters(t *testing.T) {
	cases := []Request{
		{Mode: ModeMockTextToVideo, Params: map[string]any{"fps": 0.0}},
		{Mode: ModeMockTextToVideo, Params: map[string]any{"width": 0.0}},
		{Mode: ModeMockTextToVideo, Params: map[string]any{"height": -10.0}},
		{Mode: ModeMockTextToVideo, Params: map[string]any{"quality": 0.0}},
		{Mode: ModeMockTextToVideo, Params: map[string]any{"quality": 101.0}},
		{Mode: ModeMockTextToVideo, Params: map[string]any{"duration": "soon"}},
		{Mode: ModeConcat, Inputs: []string{"/in/a.mp4"}},
		{Mode: ModeConcat, Inputs: []string{"/in/a.mp4", "/in/b.mov"}},
		{Mode: ModeMergeAudio, Inputs: []string{"/in/a.mp4"}},
		{Mode: ModeWatermark, Params: map[string]any{"pos": "middle"}, Inputs: []string{"/in/a.mp4", "/in/l.png"}},
		{Mode: ModeFade, Inputs: []string{"/in/a.mp4"}},
		{Mode: ModeFade, Params: map[string]any{"fade_out": 2.0}, Inputs: []string{"/in/a.mp4"}},
		{Mode: ModeResize, Inputs: []string{"/in/a.mp4"}},
		{Mode: ModeExtractAudio, Params: map[string]any{"audio_ext": "aiff"}, Inputs: []string{"/in/a.mp4"}},
		{Mode: ModeOverlayText, Params: map[string]any{"text": "x", "x": "w:1"}, Inputs: []string{"/in/a.mp4"}},
		{Mode: ModeBurnSubtitles, Inputs: []string{"/in/a.mp4"}},
		{Mode: ModeSpeed, Params: map[string]any{"speed": 8.0}, Inputs: []string{"/in/a.mp4"}},
		{Mode: ModeMockTextToImage, Params: map[string]any{"quality": 500.0}},
		{Mode: ModeMockVoiceover, Params: map[string]any{"quality": -3.0}},
		{Mode: ModeExtractAudio, Params: map[string]any{"quality": 0.0}, Inputs: []string{"/in/a.mp4"}},
		{Mode: ModeFade, Params: map[string]any{"fade_in": 30.0, "duration": 5.0}, Inputs: []string{"/in/a.mp4"}},
		{Mode: ModeFade, Params: map[string]any{"fade_in": 1.0, "duration": 0.0}, Inputs: []string{"/in/a.mp4"}},
	}
	for _, req := range cases {
		req.WorkDir = "/work"
		if _, err := testBuilder().Build(req); !errors.Is(err, domain.ErrInvalidParameters) {
			t.Fatalf("%s %v: expected invalid parameters, got %v", req.Mode, req.Params, err)
		}
	}
}

func TestUnknownMode(t *testing.T) {
	_, err := testBuilder().Build(Request{Mode: "ffmpeg_explode", WorkDir: "/work"})
	if !errors.Is(err, domain.ErrUnsupportedTask) {
		t.Fatalf("expected unsupported task, got %v", err)
	}
}

func TestConcatWritesListFile(t *testing.T) {
	plan, err := testBuilder().Build(Request{
		Mode:    ModeConcat,
		Inputs:  []string{"/in/a.mp4", "/in/it's.mp4"},
		WorkDir: "/work",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	st := plan.Steps[0]
	if len(st.Files) != 1 || st.Files[0].Path != filepath.Join("/work", "concat.txt") {
		t.Fatalf("expected concat list side file, got %+v", st.Files)
	}
	want := "file '/in/a.mp4'\nfile '/in/it'\\''s.mp4'\n"
	if string(st.Files[0].Content) != want {
		t.Fatalf("expected %q, got %q", want, st.Files[0].Content)
	}
	if argAfter(t, st.Args, "-f") != "concat" {
		t.Fatalf("expected concat demuxer, got %v", st.Args)
	}
}

func TestResizeSingleDimensionKeepsAspect(t *testing.T) {
	plan, err := testBuilder().Build(Request{
		Mode:    ModeResize,
		Params:  map[string]any{"height": 480.0},
		Inputs:  []string{"/in/a.mp4"},
		WorkDir: "/work",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if vf := argAfter(t, plan.Steps[0].Args, "-vf"); vf != "scale=-2:480" {
		t.Fatalf("expected scale=-2:480, got %s", vf)
	}
}

func TestMockVideoFallbackDropsCaption(t *testing.T) {
	for _, req := range []Request{
		{Mode: ModeMockTextToVideo, Prompt: "sunrise"},
		{Mode: ModeMockImageToVideo, Prompt: "sunrise", Inputs: []string{"/in/still.png"}},
	} {
		req.WorkDir = "/work"
		plan, err := testBuilder().Build(req)
		if err != nil {
			t.Fatalf("build %s: %v", req.Mode, err)
		}
		st := plan.Steps[0]
		if !strings.Contains(strings.Join(st.Args, " "), "drawtext") {
			t.Fatalf("%s: expected captioned primary step, got %v", req.Mode, st.Args)
		}
		if st.Fallback == nil {
			t.Fatalf("%s: expected a fallback step", req.Mode)
		}
		if strings.Contains(strings.Join(st.Fallback.Args, " "), "drawtext") {
			t.Fatalf("%s: expected fallback without drawtext, got %v", req.Mode, st.Fallback.Args)
		}
		if st.Fallback.ExpectedOutputs[0] != st.ExpectedOutputs[0] {
			t.Fatalf("%s: expected fallback to write the same output", req.Mode)
		}
	}
}

func TestResizeRoundsOddDimensionsToEven(t *testing.T) {
	cases := []struct {
		params map[string]any
		want   string
	}{
		{map[string]any{"width": 1279.0}, "scale=1278:-2"},
		{map[string]any{"width": 641.0, "height": 361.0}, "scale=640:360"},
	}
	for _, tc := range cases {
		plan, err := testBuilder().Build(Request{
			Mode:    ModeResize,
			Params:  tc.params,
			Inputs:  []string{"/in/a.mp4"},
			WorkDir: "/work",
		})
		if err != nil {
			t.Fatalf("build %v: %v", tc.params, err)
		}
		if vf := argAfter(t, plan.Steps[0].Args, "-vf"); vf != tc.want {
			t.Fatalf("%v: expected %s, got %s", tc.params, tc.want, vf)
		}
	}
}

func TestQualityAppliesToImageAndAudio(t *testing.T) {
	cases := []struct {
		req  Request
		flag string
		want string
	}{
		{Request{Mode: ModeMockTextToImage, Params: map[string]any{"quality": 1.0}}, "-q:v", "31"},
		{Request{Mode: ModeMockTextToImage}, "-q:v", "2"},
		{Request{Mode: ModeMockTextToImage, Params: map[string]any{"quality": 75.0, "output_format": "webp"}}, "-quality", "75"},
		{Request{Mode: ModeExtractAudio, Params: map[string]any{"quality": 50.0}, Inputs: []string{"/in/a.mp4"}}, "-b:a", "176k"},
		{Request{Mode: ModeExtractAudio, Inputs: []string{"/in/a.mp4"}}, "-b:a", "192k"},
		{Request{Mode: ModeMockVoiceover, Params: map[string]any{"quality": 100.0}}, "-b:a", "320k"},
	}
	for _, tc := range cases {
		tc.req.WorkDir = "/work"
		plan, err := testBuilder().Build(tc.req)
		if err != nil {
			t.Fatalf("build %s %v: %v", tc.req.Mode, tc.req.Params, err)
		}
		if got := argAfter(t, plan.Steps[0].Args, tc.flag); got != tc.want {
			t.Fatalf("%s %v: expected %s %s, got %s", tc.req.Mode, tc.req.Params, tc.flag, tc.want, got)
		}
	}
}

func TestBurnSubtitlesFromScript(t *testing.T) {
	plan, err := testBuilder().Build(Request{
		Mode:    ModeBurnSubtitles,
		Prompt:  "Hello there",
		Inputs:  []string{"/in/a.mp4"},
		WorkDir: "/work",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	st := plan.Steps[0]
	if len(st.Files) != 1 || !strings.Contains(string(st.Files[0].Content), "Hello there") {
		t.Fatalf("expected generated srt, got %+v", st.Files)
	}
	if vf := argAfter(t, st.Args, "-vf"); vf != `subtitles=filename=/work/subtitles.srt` {
		t.Fatalf("unexpected subtitles filter %s", vf)
	}
}

func TestAtempoChain(t *testing.T) {
	cases := map[float64]string{
		1:    "atempo=1",
		4:    "atempo=2.0,atempo=2",
		0.25: "atempo=0.5,atempo=0.5",
		3:    "atempo=2.0,atempo=1.5",
	}
	for speed, want := range cases {
		if got := atempoChain(speed); got != want {
			t.Fatalf("speed %v: expected %s, got %s", speed, want, got)
		}
	}
}

func TestQualityToCRF(t *testing.T) {
	if got := qualityToCRF(100); got != 18 {
		t.Fatalf("expected 18, got %d", got)
	}
	if got := qualityToCRF(1); got != 51 {
		t.Fatalf("expected 51, got %d", got)
	}
}

func TestModeForTask(t *testing.T) {
	cases := map[string]string{
		"text_to_video":    ModeMockTextToVideo,
		"image_upscale":    ModeMockImageUpscale,
		"ffmpeg_trim":      ModeTrim,
		"FFMPEG_WATERMARK": ModeWatermark,
		"ffmpeg_add_music": ModeMergeAudio,
	}
	for task, want := range cases {
		got, ok := ModeForTask(task)
		if !ok || got != want {
			t.Fatalf("ModeForTask(%s) = %s, %v; want %s", task, got, ok, want)
		}
	}
	if _, ok := ModeForTask("paint"); ok {
		t.Fatal("expected unknown task to be rejected")
	}
}

func TestMockImageUpscaleProfile(t *testing.T) {
	plan, err := testBuilder().Build(Request{
		Mode:    ModeMockImageUpscale,
		Params:  map[string]any{"output_format": "png"},
		Inputs:  []string{"/in/a.png"},
		WorkDir: "/work",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if vf := argAfter(t, plan.Steps[0].Args, "-vf"); vf != "scale=iw*3:ih*3:flags=lanczos" {
		t.Fatalf("expected ultra upscale, got %s", vf)
	}
	if plan.Outputs[domain.OutputImage] != filepath.Join("/work", "image.png") {
		t.Fatalf("unexpected outputs %v", plan.Outputs)
	}
}
