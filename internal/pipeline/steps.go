package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (b *Builder) command(name string, outputs []string, parts ...[]string) Step {
	args := []string{"-hide_banner", "-nostdin", "-y"}
	for _, p := range parts {
		args = append(args, p...)
	}
	return Step{
		Name:            name,
		Executable:      b.ffmpeg,
		Args:            args,
		ExpectedOutputs: outputs,
	}
}

func (b *Builder) drawtext(text string, opts ...string) string {
	parts := []string{"drawtext=text=" + escapeFilterValue(text), "expansion=none"}
	if b.fontFile != "" {
		parts = append(parts, "fontfile="+escapeFilterValue(b.fontFile))
	}
	parts = append(parts, opts...)
	return strings.Join(parts, ":")
}

func fitFrame(w, h int) string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", w, h, w, h)
}

func (b *Builder) mockVideo(s MockVideoSpec, inputs []string, out string) Step {
	caption := b.drawtext(s.Caption, "x=20", "y=20", "fontsize=28", "fontcolor=white", "box=1", "boxcolor=black@0.5")
	var source, filter, plain []string
	if s.mode == ModeMockImageToVideo {
		source = []string{"-loop", "1", "-i", inputs[0]}
		filter = []string{"-vf", fitFrame(s.Width, s.Height) + "," + caption + ",fps=" + itoa(s.FPS)}
		plain = []string{"-vf", fitFrame(s.Width, s.Height) + ",fps=" + itoa(s.FPS)}
	} else {
		source = []string{"-f", "lavfi", "-i", fmt.Sprintf("testsrc=size=%dx%d:rate=%d", s.Width, s.Height, s.FPS)}
		filter = []string{"-vf", caption}
	}
	render := func(vf []string) Step {
		return b.command(s.mode, []string{out},
			source,
			[]string{"-t", formatSeconds(s.Duration)},
			vf,
			[]string{"-r", itoa(s.FPS)},
			videoEncodeArgs(s.Output),
			[]string{out},
		)
	}
	st := render(filter)
	fallback := render(plain)
	st.Fallback = &fallback
	return st
}

func (b *Builder) mockAudio(s MockAudioSpec, out string) Step {
	return b.command(ModeMockVoiceover, []string{out},
		[]string{"-f", "lavfi", "-i", fmt.Sprintf("sine=frequency=%d:sample_rate=44100", s.Frequency)},
		[]string{"-t", formatSeconds(s.Duration)},
		audioEncodeArgs("m4a", s.Quality),
		[]string{out},
	)
}

func (b *Builder) mockImage(s MockImageSpec, inputs []string, out string) Step {
	var source []string
	var filters []string

	switch s.mode {
	case ModeMockTextToImage:
		source = []string{"-f", "lavfi", "-i", fmt.Sprintf("color=c=0x141418:s=%dx%d", s.Width*s.Scale, s.Height*s.Scale)}
		fontSize := max(16, min(s.Width, s.Height)*s.Scale*35/1000)
		filters = append(filters,
			b.drawtext("MOCK text_to_image", "x=24", "y=24", "fontsize="+itoa(fontSize), "fontcolor=0xdcdcdc"),
			b.drawtext(s.Caption, "x=24", "y=90", "fontsize="+itoa(fontSize*6/7), "fontcolor=0xd2d2d2"),
		)
	default:
		source = []string{"-i", inputs[0]}
		if s.Width > 0 {
			filters = append(filters, fmt.Sprintf("scale=%d:%d:flags=lanczos", s.Width*s.Scale, s.Height*s.Scale))
		} else if s.Scale > 1 {
			filters = append(filters, fmt.Sprintf("scale=iw*%d:ih*%d:flags=lanczos", s.Scale, s.Scale))
		}
		if s.mode == ModeMockImageEdit {
			filters = append(filters,
				"drawbox=x=0:y=0:w=iw:h=min(ih\\,110):color=black:t=fill",
				b.drawtext("MOCK image_edit", "x=18", "y=18", "fontsize=26", "fontcolor=white"),
				b.drawtext(s.Caption, "x=18", "y=62", "fontsize=22", "fontcolor=white"),
			)
		}
	}

	parts := [][]string{source}
	if len(filters) > 0 {
		parts = append(parts, []string{"-vf", strings.Join(filters, ",")})
	}
	parts = append(parts, []string{"-frames:v", "1"}, imageEncodeArgs(s.Format, s.Quality), []string{out})
	return b.command(s.mode, []string{out}, parts...)
}

func (b *Builder) trim(s TrimSpec, in, out string) Step {
	return b.command(ModeTrim, []string{out},
		[]string{"-i", in, "-ss", formatSeconds(s.Start), "-to", formatSeconds(s.End)},
		videoEncodeArgs(s.Output),
		[]string{out},
	)
}

func (b *Builder) concat(name string, vo VideoOutput, inputs []string, listPath, out string) Step {
	st := b.command(name, []string{out},
		[]string{"-f", "concat", "-safe", "0", "-i", listPath},
		videoEncodeArgs(vo),
		[]string{out},
	)
	st.Files = []File{{Path: listPath, Content: concatList(inputs)}}
	return st
}

func (b *Builder) mergeAudio(s MergeAudioSpec, video, audio, out string) Step {
	parts := [][]string{
		{"-i", video, "-i", audio},
		{"-filter_complex", "[1:a]volume=" + formatFloat(s.Volume) + "[a1]"},
		{"-map", "0:v:0", "-map", "[a1]"},
	}
	if s.Shortest {
		parts = append(parts, []string{"-shortest"})
	}
	parts = append(parts, videoEncodeArgs(s.Output), []string{out})
	return b.command(ModeMergeAudio, []string{out}, parts...)
}

func (b *Builder) extractAudio(s ExtractAudioSpec, in, out string) Step {
	return b.command(ModeExtractAudio, []string{out},
		[]string{"-i", in, "-vn", "-map", "0:a:0"},
		audioEncodeArgs(s.Ext, s.Quality),
		[]string{out},
	)
}

func (b *Builder) overlayText(s OverlayTextSpec, in, out string) Step {
	opts := []string{"x=" + s.X, "y=" + s.Y, "fontsize=" + itoa(s.FontSize), "fontcolor=white"}
	if s.Box {
		opts = append(opts, "box=1", "boxcolor=black@0.5", "boxborderw=10")
	}
	return b.command(ModeOverlayText, []string{out},
		[]string{"-i", in},
		[]string{"-vf", b.drawtext(s.Text, opts...)},
		videoEncodeArgs(s.Output),
		[]string{out},
	)
}

// watermarkOffset returns overlay x:y for a corner. W/H are the main frame,
// w/h the scaled watermark.
func watermarkOffset(pos string, margin int) string {
	m := itoa(margin)
	switch pos {
	case "tl":
		return m + ":" + m
	case "tr":
		return "W-w-" + m + ":" + m
	case "bl":
		return m + ":H-h-" + m
	default:
		return "W-w-" + m + ":H-h-" + m
	}
}

func (b *Builder) watermark(s WatermarkSpec, video, logo, out string) Step {
	mark := "[1:v]scale=" + itoa(s.ScaleW) + ":-1"
	if s.Opacity < 1 {
		mark += ",format=rgba,colorchannelmixer=aa=" + formatFloat(s.Opacity)
	}
	graph := mark + "[wm];[0:v][wm]overlay=" + watermarkOffset(s.Position, s.Margin) + ",format=yuv420p[v]"
	return b.command(ModeWatermark, []string{out},
		[]string{"-i", video, "-i", logo},
		[]string{"-filter_complex", graph},
		[]string{"-map", "[v]", "-map", "0:a?"},
		videoEncodeArgs(s.Output),
		[]string{out},
	)
}

func (b *Builder) burnSubtitles(s BurnSubtitlesSpec, inputs []string, workDir, out string) Step {
	var (
		subs  string
		files []File
	)
	if len(inputs) > 1 {
		subs = inputs[1]
	} else {
		subs = filepath.Join(workDir, "subtitles.srt")
		files = []File{{Path: subs, Content: scriptToSRT(s.Script)}}
	}
	st := b.command(ModeBurnSubtitles, []string{out},
		[]string{"-i", inputs[0]},
		[]string{"-vf", "subtitles=filename=" + escapeFilterValue(filepath.ToSlash(subs))},
		videoEncodeArgs(s.Output),
		[]string{out},
	)
	st.Files = files
	return st
}

func (b *Builder) fade(s FadeSpec, in, out string) Step {
	var vf, af []string
	if s.In > 0 {
		vf = append(vf, "fade=t=in:st=0:d="+formatSeconds(s.In))
		af = append(af, "afade=t=in:st=0:d="+formatSeconds(s.In))
	}
	if s.Out > 0 {
		st := formatSeconds(s.Duration - s.Out)
		vf = append(vf, "fade=t=out:st="+st+":d="+formatSeconds(s.Out))
		af = append(af, "afade=t=out:st="+st+":d="+formatSeconds(s.Out))
	}
	return b.command(ModeFade, []string{out},
		[]string{"-i", in},
		[]string{"-vf", strings.Join(vf, ","), "-af", strings.Join(af, ",")},
		videoEncodeArgs(s.Output),
		[]string{out},
	)
}

func (b *Builder) resize(s ResizeSpec, in, out string) Step {
	w, h := s.Width, s.Height
	if w == 0 {
		w = -2
	}
	if h == 0 {
		h = -2
	}
	return b.command(ModeResize, []string{out},
		[]string{"-i", in},
		[]string{"-vf", fmt.Sprintf("scale=%d:%d", w, h)},
		videoEncodeArgs(s.Output),
		[]string{out},
	)
}

func (b *Builder) slideshow(s SlideshowSpec, images []string, workDir, out string) []Step {
	segOut := VideoOutput{Container: "mp4", CRF: s.Output.CRF}
	steps := make([]Step, 0, len(images)+1)
	segments := make([]string, 0, len(images))
	for i, img := range images {
		seg := filepath.Join(workDir, fmt.Sprintf("seg_%03d.mp4", i))
		segments = append(segments, seg)
		steps = append(steps, b.command(fmt.Sprintf("%s_segment_%d", ModeSlideshow, i), []string{seg},
			[]string{"-loop", "1", "-t", formatSeconds(s.DurEach), "-i", img},
			[]string{"-vf", fitFrame(s.Width, s.Height) + ",fps=" + itoa(s.FPS) + ",format=yuv420p"},
			videoEncodeArgs(segOut),
			[]string{seg},
		))
	}
	return append(steps, b.concat(ModeSlideshow, s.Output, segments, filepath.Join(workDir, "slides.txt"), out))
}

func (b *Builder) speed(s SpeedSpec, in, out string) Step {
	v := "[0:v]setpts=PTS/" + formatFloat(s.Speed) + "[v]"
	parts := [][]string{{"-i", in}}
	if s.Audio {
		parts = append(parts,
			[]string{"-filter_complex", v + ";[0:a]" + atempoChain(s.Speed) + "[a]"},
			[]string{"-map", "[v]", "-map", "[a]"},
		)
	} else {
		parts = append(parts,
			[]string{"-filter_complex", v},
			[]string{"-map", "[v]", "-an"},
		)
	}
	parts = append(parts, videoEncodeArgs(s.Output), []string{out})
	return b.command(ModeSpeed, []string{out}, parts...)
}
