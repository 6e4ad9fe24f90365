// Package probe reads technical metadata from published artifacts.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/mediaflow/internal/imaging"
)

type Metrics struct {
	DurationS  float64 `json:"duration_s,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	FrameRate  string  `json:"r_frame_rate,omitempty"`
	AvgRate    string  `json:"avg_frame_rate,omitempty"`
	Format     string  `json:"format,omitempty"`
	SizeBytes  int64   `json:"size_bytes,omitempty"`
	HasVideo   bool    `json:"has_video"`
	HasAudio   bool    `json:"has_audio"`
	VideoCodec string  `json:"video_codec,omitempty"`
	AudioCodec string  `json:"audio_codec,omitempty"`
}

type Prober struct {
	ffprobe string
	timeout time.Duration
}

func New(ffprobePath string, timeout time.Duration) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{ffprobe: ffprobePath, timeout: timeout}
}

// Probe inspects images in-process and everything else with ffprobe.
func (p *Prober) Probe(ctx context.Context, path string) (Metrics, error) {
	if imaging.IsImageExt(strings.ToLower(filepath.Ext(path))) {
		info, err := imaging.Inspect(ctx, path)
		if err != nil {
			return Metrics{}, err
		}
		return Metrics{Width: info.Width, Height: info.Height, Format: info.Format, HasVideo: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ffprobe,
		"-v", "error",
		"-show_entries", "stream=codec_type,codec_name,width,height,r_frame_rate,avg_frame_rate",
		"-show_entries", "format=duration,size,format_name",
		"-of", "json",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Metrics{}, fmt.Errorf("ffprobe %s: %w: %s", filepath.Base(path), err, strings.TrimSpace(stderr.String()))
	}
	return Parse(stdout.Bytes())
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		FormatName string `json:"format_name"`
	} `json:"format"`
}

// Parse decodes ffprobe's JSON output. The first video stream supplies the
// frame geometry.
func Parse(data []byte) (Metrics, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return Metrics{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	var m Metrics
	for _, s := range raw.Streams {
		switch s.CodecType {
		case "video":
			if m.HasVideo {
				continue
			}
			m.HasVideo = true
			m.Width, m.Height = s.Width, s.Height
			m.FrameRate, m.AvgRate = s.RFrameRate, s.AvgFrameRate
			m.VideoCodec = s.CodecName
		case "audio":
			if !m.HasAudio {
				m.HasAudio = true
				m.AudioCodec = s.CodecName
			}
		}
	}
	if d, err := strconv.ParseFloat(raw.Format.Duration, 64); err == nil {
		m.DurationS = d
	}
	if n, err := strconv.ParseInt(raw.Format.Size, 10, 64); err == nil {
		m.SizeBytes = n
	}
	m.Format = raw.Format.FormatName
	return m, nil
}
