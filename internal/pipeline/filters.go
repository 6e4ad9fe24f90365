package pipeline

import (
	"strconv"
	"strings"
	"unicode"
)

var (
	// Escapes an option value inside a filter description.
	optionEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `"`, `\"`, `:`, `\:`, `%`, `\%`)
	// Escapes the filter description inside a filtergraph.
	graphEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `[`, `\[`, `]`, `\]`, `,`, `\,`, `;`, `\;`)
)

// escapeFilterValue makes arbitrary text safe to interpolate as a filter
// option value. Control characters, newlines included, become spaces so the
// argument never carries raw control bytes.
func escapeFilterValue(s string) string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return graphEscaper.Replace(optionEscaper.Replace(clean))
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(roundMillis(v), 'f', -1, 64)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func itoa(v int) string {
	return strconv.Itoa(v)
}

// videoEncodeArgs always ends with the yuv420p pixel format so outputs play
// in browsers and mobile players.
func videoEncodeArgs(out VideoOutput) []string {
	if out.Container == "webm" {
		return []string{"-c:v", "libvpx-vp9", "-crf", itoa(out.CRF), "-b:v", "0", "-c:a", "libopus", "-pix_fmt", "yuv420p"}
	}
	args := []string{"-c:v", "libx264", "-preset", "veryfast", "-crf", itoa(out.CRF), "-c:a", "aac"}
	if out.Container == "mp4" || out.Container == "mov" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, "-pix_fmt", "yuv420p")
}

// audioEncodeArgs maps quality 1..100 onto a bitrate for lossy codecs;
// 0 keeps the codec default.
func audioEncodeArgs(ext string, quality int) []string {
	bitrate := ""
	if quality > 0 {
		bitrate = itoa(32+quality*288/100) + "k"
	}
	switch ext {
	case "mp3":
		if bitrate != "" {
			return []string{"-c:a", "libmp3lame", "-b:a", bitrate}
		}
		return []string{"-c:a", "libmp3lame", "-q:a", "2"}
	case "wav":
		return []string{"-c:a", "pcm_s16le"}
	case "flac":
		return []string{"-c:a", "flac"}
	case "ogg":
		if bitrate != "" {
			return []string{"-c:a", "libvorbis", "-b:a", bitrate}
		}
		return []string{"-c:a", "libvorbis", "-q:a", "5"}
	default:
		if bitrate == "" {
			bitrate = "192k"
		}
		return []string{"-c:a", "aac", "-b:a", bitrate}
	}
}

func imageExt(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}

func imageEncodeArgs(format string, quality int) []string {
	switch format {
	case "png":
		return []string{"-c:v", "png"}
	case "webp":
		if quality == 0 {
			quality = 90
		}
		return []string{"-c:v", "libwebp", "-quality", itoa(quality)}
	default:
		// mjpeg qscale runs from 2 (best) to 31.
		qv := 2
		if quality > 0 {
			qv = 2 + (100-quality)*29/99
		}
		return []string{"-q:v", itoa(qv)}
	}
}

// atempoChain splits speed into factors inside atempo's [0.5, 2] range.
func atempoChain(speed float64) string {
	var parts []string
	remaining := speed
	for remaining > 2.0 {
		parts = append(parts, "atempo=2.0")
		remaining /= 2.0
	}
	for remaining < 0.5 {
		parts = append(parts, "atempo=0.5")
		remaining /= 0.5
	}
	parts = append(parts, "atempo="+formatFloat(roundMillis(remaining)))
	return strings.Join(parts, ",")
}

func concatList(paths []string) []byte {
	var b strings.Builder
	for _, p := range paths {
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(p, "'", `'\''`))
		b.WriteString("'\n")
	}
	return []byte(b.String())
}

// scriptToSRT wraps free text in a single cue when it is not already SRT.
func scriptToSRT(script string) []byte {
	if strings.Contains(script, "-->") {
		return []byte(strings.TrimSpace(script) + "\n")
	}
	return []byte("1\n00:00:00,000 --> 99:59:59,999\n" + strings.TrimSpace(script) + "\n")
}
