package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/imaging"
)

const maxErrorBody = 512

// StatusError is a non-2xx answer from a remote provider.
type StatusError struct {
	Provider string
	URL      string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: %s returned status=%d", e.Provider, e.URL, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func doJSON(ctx context.Context, client *http.Client, provider, method, url string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", provider, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", provider, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %s %s: %w", provider, method, url, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(provider, url, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return nil
}

func checkStatus(provider, url string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Provider: provider,
		URL:      url,
		Status:   resp.StatusCode,
		Body:     strings.TrimSpace(string(raw)),
	}
}

// download streams url into dst and returns the response content type.
func download(ctx context.Context, client *http.Client, provider, url string, header http.Header, dst string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%s: build download request: %w", provider, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: download %s: %w", provider, url, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(provider, url, resp); err != nil {
		return "", err
	}

	if err := writeFile(dst, resp.Body); err != nil {
		return "", fmt.Errorf("%s: save %s: %w", provider, path.Base(dst), err)
	}
	return resp.Header.Get("Content-Type"), nil
}

func writeFile(dst string, r io.Reader) (err error) {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()
	n, err := io.Copy(f, r)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("empty body")
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var contentTypeExt = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"image/bmp":       ".bmp",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
	"audio/mpeg":      ".mp3",
	"audio/wav":       ".wav",
	"audio/mp4":       ".m4a",
}

func extForContentType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return contentTypeExt[ct]
}

// roleForExt classifies a downloaded artifact by its extension.
func roleForExt(ext string) (string, error) {
	ext = strings.ToLower(ext)
	switch {
	case imaging.IsImageExt(ext):
		return domain.OutputImage, nil
	case ext == ".mp4" || ext == ".webm" || ext == ".mov" || ext == ".mkv":
		return domain.OutputVideo, nil
	case ext == ".mp3" || ext == ".wav" || ext == ".m4a" || ext == ".flac" || ext == ".ogg":
		return domain.OutputAudio, nil
	default:
		return "", fmt.Errorf("unsupported artifact type %q", ext)
	}
}

func bearer(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

func logOf(e Execution) io.Writer {
	if e.Log == nil {
		return io.Discard
	}
	return e.Log
}

func renameFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		_ = os.Remove(src)
		return err
	}
	return nil
}
