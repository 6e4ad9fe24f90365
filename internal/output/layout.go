// Package output owns the on-disk layout of uploads, job artifacts and
// scratch space:
//
//	<outputs>/<job id>/           published artifacts and job.log
//	<outputs>/.work/<job id>/     scratch directory, removed after the job
//	<uploads>/                    caller-supplied inputs
package output

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/id"
)

const (
	LogName     = "job.log"
	workDirName = ".work"
	// JobRefPrefix marks an input reference to an earlier job's artifact.
	JobRefPrefix = "jobs/"
)

var (
	ErrUnsafePath = errors.New("unsafe path")
	jobIDPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,80}$`)
	unsafeChars   = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

type Layout struct {
	root    string
	uploads string
}

func NewLayout(outputsDir, uploadsDir string) (*Layout, error) {
	root, err := filepath.Abs(outputsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve outputs dir: %w", err)
	}
	uploads, err := filepath.Abs(uploadsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve uploads dir: %w", err)
	}
	for _, dir := range []string{root, filepath.Join(root, workDirName), uploads} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Layout{root: root, uploads: uploads}, nil
}

func (l *Layout) Uploads() string { return l.uploads }

func (l *Layout) JobDir(jobID string) string {
	return filepath.Join(l.root, jobID)
}

func (l *Layout) WorkDir(jobID string) string {
	return filepath.Join(l.root, workDirName, jobID)
}

func (l *Layout) LogPath(jobID string) string {
	return filepath.Join(l.JobDir(jobID), LogName)
}

// OpenLog opens the job log for appending, creating the job directory.
func (l *Layout) OpenLog(jobID string) (*os.File, error) {
	if !jobIDPattern.MatchString(jobID) {
		return nil, fmt.Errorf("%w: job id %q", ErrUnsafePath, jobID)
	}
	if err := os.MkdirAll(l.JobDir(jobID), 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	f, err := os.OpenFile(l.LogPath(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open job log: %w", err)
	}
	return f, nil
}

// PrepareWork returns an empty scratch directory for the job.
func (l *Layout) PrepareWork(jobID string) (string, error) {
	if !jobIDPattern.MatchString(jobID) {
		return "", fmt.Errorf("%w: job id %q", ErrUnsafePath, jobID)
	}
	dir := l.WorkDir(jobID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear work dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return dir, nil
}

// Publish moves produced files into the job directory and returns the
// outputs keyed by role with names relative to that directory.
func (l *Layout) Publish(jobID string, produced map[string]string) (map[string]string, error) {
	if len(produced) == 0 {
		return nil, fmt.Errorf("publish %s: no outputs", jobID)
	}
	dir := l.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	published := make(map[string]string, len(produced))
	used := make(map[string]bool, len(produced))
	for _, role := range sortedKeys(produced) {
		src := produced[role]
		name := filepath.Base(src)
		if name == LogName || used[name] {
			name = role + "_" + name
		}
		used[name] = true

		if err := moveFile(src, filepath.Join(dir, name)); err != nil {
			l.Unpublish(jobID, published)
			return nil, fmt.Errorf("publish %s output: %w", role, err)
		}
		published[role] = name
	}
	return published, nil
}

// Unpublish deletes published artifacts, leaving the job log in place.
func (l *Layout) Unpublish(jobID string, published map[string]string) {
	for _, name := range published {
		if name == LogName {
			continue
		}
		_ = os.Remove(filepath.Join(l.JobDir(jobID), name))
	}
}

// Discard removes the job's scratch directory and anything left in it.
func (l *Layout) Discard(jobID string) error {
	if !jobIDPattern.MatchString(jobID) {
		return fmt.Errorf("%w: job id %q", ErrUnsafePath, jobID)
	}
	return os.RemoveAll(l.WorkDir(jobID))
}

// ResolveInput maps an input reference to an absolute path. References are
// relative to the uploads root, or "jobs/<id>/<name>" for an earlier job's
// artifact.
func (l *Layout) ResolveInput(ref string) (string, error) {
	var (
		path string
		err  error
	)
	if rest, ok := strings.CutPrefix(filepath.ToSlash(ref), JobRefPrefix); ok {
		jobID, name, found := strings.Cut(rest, "/")
		if !found {
			return "", inputError(ref, "expected jobs/<id>/<name>")
		}
		path, err = l.ArtifactPath(jobID, name)
	} else {
		path, err = safeJoin(l.uploads, ref)
	}
	if err != nil {
		return "", inputError(ref, err.Error())
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", inputError(ref, "file not found")
	}
	return path, nil
}

// ArtifactPath returns the absolute path of a published artifact or log.
func (l *Layout) ArtifactPath(jobID, name string) (string, error) {
	if !jobIDPattern.MatchString(jobID) {
		return "", fmt.Errorf("%w: job id %q", ErrUnsafePath, jobID)
	}
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: artifact name %q", ErrUnsafePath, name)
	}
	return filepath.Join(l.JobDir(jobID), name), nil
}

// SaveUpload stores r under a unique name and returns its input reference.
func (l *Layout) SaveUpload(filename string, r io.Reader) (string, error) {
	name := SanitizeName(filepath.Base(filename))
	ref := id.New()[:8] + "_" + name
	dst := filepath.Join(l.uploads, ref)

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("close upload: %w", err)
	}
	return ref, nil
}

func SanitizeName(name string) string {
	name = strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "._")
	if name == "" {
		name = "file"
	}
	if len(name) > 80 {
		ext := filepath.Ext(name)
		if len(ext) > 10 {
			ext = ""
		}
		name = name[:80-len(ext)] + ext
	}
	return name
}

func safeJoin(base, rel string) (string, error) {
	rel = filepath.ToSlash(strings.TrimSpace(rel))
	if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", ErrUnsafePath
	}
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return "", ErrUnsafePath
		}
	}
	full := filepath.Join(base, filepath.FromSlash(rel))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}
	return full, nil
}

func inputError(ref, msg string) error {
	return fmt.Errorf("%w: input %q: %s", domain.ErrInvalidParameters, ref, msg)
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
