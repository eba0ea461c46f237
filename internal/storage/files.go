package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// File names the viewer page resolves relative to a project folder.
const (
	UploadsDir   = "uploads"
	SingleBundle = "marker.mind"
	MultiBundle  = "targets.mind"
	VideoFile    = "video.mp4"
	PhotoFile    = "photo.jpg"
	MaskFile     = "mask.png"
)

func ItemVideoFile(i int) string { return fmt.Sprintf("video-%d.mp4", i) }
func ItemPhotoFile(i int) string { return fmt.Sprintf("photo-%d.jpg", i) }
func ItemMaskFile(i int) string  { return fmt.Sprintf("mask-%d.png", i) }

// derived lists every artifact a run produces. Anything matching that was
// not restaged by the latest run is stale and gets pruned on commit.
var derived = []string{
	SingleBundle, MultiBundle, VideoFile, PhotoFile, MaskFile,
	"video-*.mp4", "photo-*.jpg", "mask-*.png",
}

var ErrInvalidPath = errors.New("path escapes project storage")

type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed (%s %s): %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Files owns the on-disk layout <Root>/<projectID>/. Each project directory
// belongs to exactly one project.
type Files struct {
	Root      string
	URLPrefix string
}

func New(root, urlPrefix string) (*Files, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &PersistenceError{Op: "mkdir", Path: root, Err: err}
	}
	return &Files{Root: root, URLPrefix: strings.TrimRight(urlPrefix, "/")}, nil
}

func (f *Files) ProjectDir(id uuid.UUID) string {
	return filepath.Join(f.Root, id.String())
}

func (f *Files) CreateProject(id uuid.UUID) error {
	dir := filepath.Join(f.ProjectDir(id), UploadsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PersistenceError{Op: "mkdir", Path: dir, Err: err}
	}
	return nil
}

func (f *Files) RemoveProject(id uuid.UUID) error {
	dir := f.ProjectDir(id)
	if err := os.RemoveAll(dir); err != nil {
		return &PersistenceError{Op: "remove", Path: dir, Err: err}
	}
	return nil
}

// URL is the public reference stored on records for a file inside a project.
func (f *Files) URL(id uuid.UUID, rel string) string {
	return f.URLPrefix + "/" + id.String() + "/" + filepath.ToSlash(rel)
}

// Resolve maps a URL produced by URL back to a local path.
func (f *Files) Resolve(id uuid.UUID, url string) (string, error) {
	prefix := f.URLPrefix + "/" + id.String() + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, url)
	}
	rel := path.Clean(strings.TrimPrefix(url, prefix))
	if rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, url)
	}
	return filepath.Join(f.ProjectDir(id), filepath.FromSlash(rel)), nil
}

// SaveUpload streams r into the project's uploads folder and returns its URL.
func (f *Files) SaveUpload(id uuid.UUID, name string, r io.Reader) (string, error) {
	name = filepath.Base(name)
	rel := filepath.Join(UploadsDir, name)
	dst := filepath.Join(f.ProjectDir(id), rel)

	out, err := os.Create(dst)
	if err != nil {
		return "", &PersistenceError{Op: "create", Path: dst, Err: err}
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(dst)
		return "", &PersistenceError{Op: "write", Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		return "", &PersistenceError{Op: "close", Path: dst, Err: err}
	}
	return f.URL(id, rel), nil
}

// RemoveURL deletes a single file referenced by url. Missing files are ignored.
func (f *Files) RemoveURL(id uuid.UUID, url string) error {
	p, err := f.Resolve(id, url)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return &PersistenceError{Op: "remove", Path: p, Err: err}
	}
	return nil
}

// Stage is a scratch directory inside the project folder. Output is written
// here and only moved into place by Commit, so a failed run leaves the
// previous artifacts untouched.
type Stage struct {
	Dir        string
	projectDir string
	names      map[string]bool
}

// Stage opens a staging area. The project folder must already exist; a
// project removed mid-run cannot be recreated by a late commit.
func (f *Files) Stage(id uuid.UUID) (*Stage, error) {
	projectDir := f.ProjectDir(id)
	dir, err := os.MkdirTemp(projectDir, ".staging-")
	if err != nil {
		return nil, &PersistenceError{Op: "stage", Path: projectDir, Err: err}
	}
	return &Stage{Dir: dir, projectDir: projectDir, names: map[string]bool{}}, nil
}

// Path reserves name in the stage and returns where to write it.
func (s *Stage) Path(name string) string {
	s.names[name] = true
	return filepath.Join(s.Dir, name)
}

func (s *Stage) Write(name string, data []byte) error {
	p := s.Path(name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return &PersistenceError{Op: "write", Path: p, Err: err}
	}
	return nil
}

// swap is one published file. prev holds a hard link to the file it
// replaced, if any.
type swap struct {
	dst  string
	prev string
}

// Commit renames every staged file over its final name and prunes derived
// files the run did not produce. Replaced files stay linked inside the stage
// until every rename succeeded; on failure they are moved back so the
// project never mixes artifacts of two runs.
func (s *Stage) Commit() error {
	if _, err := os.Stat(s.projectDir); err != nil {
		return &PersistenceError{Op: "commit", Path: s.projectDir, Err: err}
	}
	backup, err := os.MkdirTemp(s.Dir, "previous-")
	if err != nil {
		return &PersistenceError{Op: "commit", Path: s.Dir, Err: err}
	}

	names := make([]string, 0, len(s.names))
	for name := range s.names {
		names = append(names, name)
	}
	sort.Strings(names)

	var done []swap
	for i, name := range names {
		src := filepath.Join(s.Dir, name)
		if _, err := os.Stat(src); err != nil {
			// reserved but never written
			continue
		}
		sw := swap{dst: filepath.Join(s.projectDir, name)}
		if _, err := os.Lstat(sw.dst); err == nil {
			sw.prev = filepath.Join(backup, strconv.Itoa(i))
			if err := os.Link(sw.dst, sw.prev); err != nil {
				rollback(done)
				return &PersistenceError{Op: "link", Path: sw.dst, Err: err}
			}
		}
		if err := os.Rename(src, sw.dst); err != nil {
			rollback(done)
			return &PersistenceError{Op: "rename", Path: sw.dst, Err: err}
		}
		done = append(done, sw)
	}

	for _, pattern := range derived {
		matches, err := filepath.Glob(filepath.Join(s.projectDir, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			if !s.names[filepath.Base(m)] {
				os.Remove(m)
			}
		}
	}
	return s.Discard()
}

// rollback restores the files replaced by done, newest first.
func rollback(done []swap) {
	for i := len(done) - 1; i >= 0; i-- {
		sw := done[i]
		if sw.prev == "" {
			os.Remove(sw.dst)
			continue
		}
		os.Rename(sw.prev, sw.dst)
	}
}

// Discard removes the staging directory and anything left in it.
func (s *Stage) Discard() error {
	if err := os.RemoveAll(s.Dir); err != nil {
		return &PersistenceError{Op: "remove", Path: s.Dir, Err: err}
	}
	return nil
}

// CopyFile copies src to dst, creating or truncating dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return &PersistenceError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return &PersistenceError{Op: "create", Path: dst, Err: err}
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return &PersistenceError{Op: "write", Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		return &PersistenceError{Op: "close", Path: dst, Err: err}
	}
	return nil
}
