// Package attachments retains files that arrive with notifications so bots
// can read them and send them back with replies.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/user/notibot/internal/types"
)

const (
	// DefaultMaxFileBytes is the largest attachment kept on disk.
	DefaultMaxFileBytes int64 = 5 << 20
	// DefaultMaxAge is how long a retained file survives cleanup.
	DefaultMaxAge = 24 * time.Hour
)

var (
	ErrNotFound    = errors.New("attachment not found")
	ErrOutsideRoot = errors.New("path escapes attachments root")
)

var _ types.AttachmentStore = (*Store)(nil)

// Store keeps attachments as flat files named by id under a single root.
type Store struct {
	root         string
	maxFileBytes int64
	now          func() time.Time
}

// New creates the root directory if needed. maxFileBytes <= 0 selects the default.
func New(root string, maxFileBytes int64) (*Store, error) {
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments dir: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	// Resolve the root itself so symlinked temp dirs compare correctly.
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return &Store{root: abs, maxFileBytes: maxFileBytes, now: time.Now}, nil
}

func (s *Store) Root() string { return s.root }

// Put stores r under a fresh id. Content over the size limit is not kept;
// the returned info then has HasRetrievableFile false and the full size.
func (s *Store) Put(r io.Reader, mimeType, thumbnailBase64 string) (types.AttachmentInfo, error) {
	id := types.NewAttachmentID()
	info := types.AttachmentInfo{
		ID:              id,
		MimeType:        mimeType,
		ThumbnailBase64: thumbnailBase64,
	}

	tmp, err := os.CreateTemp(s.root, ".incoming-*")
	if err != nil {
		return info, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	written, err := io.Copy(tmp, io.LimitReader(r, s.maxFileBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return info, fmt.Errorf("write attachment: %w", err)
	}

	if written > s.maxFileBytes {
		rest, _ := io.Copy(io.Discard, r)
		info.SizeBytes = written + rest
		return info, nil
	}

	if err := os.Rename(tmpPath, filepath.Join(s.root, string(id)+extensionFor(mimeType))); err != nil {
		return info, fmt.Errorf("publish attachment: %w", err)
	}
	info.SizeBytes = written
	info.HasRetrievableFile = true
	return info, nil
}

// Path returns the file for id, if it is still on disk.
func (s *Store) Path(id types.AttachmentID) (string, bool) {
	if _, err := uuid.Parse(string(id)); err != nil {
		return "", false
	}
	matches, err := filepath.Glob(filepath.Join(s.root, string(id)+"*"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

func (s *Store) Open(id types.AttachmentID) (io.ReadCloser, int64, error) {
	path, ok := s.Path(id)
	if !ok {
		return nil, 0, ErrNotFound
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open attachment: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

// Resolve maps a bot-supplied path, relative to the root or absolute
// inside it, to a regular file. Symlinks are followed before the
// containment check.
func (s *Store) Resolve(path string) (string, int64, error) {
	if strings.TrimSpace(path) == "" {
		return "", 0, ErrNotFound
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	candidate = filepath.Clean(candidate)
	if !s.contains(candidate) {
		return "", 0, ErrOutsideRoot
	}

	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, ErrNotFound
		}
		return "", 0, err
	}
	if !s.contains(real) {
		return "", 0, ErrOutsideRoot
	}

	st, err := os.Stat(real)
	if err != nil {
		return "", 0, ErrNotFound
	}
	if !st.Mode().IsRegular() {
		return "", 0, fmt.Errorf("%s: not a regular file", path)
	}
	return real, st.Size(), nil
}

func (s *Store) contains(p string) bool {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

type CleanupResult struct {
	Deleted    int
	FreedBytes int64
}

// Cleanup removes regular files older than maxAge.
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration) (CleanupResult, error) {
	var res CleanupResult
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, nil
		}
		return res, fmt.Errorf("list attachments: %w", err)
	}

	cutoff := s.now().Add(-maxAge)
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !e.Type().IsRegular() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Deleted++
		res.FreedBytes += fi.Size()
	}
	return res, errors.Join(errs...)
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
