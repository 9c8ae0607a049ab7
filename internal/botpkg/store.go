package botpkg

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Disk layout under the manager directory:
//
//	scripts/<hash>.js   content-addressed script bytes
//	active.json         the published Package; its rename is the install
//	downloads.json      last successful download, for the rate limit
const (
	scriptsDir    = "scripts"
	activeFile    = "active.json"
	downloadsFile = "downloads.json"
)

type downloadState struct {
	LastURL string `json:"lastUrl"`
	LastAt  int64  `json:"lastAtEpochMs"`
}

type diskStore struct {
	dir string
}

func (d diskStore) scriptPath(hash string) string {
	return filepath.Join(d.dir, scriptsDir, hash+".js")
}

func (d diskStore) loadActive() (*Package, error) {
	var p Package
	ok, err := readJSON(filepath.Join(d.dir, activeFile), &p)
	if err != nil || !ok {
		return nil, err
	}
	if p.SourceURL == "" || p.ContentHash == "" {
		return nil, fmt.Errorf("%s: incomplete package metadata", activeFile)
	}
	return &p, nil
}

func (d diskStore) loadDownloads() (downloadState, error) {
	var s downloadState
	_, err := readJSON(filepath.Join(d.dir, downloadsFile), &s)
	return s, err
}

func (d diskStore) saveDownloads(s downloadState) error {
	return writeJSON(filepath.Join(d.dir, downloadsFile), s)
}

// writeScript stores script under its hash. An existing file with the
// same name already holds the same bytes.
func (d diskStore) writeScript(hash string, script []byte) error {
	path := d.scriptPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create scripts dir: %w", err)
	}
	return writeFileAtomic(path, script, 0o644)
}

func (d diskStore) publish(p *Package) error {
	return writeJSON(filepath.Join(d.dir, activeFile), p)
}

func (d diskStore) unpublish() error {
	err := os.Remove(filepath.Join(d.dir, activeFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove package metadata: %w", err)
	}
	return nil
}

// prune removes every stored script whose hash is not in keep.
func (d diskStore) prune(keep ...string) error {
	entries, err := os.ReadDir(filepath.Join(d.dir, scriptsDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".js") || slices.Contains(keep, strings.TrimSuffix(name, ".js")) {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, scriptsDir, name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

// writeFileAtomic writes to a temp file and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create temp %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp %s: %w", filepath.Base(path), err)
	}
	return nil
}
