package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Workspace hands out per-run working directories under a common root.
// A run's directory is exclusively owned by that run: steps execute inside
// it and later steps read the artifacts earlier steps left behind. No two
// runs ever share a directory.
type Workspace struct {
	root   string
	retain bool
}

// NewWorkspace creates a workspace rooted at dir. When retain is true,
// Remove keeps directories on disk for debugging instead of deleting them.
func NewWorkspace(dir string, retain bool) *Workspace {
	return &Workspace{root: dir, retain: retain}
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string {
	return w.root
}

// Create makes a fresh directory for the run and returns its path.
func (w *Workspace) Create(runID string) (string, error) {
	if err := os.MkdirAll(w.root, 0755); err != nil {
		return "", fmt.Errorf("%w: creating workspace root: %v", ErrSetup, err)
	}

	dir := filepath.Join(w.root, "run-"+runID)
	if _, err := os.Stat(dir); err == nil {
		// Leftover from an earlier process with the same id; start clean.
		dir = filepath.Join(w.root, fmt.Sprintf("run-%s-%s", runID, randomSuffix()))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: creating run dir: %v", ErrSetup, err)
	}
	return dir, nil
}

// Remove deletes a run directory unless retention is configured.
func (w *Workspace) Remove(dir string) error {
	if w.retain {
		return nil
	}
	if !strings.HasPrefix(dir, w.root) {
		return fmt.Errorf("refusing to remove %s: outside workspace root", dir)
	}
	return os.RemoveAll(dir)
}

// List returns the run directories currently present under the root.
func (w *Workspace) List() ([]string, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "run-") {
			dirs = append(dirs, filepath.Join(w.root, e.Name()))
		}
	}
	return dirs, nil
}

// ListArtifacts returns the relative paths of files produced in a run
// directory, skipping dot-prefixed scratch entries.
func ListArtifacts(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		name := info.Name()
		if strings.HasPrefix(name, ".") && path != dir {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func randomSuffix() string {
	b := make([]byte, 3)
	rand.Read(b)
	return hex.EncodeToString(b)
}
