// Package dirstate builds and compares snapshots of the monitored directory.
package dirstate

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// FileStat describes one regular file under the monitored root.
type FileStat struct {
	Path   string  `json:"path"`
	Mtime  float64 `json:"mtime"`
	Exists bool    `json:"exists"`
	Size   uint64  `json:"size"`
	Hash   []byte  `json:"hash"`
}

// State is an unordered mapping from RelPath to FileStat for every
// regular file currently under the monitored root.
type State map[string]FileStat

// Walk synchronously scans root and builds a State. Callers must hold the
// directory lock so no filesystem event is interleaved with the walk.
func Walk(root string) (State, error) {
	state := make(State)

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 {
			// symbolic-link semantics are out of scope
			return nil
		}

		rel, err := ToRelPath(root, path)
		if err != nil {
			return fmt.Errorf("rel path: %w", err)
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		hash, err := ContentHash(path)
		if err != nil {
			return fmt.Errorf("hash %s: %w", path, err)
		}

		state[rel] = FileStat{
			Path:   rel,
			Mtime:  float64(info.ModTime().UnixNano()) / 1e9,
			Exists: true,
			Size:   uint64(info.Size()),
			Hash:   hash,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return state, nil
}

// ToRelPath normalizes an absolute path under root into a RelPath:
// forward-slash separated, never containing "..".
func ToRelPath(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || len(rel) >= 3 && rel[:3] == "../" {
		return "", fmt.Errorf("path escapes root: %s", path)
	}
	return rel, nil
}

// ContentHash returns a strong hash of a file's bytes. Walk stamps every
// FileStat with it so reconcile.Decide can break equal-mtime ties by
// lexicographic byte comparison, per spec.
func ContentHash(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Paths returns the sorted set of RelPaths in the state.
func (s State) Paths() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
