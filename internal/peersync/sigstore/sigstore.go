// Package sigstore persists one rsyncdelta.Sig per monitored file so a
// peer can compute a delta against the last signature it sent, without
// re-reading and re-hashing the whole file on every reconciliation pass.
package sigstore

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/openmined/peersync/internal/peersync/rsyncdelta"
	"github.com/openmined/peersync/internal/peersync/utils"
)

// Store is a directory of cached signatures, one file per RelPath, keyed
// by a percent-encoded filename so arbitrary nested RelPaths collapse
// into a flat directory.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*flock.Flock
}

// New returns a Store rooted at sigDir (spec's configurable signature_dir,
// independent of the monitored directory), creating it if needed.
func New(sigDir string) (*Store, error) {
	if err := utils.EnsureDir(sigDir); err != nil {
		return nil, fmt.Errorf("create sigstore dir: %w", err)
	}
	return &Store{
		dir:   sigDir,
		locks: make(map[string]*flock.Flock),
	}, nil
}

// encode turns a RelPath into a filesystem-safe filename.
func encode(relPath string) string {
	return url.PathEscape(relPath)
}

func (s *Store) pathFor(relPath string) string {
	return filepath.Join(s.dir, encode(relPath))
}

// lockFor returns the process-local flock guarding relPath, creating one
// on first use. A single Store is normally owned by one node, but the
// flock also protects against a stray second process sharing the dir.
func (s *Store) lockFor(relPath string) *flock.Flock {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fl, ok := s.locks[relPath]; ok {
		return fl
	}
	fl := flock.New(s.pathFor(relPath) + ".lock")
	s.locks[relPath] = fl
	return fl
}

// Load reads the cached signature for relPath. It returns (nil, nil) if
// no signature has ever been stored for that path.
func (s *Store) Load(relPath string) (*rsyncdelta.Sig, error) {
	fl := s.lockFor(relPath)
	if err := fl.RLock(); err != nil {
		return nil, fmt.Errorf("lock signature for %s: %w", relPath, err)
	}
	defer fl.Unlock()

	data, err := os.ReadFile(s.pathFor(relPath))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read signature for %s: %w", relPath, err)
	}

	return rsyncdelta.UnmarshalSig(data)
}

// Store persists sig as the cached signature for relPath, replacing any
// prior value via a write-then-rename so a concurrent Load never sees a
// partially written file.
func (s *Store) Store(relPath string, sig *rsyncdelta.Sig) error {
	fl := s.lockFor(relPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock signature for %s: %w", relPath, err)
	}
	defer fl.Unlock()

	dst := s.pathFor(relPath)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, sig.Marshal(), 0o644); err != nil {
		return fmt.Errorf("write signature for %s: %w", relPath, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("commit signature for %s: %w", relPath, err)
	}
	return nil
}

// Delete removes the cached signature for relPath, e.g. after the file
// itself is deleted. It is not an error if no signature exists.
func (s *Store) Delete(relPath string) error {
	fl := s.lockFor(relPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock signature for %s: %w", relPath, err)
	}
	defer fl.Unlock()

	if err := os.Remove(s.pathFor(relPath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete signature for %s: %w", relPath, err)
	}
	return nil
}

// Rename moves the cached signature from oldRelPath to newRelPath,
// mirroring a RENAME event so the destination inherits the source's last
// known signature instead of starting signature-less.
func (s *Store) Rename(oldRelPath, newRelPath string) error {
	oldFl := s.lockFor(oldRelPath)
	if err := oldFl.Lock(); err != nil {
		return fmt.Errorf("lock signature for %s: %w", oldRelPath, err)
	}
	defer oldFl.Unlock()

	newFl := s.lockFor(newRelPath)
	if err := newFl.Lock(); err != nil {
		return fmt.Errorf("lock signature for %s: %w", newRelPath, err)
	}
	defer newFl.Unlock()

	err := os.Rename(s.pathFor(oldRelPath), s.pathFor(newRelPath))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
