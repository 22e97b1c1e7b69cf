// Package workspace resolves and locks the single directory a node
// monitors (spec §5: "only one peersync process may hold the monitored
// directory at a time"). It owns nothing about sync semantics itself;
// it exists so the supervisor has one place to acquire and release that
// exclusivity guarantee before anything else starts touching the directory.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/openmined/peersync/internal/peersync/utils"
)

const lockFile = ".peersync.lock"

// ErrLocked is returned by Lock when another process already holds the
// monitored directory.
var ErrLocked = errors.New("workspace locked by another process")

// Workspace is the resolved, lockable monitored directory.
type Workspace struct {
	Root string

	flock *flock.Flock
}

// New resolves root to an absolute path and prepares (without acquiring)
// its exclusive lock. root must already exist; peersync does not create
// the directory it is asked to monitor.
func New(root string) (*Workspace, error) {
	resolved, err := utils.ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root %s: %w", root, err)
	}
	if !utils.DirExists(resolved) {
		return nil, fmt.Errorf("workspace root does not exist: %s", resolved)
	}

	return &Workspace{
		Root:  resolved,
		flock: flock.New(filepath.Join(resolved, lockFile)),
	}, nil
}

// Lock acquires the exclusive workspace lock, failing fast with ErrLocked
// if another process already holds it rather than blocking.
func (w *Workspace) Lock() error {
	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("lock workspace: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	return nil
}

// Unlock releases the lock and removes the lock file, a no-op if this
// process never acquired it.
func (w *Workspace) Unlock() error {
	if !w.flock.Locked() {
		return nil
	}
	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock workspace: %w", err)
	}
	return os.Remove(w.flock.Path())
}
