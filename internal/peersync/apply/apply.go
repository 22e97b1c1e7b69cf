// Package apply implements the receiving side of CREATE/MODIFY/DELETE/
// RENAME: the mtime-gated, atomic-write rules spec §4.7 requires so a
// remote update never regresses a file that was edited more recently
// locally.
package apply

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/peersync/internal/peersync/ignore"
	"github.com/openmined/peersync/internal/peersync/rsyncdelta"
	"github.com/openmined/peersync/internal/peersync/sigstore"
	"github.com/openmined/peersync/internal/peersync/utils"
)

// ErrMissingBase is returned when a MODIFY delta arrives for a path with
// no local file to patch against. Per spec this is a recognized
// weakness: the caller should drop the message and rely on the next
// reconciliation to recover the file in full.
var ErrMissingBase = errors.New("apply: missing base file for delta")

func absPath(root, relPath string) string {
	return filepath.Join(root, filepath.FromSlash(relPath))
}

func localMtime(path string) (mtime float64, exists bool, err error) {
	info, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		return 0, false, nil
	}
	if statErr != nil {
		return 0, false, statErr
	}
	return float64(info.ModTime().UnixNano()) / 1e9, true, nil
}

// writeAtomic writes data to a temp file alongside path and renames it
// into place, then sets the file's mtime to the given value.
func writeAtomic(path string, data []byte, mtime float64) error {
	if err := utils.EnsureParent(path); err != nil {
		return fmt.Errorf("ensure parent: %w", err)
	}

	tmp := path + ".peersync-tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}

	t := time.Unix(0, int64(mtime*1e9))
	if err := os.Chtimes(path, t, t); err != nil {
		return fmt.Errorf("set mtime: %w", err)
	}
	return nil
}

func refreshSignature(path, relPath string, sigs *sigstore.Store) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open for signature: %w", err)
	}
	defer f.Close()

	sig, err := rsyncdelta.Signature(f)
	if err != nil {
		return fmt.Errorf("compute signature: %w", err)
	}
	return sigs.Store(relPath, sig)
}

// Create applies a CREATE: if a local file already exists with an mtime
// at or after the remote's, the remote is stale and the message is
// dropped. Otherwise the full bytes are written atomically.
func Create(root, relPath string, mtime float64, data []byte, sigs *sigstore.Store, ig *ignore.Set) error {
	path := absPath(root, relPath)

	localM, exists, err := localMtime(path)
	if err != nil {
		return err
	}
	if exists && localM >= mtime {
		return nil // stale remote, drop
	}

	ig.Expect(relPath, mtime)
	if err := writeAtomic(path, data, mtime); err != nil {
		return err
	}
	return refreshSignature(path, relPath, sigs)
}

// Modify applies a MODIFY delta against the current local file. A delta
// for a file that doesn't exist locally yet cannot be applied: it
// returns ErrMissingBase for the caller to drop and wait on the next
// reconciliation. An incoming mtime equal to the local one is not stale:
// reconcile.Decide only ever produces an equal-mtime push for the peer
// that lost the content-hash tiebreak, so the receiver must apply it.
func Modify(root, relPath string, mtime float64, delta []byte, sigs *sigstore.Store, ig *ignore.Set) error {
	path := absPath(root, relPath)

	localM, exists, err := localMtime(path)
	if err != nil {
		return err
	}
	if !exists {
		return ErrMissingBase
	}
	if localM > mtime {
		return nil // stale remote, drop
	}

	base, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open base file: %w", err)
	}
	defer base.Close()

	d, err := rsyncdelta.UnmarshalDelta(delta)
	if err != nil {
		return fmt.Errorf("unmarshal delta: %w", err)
	}

	var patched bytes.Buffer
	if err := rsyncdelta.Patch(base, d, &patched); err != nil {
		return fmt.Errorf("patch: %w", err)
	}

	ig.Expect(relPath, mtime)
	if err := writeAtomic(path, patched.Bytes(), mtime); err != nil {
		return err
	}
	return refreshSignature(path, relPath, sigs)
}

// Delete applies a DELETE: a missing local file is a no-op, a local file
// strictly newer than the remote's tombstone mtime wins and the delete
// is dropped.
func Delete(root, relPath string, mtime float64, sigs *sigstore.Store, ig *ignore.Set) error {
	path := absPath(root, relPath)

	localM, exists, err := localMtime(path)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if localM > mtime {
		return nil // local edit is newer, drop the delete
	}

	ig.Expect(relPath, mtime)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	return sigs.Delete(relPath)
}

// Rename applies a RENAME: a missing source is a no-op (nothing to move),
// an existing destination at or after the remote's mtime wins and the
// rename is dropped.
func Rename(root, src, dst string, mtime float64, sigs *sigstore.Store, ig *ignore.Set) error {
	srcPath := absPath(root, src)
	dstPath := absPath(root, dst)

	_, srcExists, err := localMtime(srcPath)
	if err != nil {
		return err
	}
	if !srcExists {
		return nil
	}

	dstMtime, dstExists, err := localMtime(dstPath)
	if err != nil {
		return err
	}
	if dstExists && dstMtime >= mtime {
		return nil
	}

	if err := utils.EnsureParent(dstPath); err != nil {
		return fmt.Errorf("ensure parent: %w", err)
	}

	ig.Expect(dst, mtime)
	if err := os.Rename(srcPath, dstPath); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	t := time.Unix(0, int64(mtime*1e9))
	if err := os.Chtimes(dstPath, t, t); err != nil {
		return fmt.Errorf("set mtime: %w", err)
	}

	return sigs.Rename(src, dst)
}
