package workspace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_ResolvesRootAndRejectsMissingDir(t *testing.T) {
	root := t.TempDir()

	ws, err := New(root)
	require.NoError(t, err)
	require.Equal(t, root, ws.Root)

	_, err = New(filepath.Join(root, "does-not-exist"))
	require.Error(t, err)
}

func TestLock_SecondProcessFailsWithErrLocked(t *testing.T) {
	root := t.TempDir()

	wsA, err := New(root)
	require.NoError(t, err)
	require.NoError(t, wsA.Lock())
	t.Cleanup(func() { _ = wsA.Unlock() })

	wsB, err := New(root)
	require.NoError(t, err)
	require.ErrorIs(t, wsB.Lock(), ErrLocked)
}

func TestUnlock_RemovesLockFileAndAllowsReacquire(t *testing.T) {
	root := t.TempDir()

	wsA, err := New(root)
	require.NoError(t, err)
	require.NoError(t, wsA.Lock())
	require.NoError(t, wsA.Unlock())

	wsB, err := New(root)
	require.NoError(t, err)
	require.NoError(t, wsB.Lock())
	require.NoError(t, wsB.Unlock())
}

func TestUnlock_NoOpWhenNeverLocked(t *testing.T) {
	root := t.TempDir()

	ws, err := New(root)
	require.NoError(t, err)
	require.NoError(t, ws.Unlock())
}
