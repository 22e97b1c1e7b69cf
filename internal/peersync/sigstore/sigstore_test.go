package sigstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openmined/peersync/internal/peersync/rsyncdelta"
)

func TestLoad_MissingReturnsNil(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	sig, err := s.Load("datasites/a@example.com/notes.txt")
	require.NoError(t, err)
	require.Nil(t, sig)
}

func TestStoreThenLoad_RoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	sig, err := rsyncdelta.Signature(strings.NewReader("hello signature store"))
	require.NoError(t, err)

	relPath := "datasites/a@example.com/sub/dir/notes.txt"
	require.NoError(t, s.Store(relPath, sig))

	got, err := s.Load(relPath)
	require.NoError(t, err)
	require.Equal(t, sig, got)
}

func TestStore_OverwritesPriorSignature(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	relPath := "notes.txt"
	sig1, err := rsyncdelta.Signature(strings.NewReader("version one"))
	require.NoError(t, err)
	require.NoError(t, s.Store(relPath, sig1))

	sig2, err := rsyncdelta.Signature(strings.NewReader("version two, much longer content"))
	require.NoError(t, err)
	require.NoError(t, s.Store(relPath, sig2))

	got, err := s.Load(relPath)
	require.NoError(t, err)
	require.Equal(t, sig2, got)
}

func TestDelete_RemovesSignature(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	relPath := "notes.txt"
	sig, err := rsyncdelta.Signature(strings.NewReader("content"))
	require.NoError(t, err)
	require.NoError(t, s.Store(relPath, sig))

	require.NoError(t, s.Delete(relPath))

	got, err := s.Load(relPath)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDelete_MissingIsNotAnError(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Delete("never/existed.txt"))
}

func TestRename_MovesSignatureToNewPath(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	sig, err := rsyncdelta.Signature(strings.NewReader("content to move"))
	require.NoError(t, err)
	require.NoError(t, s.Store("old/path.txt", sig))

	require.NoError(t, s.Rename("old/path.txt", "new/path.txt"))

	got, err := s.Load("new/path.txt")
	require.NoError(t, err)
	require.Equal(t, sig, got)

	gone, err := s.Load("old/path.txt")
	require.NoError(t, err)
	require.Nil(t, gone)
}
