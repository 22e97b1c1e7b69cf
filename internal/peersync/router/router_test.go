package router

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openmined/peersync/internal/peersync/ignore"
	"github.com/openmined/peersync/internal/peersync/message"
	"github.com/openmined/peersync/internal/peersync/rsyncdelta"
	"github.com/openmined/peersync/internal/peersync/sigstore"
	"github.com/openmined/peersync/internal/peersync/watch"
)

type fixture struct {
	t    *testing.T
	root string
	sigs *sigstore.Store
	ig   *ignore.Set
	msgs []*message.Message
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	sigs, err := sigstore.New(root)
	require.NoError(t, err)
	ig := ignore.New(50 * time.Millisecond)
	t.Cleanup(ig.Close)
	return &fixture{t: t, root: root, sigs: sigs, ig: ig}
}

func (f *fixture) router() *Router {
	return New(f.root, f.sigs, f.ig, func(msg *message.Message, onlySynchronized bool) {
		f.msgs = append(f.msgs, msg)
	})
}

func (f *fixture) writeFile(relPath, content string) float64 {
	path := filepath.Join(f.root, relPath)
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0o644))
	info, err := os.Stat(path)
	require.NoError(f.t, err)
	return float64(info.ModTime().UnixNano()) / 1e9
}

func TestHandle_CreateBroadcastsFullBytesAndStoresSignature(t *testing.T) {
	f := newFixture(t)
	mtime := f.writeFile("a.txt", "hello")

	f.router().Handle(watch.DirEvent{Kind: watch.EventCreate, Path: "a.txt"})

	require.Len(t, f.msgs, 1)
	create, ok := f.msgs[0].Data.(message.Create)
	require.True(t, ok)
	require.Equal(t, "a.txt", create.Path)
	require.Equal(t, "hello", string(create.Bytes))
	require.InDelta(t, mtime, create.Mtime, 0.01)

	sig, err := f.sigs.Load("a.txt")
	require.NoError(t, err)
	require.NotNil(t, sig)
}

func TestHandle_ModifyComputesDeltaAgainstPriorSignature(t *testing.T) {
	f := newFixture(t)
	f.writeFile("a.txt", "hello world, this content repeats, hello world")
	f.router().Handle(watch.DirEvent{Kind: watch.EventCreate, Path: "a.txt"})
	f.msgs = nil

	mtime := f.writeFile("a.txt", "hello world, this content repeats, hello there")
	f.router().Handle(watch.DirEvent{Kind: watch.EventModify, Path: "a.txt"})

	require.Len(t, f.msgs, 1)
	mod, ok := f.msgs[0].Data.(message.Modify)
	require.True(t, ok)
	require.Equal(t, "a.txt", mod.Path)
	require.InDelta(t, mtime, mod.Mtime, 0.01)

	delta, err := rsyncdelta.UnmarshalDelta(mod.Delta)
	require.NoError(t, err)
	require.Greater(t, delta.Len(), 0)
}

func TestHandle_DeleteRemovesSignatureAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.writeFile("a.txt", "hello")
	f.router().Handle(watch.DirEvent{Kind: watch.EventCreate, Path: "a.txt"})
	f.msgs = nil

	os.Remove(filepath.Join(f.root, "a.txt"))
	f.router().Handle(watch.DirEvent{Kind: watch.EventDelete, Path: "a.txt"})

	require.Len(t, f.msgs, 1)
	_, ok := f.msgs[0].Data.(message.Delete)
	require.True(t, ok)

	sig, err := f.sigs.Load("a.txt")
	require.NoError(t, err)
	require.Nil(t, sig)
}

func TestHandle_RenameMovesSignatureAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.writeFile("a.txt", "hello")
	f.router().Handle(watch.DirEvent{Kind: watch.EventCreate, Path: "a.txt"})
	f.msgs = nil

	require.NoError(t, os.Rename(filepath.Join(f.root, "a.txt"), filepath.Join(f.root, "b.txt")))
	f.router().Handle(watch.DirEvent{Kind: watch.EventRename, OldPath: "a.txt", Path: "b.txt"})

	require.Len(t, f.msgs, 1)
	ren, ok := f.msgs[0].Data.(message.Rename)
	require.True(t, ok)
	require.Equal(t, "a.txt", ren.Src)
	require.Equal(t, "b.txt", ren.Dst)

	oldSig, err := f.sigs.Load("a.txt")
	require.NoError(t, err)
	require.Nil(t, oldSig)
	newSig, err := f.sigs.Load("b.txt")
	require.NoError(t, err)
	require.NotNil(t, newSig)
}

func TestHandle_SuppressesEchoOfAppliedRemoteWrite(t *testing.T) {
	f := newFixture(t)
	mtime := f.writeFile("a.txt", "hello")

	f.ig.Expect("a.txt", mtime)
	f.router().Handle(watch.DirEvent{Kind: watch.EventCreate, Path: "a.txt"})

	require.Empty(t, f.msgs, "an event matching a pending ignore entry must not be broadcast")
}

func TestHandle_SuppressesDeleteEchoByPresenceAlone(t *testing.T) {
	f := newFixture(t)
	f.writeFile("a.txt", "hello")
	f.router().Handle(watch.DirEvent{Kind: watch.EventCreate, Path: "a.txt"})
	f.msgs = nil

	os.Remove(filepath.Join(f.root, "a.txt"))
	f.ig.Expect("a.txt", 12345.0) // the mtime a DELETE echo records is irrelevant here
	f.router().Handle(watch.DirEvent{Kind: watch.EventDelete, Path: "a.txt"})

	require.Empty(t, f.msgs, "a DELETE matching any pending ignore entry for the path must be suppressed")
}
