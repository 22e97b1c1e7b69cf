package session

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openmined/peersync/internal/peersync/ignore"
	"github.com/openmined/peersync/internal/peersync/message"
	"github.com/openmined/peersync/internal/peersync/peerid"
	"github.com/openmined/peersync/internal/peersync/sigstore"
)

type fixture struct {
	root string
	sigs *sigstore.Store
	ig   *ignore.Set
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	sigs, err := sigstore.New(root)
	require.NoError(t, err)
	ig := ignore.New(50 * time.Millisecond)
	t.Cleanup(ig.Close)
	return &fixture{root: root, sigs: sigs, ig: ig}
}

func waitForState(t *testing.T, s *Session, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session never reached state %s, stuck at %s", want, s.State())
}

func TestRun_PushesLocalOnlyFileToPeer(t *testing.T) {
	a := newFixture(t)
	b := newFixture(t)

	require.NoError(t, os.WriteFile(filepath.Join(a.root, "hello.txt"), []byte("hello from a"), 0o644))

	connA, connB := net.Pipe()

	sessA := New(peerid.ID{IP: "127.0.0.1", Port: 7001}, connA, 0, a.root, a.sigs, a.ig, Callbacks{})
	sessB := New(peerid.ID{IP: "127.0.0.1", Port: 7002}, connB, 0, b.root, b.sigs, b.ig, Callbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sessA.Run(ctx)
	go sessB.Run(ctx)

	waitForState(t, sessA, StateSynchronized, 2*time.Second)
	waitForState(t, sessB, StateSynchronized, 2*time.Second)

	// Synchronized only means both DIR_STATEs were exchanged; the push
	// triggered by that exchange may still be in flight on the wire.
	dst := filepath.Join(b.root, "hello.txt")
	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	var err error
	for time.Now().Before(deadline) {
		got, err = os.ReadFile(dst)
		if err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, err)
	require.Equal(t, "hello from a", string(got))

	sessA.Close(nil)
	sessB.Close(nil)
}

func TestEnqueue_ClosesSessionWhenQueueFull(t *testing.T) {
	a := newFixture(t)
	connA, connB := net.Pipe()
	defer connB.Close()

	var closed bool
	sessA := New(peerid.ID{IP: "127.0.0.1", Port: 7003}, connA, 0, a.root, a.sigs, a.ig, Callbacks{
		OnClose: func(id peerid.ID, err error) { closed = true },
	})
	sessA.state.Store(int32(StateSynchronized))

	for i := 0; i < sendQueueSize; i++ {
		require.NoError(t, sessA.Enqueue(message.NewDelete("x", 1)))
	}

	err := sessA.Enqueue(message.NewDelete("overflow", 1))
	require.ErrorIs(t, err, ErrBackpressure)
	require.True(t, closed)
	require.Equal(t, StateClosing, sessA.State())
}

func TestEnqueue_NoOpAfterClose(t *testing.T) {
	a := newFixture(t)
	connA, connB := net.Pipe()
	defer connB.Close()

	sessA := New(peerid.ID{IP: "127.0.0.1", Port: 7004}, connA, 0, a.root, a.sigs, a.ig, Callbacks{})
	sessA.Close(nil)

	err := sessA.Enqueue(message.NewDelete("x", 1))
	require.NoError(t, err)
}

func TestTruncateToFrameBudget_KeepsFullListWhenUnderBudget(t *testing.T) {
	a := newFixture(t)
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	sessA := New(peerid.ID{IP: "127.0.0.1", Port: 7005}, connA, 0, a.root, a.sigs, a.ig, Callbacks{})

	files := make([]message.FileEntry, 5)
	for i := range files {
		files[i] = message.FileEntry{Path: "f.txt", Mtime: 1, Size: 1}
	}
	require.Equal(t, files, sessA.truncateToFrameBudget(files))
}

func TestTruncateToFrameBudget_DropsTailWhenOverBudget(t *testing.T) {
	a := newFixture(t)
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	// A tiny max_frame_bytes forces truncation well below the full list.
	sessA := New(peerid.ID{IP: "127.0.0.1", Port: 7006}, connA, 64, a.root, a.sigs, a.ig, Callbacks{})

	files := make([]message.FileEntry, 50)
	for i := range files {
		files[i] = message.FileEntry{Path: "path-that-is-reasonably-long.txt", Mtime: 1, Size: 1, Hash: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	}

	kept := sessA.truncateToFrameBudget(files)
	require.Less(t, len(kept), len(files), "an oversized dir_state must be trimmed, not sent whole")
	require.Equal(t, files[:len(kept)], kept, "the kept prefix must match the path-sorted input, not an arbitrary subset")
}

func TestState_String(t *testing.T) {
	require.Equal(t, "Connecting", StateConnecting.String())
	require.Equal(t, "Reconciling", StateReconciling.String())
	require.Equal(t, "Synchronized", StateSynchronized.String())
	require.Equal(t, "Closing", StateClosing.String())
}
