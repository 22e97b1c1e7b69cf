package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openmined/peersync/internal/peersync/config"
	"github.com/openmined/peersync/internal/peersync/peerid"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()

	cfg := config.Defaults()
	cfg.MonitoredDir = t.TempDir()
	cfg.SignatureDir = t.TempDir()
	cfg.ListenPort = 0
	cfg.BroadcastPort = 0
	require.NoError(t, cfg.Validate())

	n, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.ws.Unlock() })
	return n
}

func TestNew_LocksWorkspaceAndBuildsComponents(t *testing.T) {
	n := newTestNode(t)
	require.NotNil(t, n.reg)
	require.NotNil(t, n.disc)
	require.NotNil(t, n.wch)
	require.NotNil(t, n.rtr)
}

func TestNew_FailsWhenWorkspaceAlreadyLocked(t *testing.T) {
	cfg := config.Defaults()
	cfg.MonitoredDir = t.TempDir()
	cfg.SignatureDir = t.TempDir()
	require.NoError(t, cfg.Validate())

	first, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.ws.Unlock() })

	_, err = New(cfg)
	require.Error(t, err)
}

func TestOnDiscovered_RecordsPortByIP(t *testing.T) {
	n := newTestNode(t)
	remote := peerid.ID{IP: "10.0.0.5", Port: 7001}

	n.onDiscovered(context.Background(), remote)

	port, ok := n.portFor("10.0.0.5")
	require.True(t, ok)
	require.EqualValues(t, 7001, port)
}

func TestPortFor_UnknownIPReportsNotFound(t *testing.T) {
	n := newTestNode(t)

	_, ok := n.portFor("10.0.0.99")
	require.False(t, ok)
}

func TestAcceptLoop_ClosesConnectionFromUndiscoveredPeer(t *testing.T) {
	n := newTestNode(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	n.listener = ln
	t.Cleanup(func() { _ = ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = n.acceptLoop(ctx) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err, "connection from an IP with no known PeerId should be closed")
}

func TestAcceptLoop_InstallsSessionForKnownPeerIP(t *testing.T) {
	n := newTestNode(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	n.listener = ln
	t.Cleanup(func() { _ = ln.Close() })

	n.onDiscovered(context.Background(), peerid.ID{IP: "127.0.0.1", Port: 9999})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = n.acceptLoop(ctx) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		_, ok := n.reg.Get(peerid.ID{IP: "127.0.0.1", Port: 9999})
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
