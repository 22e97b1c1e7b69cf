// Package node wires every component into the running process: the
// workspace lock, the signature store, the TCP accept loop, the UDP
// discovery beacon, the filesystem watcher, and the event router — and
// owns their shared lifecycle (spec §2 Supervisor row).
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openmined/peersync/internal/peersync/config"
	"github.com/openmined/peersync/internal/peersync/discovery"
	"github.com/openmined/peersync/internal/peersync/ignore"
	"github.com/openmined/peersync/internal/peersync/peerid"
	"github.com/openmined/peersync/internal/peersync/registry"
	"github.com/openmined/peersync/internal/peersync/router"
	"github.com/openmined/peersync/internal/peersync/sigstore"
	"github.com/openmined/peersync/internal/peersync/watch"
	"github.com/openmined/peersync/internal/peersync/workspace"
)

// Node is a single running peer: one monitored directory, one listen
// socket, one set of peer sessions.
type Node struct {
	cfg *config.Config
	ws  *workspace.Workspace

	reg  *registry.Registry
	disc *discovery.Discovery
	wch  *watch.Watcher
	rtr  *router.Router

	self peerid.ID

	portsMu sync.Mutex
	ports   map[string]uint16 // last-known listen port, keyed by IP

	listener net.Listener
}

// New resolves and locks the workspace and builds every component. It
// does not start anything; call Run for that.
func New(cfg *config.Config) (*Node, error) {
	ws, err := workspace.New(cfg.MonitoredDir)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if err := ws.Lock(); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}

	sigs, err := sigstore.New(cfg.SignatureDir)
	if err != nil {
		_ = ws.Unlock()
		return nil, fmt.Errorf("sigstore: %w", err)
	}

	self := peerid.ID{IP: localIP(), Port: uint16(cfg.ListenPort)}
	ig := ignore.New(ignore.DefaultGrace)

	reg := registry.New(self, ws.Root, sigs, ig, cfg.MaxFrameBytes, time.Duration(cfg.ConnectTimeoutS)*time.Second)
	rtr := router.New(ws.Root, sigs, ig, reg.Broadcast)
	wch := watch.New(ws.Root)

	n := &Node{
		cfg:   cfg,
		ws:    ws,
		reg:   reg,
		wch:   wch,
		rtr:   rtr,
		self:  self,
		ports: make(map[string]uint16),
	}

	disc, err := discovery.New(self, uint16(cfg.BroadcastPort), time.Duration(cfg.BeaconIntervalS)*time.Second, n.onDiscovered)
	if err != nil {
		_ = ws.Unlock()
		return nil, fmt.Errorf("discovery: %w", err)
	}
	n.disc = disc

	return n, nil
}

// onDiscovered records remote's advertised listen port against its IP
// before delegating to the registry, so a later inbound accept from the
// same IP can be attributed to this PeerId (see acceptLoop).
func (n *Node) onDiscovered(ctx context.Context, remote peerid.ID) {
	n.portsMu.Lock()
	n.ports[remote.IP] = remote.Port
	n.portsMu.Unlock()

	n.reg.OnDiscovered(ctx, remote)
}

// portFor returns the last PeerId we believe is reachable at ip, learned
// from a prior discovery beacon.
func (n *Node) portFor(ip string) (uint16, bool) {
	n.portsMu.Lock()
	defer n.portsMu.Unlock()
	port, ok := n.ports[ip]
	return port, ok
}

// Run starts every component and blocks until ctx is canceled or a
// component fails irrecoverably. On return, every resource Run opened is
// released: the listen socket, every peer session, and the workspace lock.
func (n *Node) Run(ctx context.Context) error {
	defer func() {
		if err := n.ws.Unlock(); err != nil {
			slog.Error("node: workspace unlock failed", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", n.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	n.listener = ln

	if err := n.wch.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("watcher: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		n.rtr.Run(n.wch.Events())
		return nil
	})

	eg.Go(func() error {
		if err := n.disc.Run(egCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("discovery: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		if err := n.acceptLoop(egCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("accept loop: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("node: stopping", "peer", n.self)
		_ = ln.Close()
		n.wch.Stop()
		n.reg.CloseAll()
		return nil
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("node: stopped with error", "error", err)
		return err
	}

	slog.Info("node: stopped")
	return nil
}

// acceptLoop accepts inbound peer connections and attributes each to the
// PeerId discovery last observed at that remote IP. A connection from an
// IP we have never received a beacon from is closed: the dialing peer
// will retry, and we will likely have heard its beacon by then.
func (n *Node) acceptLoop(ctx context.Context) error {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}

		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil {
			slog.Warn("node: could not parse remote addr", "addr", conn.RemoteAddr(), "error", err)
			_ = conn.Close()
			continue
		}

		port, ok := n.portFor(host)
		if !ok {
			slog.Debug("node: rejecting connection from undiscovered peer", "ip", host)
			_ = conn.Close()
			continue
		}

		n.reg.OnAccepted(ctx, conn, peerid.ID{IP: host, Port: port})
	}
}

func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
