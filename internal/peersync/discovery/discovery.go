// Package discovery implements the UDP beacon broadcaster and listener
// spec §4.4 describes: a stateless "I'm here" datagram that feeds new
// peer addresses to the registry.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	json "github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sys/unix"

	"github.com/openmined/peersync/internal/peersync/peerid"
)

const seenCacheSize = 256

type beaconPayload struct {
	Port uint16 `json:"port"`
}

// OnDiscoveredFunc is the registry callback invoked for every beacon
// from an address that is not this node's own.
type OnDiscoveredFunc func(ctx context.Context, remote peerid.ID)

// Discovery owns the UDP broadcaster and listener goroutines.
type Discovery struct {
	self          peerid.ID
	broadcastAddr string // e.g. "255.255.255.255:5000"
	broadcastPort uint16
	interval      time.Duration
	onDiscovered  OnDiscoveredFunc
	seen          *lru.Cache[peerid.ID, time.Time]
	sendConn      *net.UDPConn
	extraBeaconCh chan struct{}
}

// New constructs a Discovery. self is this node's own advertised
// (ip, listen_port), used to reject its own beacons.
func New(self peerid.ID, broadcastPort uint16, interval time.Duration, onDiscovered OnDiscoveredFunc) (*Discovery, error) {
	seen, err := lru.New[peerid.ID, time.Time](seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("discovery: recently-seen cache: %w", err)
	}
	return &Discovery{
		self:          self,
		broadcastAddr: fmt.Sprintf("255.255.255.255:%d", broadcastPort),
		broadcastPort: broadcastPort,
		interval:      interval,
		onDiscovered:  onDiscovered,
		seen:          seen,
		extraBeaconCh: make(chan struct{}, 1),
	}, nil
}

// Run starts the beacon broadcaster and the beacon listener and blocks
// until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) error {
	listenConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(d.broadcastPort)})
	if err != nil {
		return fmt.Errorf("discovery: listen: %w", err)
	}
	defer listenConn.Close()

	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return fmt.Errorf("discovery: send socket: %w", err)
	}
	defer sendConn.Close()
	if err := enableBroadcast(sendConn); err != nil {
		return fmt.Errorf("discovery: enable broadcast: %w", err)
	}
	d.sendConn = sendConn

	go func() {
		<-ctx.Done()
		listenConn.Close()
		sendConn.Close()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- d.broadcastLoop(ctx) }()
	go func() { errCh <- d.listenLoop(ctx, listenConn) }()

	err = <-errCh
	<-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// enableBroadcast sets SO_BROADCAST on the send socket so datagrams to
// the subnet broadcast address are not rejected by the kernel.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func (d *Discovery) broadcastLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	if err := d.sendBeacon(); err != nil {
		slog.Debug("initial beacon failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.sendBeacon(); err != nil {
				slog.Debug("beacon send failed", "error", err)
			}
		case <-d.extraBeaconCh:
			if err := d.sendBeacon(); err != nil {
				slog.Debug("extra beacon send failed", "error", err)
			}
		}
	}
}

func (d *Discovery) sendBeacon() error {
	payload, err := json.Marshal(beaconPayload{Port: d.self.Port})
	if err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp4", d.broadcastAddr)
	if err != nil {
		return err
	}
	_, err = d.sendConn.WriteToUDP(payload, addr)
	return err
}

func (d *Discovery) listenLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, 512)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("discovery: read: %w", err)
		}

		var payload beaconPayload
		if err := json.Unmarshal(buf[:n], &payload); err != nil {
			slog.Debug("discovery: malformed beacon, dropping", "from", src, "error", err)
			continue
		}

		srcIP := src.AddrPort().Addr().Unmap()
		remote := peerid.ID{IP: srcIP.String(), Port: payload.Port}
		if remote == d.self {
			continue
		}

		if d.observe(remote) {
			select {
			case d.extraBeaconCh <- struct{}{}:
			default:
			}
		}

		d.onDiscovered(ctx, remote)
	}
}

// observe records remote in the recently-seen cache and reports whether
// it was previously unknown, which is when an extra out-of-schedule
// beacon is warranted so the new peer learns of us without waiting a
// full interval.
func (d *Discovery) observe(remote peerid.ID) (isNew bool) {
	_, known := d.seen.Get(remote)
	d.seen.Add(remote, time.Now())
	return !known
}
