// Package session implements one persistent bidirectional channel with a
// single remote peer: a bounded send queue, a receive loop dispatching by
// message type, and the Connecting -> Reconciling -> Synchronized ->
// Closing state machine spec §4.2 describes.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/openmined/peersync/internal/peersync/apply"
	"github.com/openmined/peersync/internal/peersync/dirstate"
	"github.com/openmined/peersync/internal/peersync/frame"
	"github.com/openmined/peersync/internal/peersync/ignore"
	"github.com/openmined/peersync/internal/peersync/message"
	"github.com/openmined/peersync/internal/peersync/peerid"
	"github.com/openmined/peersync/internal/peersync/reconcile"
	"github.com/openmined/peersync/internal/peersync/rsyncdelta"
	"github.com/openmined/peersync/internal/peersync/sigstore"
)

// State is the session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateReconciling
	StateSynchronized
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateReconciling:
		return "Reconciling"
	case StateSynchronized:
		return "Synchronized"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// Error kinds that close a session, per spec §7.
var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrDuplicateSession  = errors.New("duplicate session")
	ErrBackpressure      = errors.New("send queue backpressure")
)

// sendQueueSize bounds the FIFO send queue; overflow closes the session
// with ErrBackpressure rather than blocking the enqueuing caller.
const sendQueueSize = 256

// OnCloseFunc is invoked exactly once when a session transitions to
// Closing, so its owner (the registry) can remove it without the
// session holding a back-reference to the whole registry.
type OnCloseFunc func(id peerid.ID, err error)

// BroadcastFunc enqueues msg on every other synchronized session; passed
// to a session as the other half of its narrow registry capability.
type BroadcastFunc func(msg *message.Message, onlySynchronized bool)

// Callbacks is the narrow capability a session uses in place of holding
// a reference to the full peer registry (spec §9's cycle redesign).
type Callbacks struct {
	OnClose   OnCloseFunc
	Broadcast BroadcastFunc
}

// Session owns one socket for one remote peer.
type Session struct {
	id   peerid.ID
	conn net.Conn
	cdc  *frame.Codec

	root string
	sigs *sigstore.Store
	ig   *ignore.Set
	cb   Callbacks

	state atomic.Int32

	sendQueue chan *message.Message

	mu           sync.Mutex
	sentDirState bool
	recvDirState bool

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a Session wrapping conn. root is the monitored
// directory, used to read file bytes when pushing CREATE/MODIFY.
func New(id peerid.ID, conn net.Conn, maxFrameBytes uint64, root string, sigs *sigstore.Store, ig *ignore.Set, cb Callbacks) *Session {
	s := &Session{
		id:        id,
		conn:      conn,
		cdc:       frame.NewCodec(conn, maxFrameBytes),
		root:      root,
		sigs:      sigs,
		ig:        ig,
		cb:        cb,
		sendQueue: make(chan *message.Message, sendQueueSize),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID reports the remote peer's identity.
func (s *Session) ID() peerid.ID { return s.id }

// State reports the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Enqueue adds msg to the send queue without blocking. If the queue is
// full the session is closed with ErrBackpressure, per spec §4.2.
func (s *Session) Enqueue(msg *message.Message) error {
	if s.State() == StateClosing {
		return nil
	}
	select {
	case s.sendQueue <- msg:
		return nil
	default:
		s.Close(ErrBackpressure)
		return ErrBackpressure
	}
}

// Run starts the session's send and receive loops and drives
// reconciliation. It blocks until the session closes.
func (s *Session) Run(ctx context.Context) error {
	s.state.Store(int32(StateReconciling))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.sendLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.recvLoop(ctx)
	}()

	if err := s.sendDirState(); err != nil {
		s.Close(err)
	}

	wg.Wait()
	return nil
}

func (s *Session) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.Close(ctx.Err())
			return
		case <-s.done:
			return
		case msg := <-s.sendQueue:
			payload, err := json.Marshal(msg)
			if err != nil {
				s.Close(fmt.Errorf("%w: marshal: %v", ErrProtocolViolation, err))
				return
			}
			if err := s.cdc.WriteFrame(payload); err != nil {
				s.Close(err)
				return
			}
		}
	}
}

func (s *Session) recvLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		payload, err := s.cdc.ReadFrame()
		if err != nil {
			s.Close(err)
			return
		}

		var msg message.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.Close(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
			return
		}

		if err := s.handle(&msg); err != nil {
			s.Close(err)
			return
		}
	}
}

func (s *Session) handle(msg *message.Message) error {
	switch v := msg.Data.(type) {
	case message.DirState:
		return s.handleDirState(v)
	case message.Create:
		if err := apply.Create(s.root, v.Path, v.Mtime, v.Bytes, s.sigs, s.ig); err != nil {
			slog.Error("apply create failed", "path", v.Path, "error", err)
		}
	case message.Modify:
		if err := apply.Modify(s.root, v.Path, v.Mtime, v.Delta, s.sigs, s.ig); err != nil {
			if errors.Is(err, apply.ErrMissingBase) {
				slog.Warn("modify missing base, dropping", "path", v.Path)
			} else {
				slog.Error("apply modify failed", "path", v.Path, "error", err)
			}
		}
	case message.Delete:
		if err := apply.Delete(s.root, v.Path, v.Mtime, s.sigs, s.ig); err != nil {
			slog.Error("apply delete failed", "path", v.Path, "error", err)
		}
	case message.Rename:
		if err := apply.Rename(s.root, v.Src, v.Dst, v.Mtime, s.sigs, s.ig); err != nil {
			slog.Error("apply rename failed", "src", v.Src, "dst", v.Dst, "error", err)
		}
	case message.Beacon:
		return fmt.Errorf("%w: beacon on peer stream", ErrProtocolViolation)
	default:
		return fmt.Errorf("%w: unhandled message type %T", ErrProtocolViolation, v)
	}
	return nil
}

// sendDirState builds and enqueues this node's own DIR_STATE, the first
// step of reconciliation on entering Reconciling. All writes to conn go
// through sendQueue/sendLoop, the socket's single writer, so this never
// races with handleDirState's pushes or steady-state Enqueue traffic.
func (s *Session) sendDirState() error {
	local, err := dirstate.Walk(s.root)
	if err != nil {
		return fmt.Errorf("walk monitored dir: %w", err)
	}

	files := make([]message.FileEntry, 0, len(local))
	for _, p := range local.Paths() {
		fs := local[p]
		sig, err := s.sigFor(p)
		if err != nil {
			slog.Error("signature lookup failed during reconciliation", "path", p, "error", err)
			continue
		}
		files = append(files, message.FileEntry{Path: p, Mtime: fs.Mtime, Size: fs.Size, Sig: sig, Hash: fs.Hash})
	}

	files = s.truncateToFrameBudget(files)

	s.mu.Lock()
	s.sentDirState = true
	s.mu.Unlock()

	return s.Enqueue(message.NewDirState(files))
}

// truncateToFrameBudget drops the tail of files, which the caller
// guarantees is path-sorted, once the marshaled DIR_STATE would exceed
// the codec's max_frame_bytes cap. Per spec's decision on streaming
// large trees, this is a pragmatic cap, not a wire format change: the
// dropped tail is picked up by the next reconciliation after reconnect,
// since a peer whose DIR_STATE was never seen keeps re-announcing it.
func (s *Session) truncateToFrameBudget(files []message.FileEntry) []message.FileEntry {
	budget := s.cdc.MaxBytes()

	full, err := json.Marshal(message.NewDirState(files))
	if err != nil || uint64(len(full)) <= budget {
		return files
	}

	// Estimate a cut point from the average marshaled entry size, then
	// walk from there until the trimmed list actually fits: avoids
	// re-marshaling the whole (potentially huge) list once per entry.
	avg := float64(len(full)) / float64(len(files))
	keep := int(float64(budget) / avg)
	if keep >= len(files) {
		keep = len(files) - 1
	}
	for keep > 0 {
		encoded, err := json.Marshal(message.NewDirState(files[:keep]))
		if err == nil && uint64(len(encoded)) <= budget {
			break
		}
		keep--
	}

	slog.Warn("dir_state exceeds max_frame_bytes, truncating",
		"total_files", len(files), "sent_files", keep, "max_frame_bytes", budget)
	return files[:keep]
}

// sigFor returns the stored signature for p, computing and persisting a
// fresh one if none exists yet (first scan, per spec's Lifecycles note).
func (s *Session) sigFor(relPath string) ([]byte, error) {
	sig, err := s.sigs.Load(relPath)
	if err != nil {
		return nil, err
	}
	if sig != nil {
		return sig.Marshal(), nil
	}

	f, err := os.Open(absPath(s.root, relPath))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fresh, err := rsyncdelta.Signature(f)
	if err != nil {
		return nil, err
	}
	if err := s.sigs.Store(relPath, fresh); err != nil {
		return nil, err
	}
	return fresh.Marshal(), nil
}

func absPath(root, relPath string) string {
	return filepath.Join(root, filepath.FromSlash(relPath))
}

// handleDirState runs the Reconciler against the remote snapshot and
// enqueues the decided actions: CREATEs (files missing on the peer) first,
// then MODIFYs (files this node holds a newer mtime for). Enqueue rather
// than a direct write keeps sendLoop as the socket's only writer.
func (s *Session) handleDirState(remote message.DirState) error {
	local, err := dirstate.Walk(s.root)
	if err != nil {
		return fmt.Errorf("walk monitored dir: %w", err)
	}

	actions := reconcile.Decide(local, remote.Files)

	var creates, modifies []reconcile.Action
	for _, a := range actions {
		if a.Kind == reconcile.ActionCreate {
			creates = append(creates, a)
		} else {
			modifies = append(modifies, a)
		}
	}

	for _, a := range append(creates, modifies...) {
		msg, err := s.buildPush(a)
		if err != nil {
			slog.Error("failed to build reconciliation push", "path", a.Path, "error", err)
			continue
		}
		if err := s.Enqueue(msg); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.recvDirState = true
	ready := s.sentDirState && s.recvDirState
	s.mu.Unlock()

	if ready {
		s.state.Store(int32(StateSynchronized))
	}
	return nil
}

func (s *Session) buildPush(a reconcile.Action) (*message.Message, error) {
	path := absPath(s.root, a.Path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if a.Kind == reconcile.ActionCreate {
		return message.NewCreate(a.Path, a.Mtime, data), nil
	}

	remoteSig, err := rsyncdelta.UnmarshalSig(a.RemoteSig)
	if err != nil {
		return nil, fmt.Errorf("unmarshal remote signature: %w", err)
	}
	d, err := rsyncdelta.ComputeDelta(remoteSig, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("compute delta: %w", err)
	}
	return message.NewModify(a.Path, a.Mtime, d.Marshal()), nil
}

// Close transitions the session to Closing exactly once, closes the
// socket, and notifies the owner via OnClose.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		close(s.done)
		s.conn.Close()
		if s.cb.OnClose != nil {
			s.cb.OnClose(s.id, err)
		}
	})
}
