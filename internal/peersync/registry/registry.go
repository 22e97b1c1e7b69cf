// Package registry holds the set of live peer sessions, coordinating
// accept/connect so at most one Synchronized session exists per PeerId,
// per spec §4.3.
package registry

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openmined/peersync/internal/peersync/ignore"
	"github.com/openmined/peersync/internal/peersync/message"
	"github.com/openmined/peersync/internal/peersync/peerid"
	"github.com/openmined/peersync/internal/peersync/session"
	"github.com/openmined/peersync/internal/peersync/sigstore"
)

// Registry is guarded by one mutex, held only across map mutations,
// never across I/O (spec §5's concurrency model).
type Registry struct {
	self peerid.ID

	root          string
	sigs          *sigstore.Store
	ig            *ignore.Set
	maxFrameBytes uint64
	dialTimeout   time.Duration

	mu       sync.Mutex
	sessions map[peerid.ID]*session.Session
	dialing  map[peerid.ID]uuid.UUID
}

// New constructs a Registry. self is this node's own advertised address,
// used to reject self-dials and to tie-break duplicate sessions.
func New(self peerid.ID, root string, sigs *sigstore.Store, ig *ignore.Set, maxFrameBytes uint64, dialTimeout time.Duration) *Registry {
	return &Registry{
		self:          self,
		root:          root,
		sigs:          sigs,
		ig:            ig,
		maxFrameBytes: maxFrameBytes,
		dialTimeout:   dialTimeout,
		sessions:      make(map[peerid.ID]*session.Session),
		dialing:       make(map[peerid.ID]uuid.UUID),
	}
}

// Count returns the number of live sessions (any state), for diagnostics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Get returns the current session for id, if any.
func (r *Registry) Get(id peerid.ID) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// OnDiscovered is Discovery's callback for a beacon from an address that
// is not yet a known session. If a dial is already in flight for that
// PeerId, it is a no-op; otherwise it starts an outbound dial.
func (r *Registry) OnDiscovered(ctx context.Context, remote peerid.ID) {
	if remote == r.self {
		return
	}

	r.mu.Lock()
	if _, exists := r.sessions[remote]; exists {
		r.mu.Unlock()
		return
	}
	if _, inFlight := r.dialing[remote]; inFlight {
		r.mu.Unlock()
		return
	}
	token := uuid.New()
	r.dialing[remote] = token
	r.mu.Unlock()

	go r.dial(ctx, remote, token)
}

func (r *Registry) dial(ctx context.Context, remote peerid.ID, token uuid.UUID) {
	dialCtx, cancel := context.WithTimeout(ctx, r.dialTimeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", remote.String())
	if err != nil {
		r.mu.Lock()
		if r.dialing[remote] == token {
			delete(r.dialing, remote)
		}
		r.mu.Unlock()
		slog.Debug("dial failed", "peer", remote, "error", err)
		return
	}

	r.mu.Lock()
	if r.dialing[remote] != token {
		// superseded by a newer dial attempt or resolved by an
		// inbound accept while this dial was in flight.
		r.mu.Unlock()
		conn.Close()
		return
	}
	delete(r.dialing, remote)
	if _, exists := r.sessions[remote]; exists {
		r.mu.Unlock()
		conn.Close()
		return
	}
	sess := r.newSession(remote, conn)
	r.sessions[remote] = sess
	r.mu.Unlock()

	r.run(ctx, sess)
}

// OnAccepted installs a session for an inbound connection already
// identified as remote. If a session for remote already exists, the two
// PeerIds are tie-broken lexicographically: the lower PeerId's node
// keeps its own outbound session, closing this inbound one; the other
// node keeps this inbound session, closing its own outbound one.
func (r *Registry) OnAccepted(ctx context.Context, conn net.Conn, remote peerid.ID) {
	r.mu.Lock()
	existing, dup := r.sessions[remote]
	if !dup {
		sess := r.newSession(remote, conn)
		r.sessions[remote] = sess
		delete(r.dialing, remote)
		r.mu.Unlock()
		go r.run(ctx, sess)
		return
	}
	r.mu.Unlock()

	if r.self.Less(remote) {
		slog.Info("duplicate session, keeping own outbound dial", "peer", remote)
		conn.Close()
		return
	}

	sess := r.newSession(remote, conn)
	r.mu.Lock()
	r.sessions[remote] = sess
	r.mu.Unlock()

	slog.Info("duplicate session, keeping inbound accept", "peer", remote)
	existing.Close(session.ErrDuplicateSession)
	go r.run(ctx, sess)
}

// newSession builds a session whose OnClose callback closes over the
// session's own identity (not just its PeerId), so that when a loser of
// a duplicate-session tie-break closes, its removal cannot evict a
// winner that has already taken its place in the map under the same
// PeerId.
func (r *Registry) newSession(remote peerid.ID, conn net.Conn) *session.Session {
	var sess *session.Session
	sess = session.New(remote, conn, r.maxFrameBytes, r.root, r.sigs, r.ig, session.Callbacks{
		OnClose: func(id peerid.ID, err error) {
			r.remove(id, sess, err)
		},
		Broadcast: r.Broadcast,
	})
	return sess
}

func (r *Registry) run(ctx context.Context, sess *session.Session) {
	if err := sess.Run(ctx); err != nil {
		slog.Debug("session ended", "peer", sess.ID(), "error", err)
	}
}

// remove evicts sess from the map, but only if it is still the entry on
// record for id: it never blocks on I/O and only mutates the registry's
// map, so sessions never need a reference back to the full Registry.
func (r *Registry) remove(id peerid.ID, sess *session.Session, err error) {
	r.mu.Lock()
	if cur, ok := r.sessions[id]; ok && cur == sess {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if err != nil {
		slog.Debug("peer session closed", "peer", id, "error", err)
	}
}

// Broadcast enqueues msg on every live session. When onlySynchronized is
// true (steady-state pushes from the event router), sessions still in
// Reconciling are skipped so a push never races the initial DirState
// exchange.
func (r *Registry) Broadcast(msg *message.Message, onlySynchronized bool) {
	r.mu.Lock()
	targets := make([]*session.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		targets = append(targets, sess)
	}
	r.mu.Unlock()

	for _, sess := range targets {
		if onlySynchronized && sess.State() != session.StateSynchronized {
			continue
		}
		if err := sess.Enqueue(msg); err != nil {
			slog.Debug("broadcast enqueue failed", "peer", sess.ID(), "error", err)
		}
	}
}

// CloseAll closes every live session, used by the supervisor on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	targets := make([]*session.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		targets = append(targets, sess)
	}
	r.mu.Unlock()

	for _, sess := range targets {
		sess.Close(nil)
	}
}
