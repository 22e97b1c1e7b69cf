// Package ignore implements the echo-suppression set: when the node
// applies a remote update to disk, it records the RelPath and the mtime
// it expects the resulting local filesystem event to carry, so the
// event router can recognize and discard the echo instead of
// re-broadcasting it back to the peer that sent it.
package ignore

import (
	"sync"
	"time"

	"github.com/openmined/peersync/internal/peersync/clock"
)

// DefaultGrace bounds how long an entry survives unconsumed before the
// cleanup pass reclaims it, matching spec's default 2s echo grace period.
const DefaultGrace = 2 * time.Second

const defaultCleanupInterval = 500 * time.Millisecond

// mtimeTolerance is the slop allowed between an expected mtime and the
// mtime reported on the matching local filesystem event, since some
// filesystems round or truncate sub-millisecond precision on write.
const mtimeTolerance = time.Millisecond

type entry struct {
	mtime  float64
	expiry float64 // wall-clock seconds, per clock.Clock
}

// Set is a short-lived RelPath -> expected mtime suppression map.
type Set struct {
	grace time.Duration
	clk   clock.Clock

	mu      sync.Mutex
	entries map[string]entry

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a Set that reclaims stale entries older than grace on a
// background ticker, timed by the real system clock. Call Close to stop
// the ticker.
func New(grace time.Duration) *Set {
	return NewWithClock(grace, clock.System{})
}

// NewWithClock is New with an injectable Clock, the seam spec §1's Clock
// collaborator contract exists for: tests can advance a fake clock
// instead of sleeping past the grace period in real time.
func NewWithClock(grace time.Duration, clk clock.Clock) *Set {
	if grace <= 0 {
		grace = DefaultGrace
	}
	s := &Set{
		grace:   grace,
		clk:     clk,
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.cleanupLoop()
	return s
}

// Expect records that applying a remote update to relPath is expected to
// produce a local filesystem event reporting mtime, within the grace period.
func (s *Set) Expect(relPath string, mtime float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[relPath] = entry{mtime: mtime, expiry: s.clk.Now() + s.grace.Seconds()}
}

// Consume reports whether the local event (relPath, mtime) matches a
// pending suppression entry within tolerance, and if so removes it. The
// caller should drop the event (not re-broadcast it) when this returns true.
func (s *Set) Consume(relPath string, mtime float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[relPath]
	if !ok {
		return false
	}
	delete(s.entries, relPath)

	if s.clk.Now() > e.expiry {
		return false
	}

	diff := e.mtime - mtime
	if diff < 0 {
		diff = -diff
	}
	return diff <= mtimeTolerance.Seconds()
}

// ConsumeAny reports whether a pending suppression entry exists for
// relPath at all, ignoring mtime, and if so removes it. Used for DELETE
// echoes: once a file is removed there is no local mtime left to compare
// against the expected one, so presence of the entry is the only signal.
func (s *Set) ConsumeAny(relPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[relPath]
	if !ok {
		return false
	}
	delete(s.entries, relPath)

	return s.clk.Now() <= e.expiry
}

func (s *Set) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

func (s *Set) reap() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	for path, e := range s.entries {
		if now > e.expiry {
			delete(s.entries, path)
		}
	}
}

// Close stops the background cleanup goroutine.
func (s *Set) Close() {
	close(s.stop)
	s.wg.Wait()
}
