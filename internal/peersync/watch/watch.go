// Package watch turns raw filesystem notifications into the DirEvents
// stream the rest of the node consumes: debounced create/modify/delete
// events plus, where the underlying watcher's raw events can be paired,
// a single RENAME event instead of a delete/create pair.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rjeczalik/notify"

	"github.com/openmined/peersync/internal/peersync/dirstate"
)

const (
	eventBufferSize        = 256
	defaultDebounceTimeout = 50 * time.Millisecond
	// renamePairWindow bounds how long an unpaired "from" half of a
	// rename is held before it is reported as a plain DELETE. The "to"
	// half, if it arrives after the window closes, surfaces as a CREATE.
	renamePairWindow = 120 * time.Millisecond
)

// EventKind discriminates the four event shapes the rest of the system cares about.
type EventKind int

const (
	EventCreate EventKind = iota
	EventModify
	EventDelete
	EventRename
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "CREATE"
	case EventModify:
		return "MODIFY"
	case EventDelete:
		return "DELETE"
	case EventRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// DirEvent is one filesystem change under the monitored root, identified
// by RelPath(s).
type DirEvent struct {
	Kind    EventKind
	Path    string // RelPath; for EventRename, the destination
	OldPath string // only set for EventRename
}

// Watcher watches root and emits a debounced, rename-paired DirEvent
// stream. It is the concrete DirEvents source the router consumes.
type Watcher struct {
	root string

	raw    chan notify.EventInfo
	events chan DirEvent

	usingNotify bool

	debounceMu    sync.Mutex
	pendingEvents map[string]DirEvent
	eventTimers   map[string]*time.Timer

	renameMu    sync.Mutex
	pendingFrom string

	done    chan struct{}
	wg      sync.WaitGroup
	closing bool
}

// New constructs a Watcher for root. Call Start to begin emitting events
// on Events().
func New(root string) *Watcher {
	return &Watcher{
		root:          root,
		events:        make(chan DirEvent, eventBufferSize),
		pendingEvents: make(map[string]DirEvent),
		eventTimers:   make(map[string]*time.Timer),
		done:          make(chan struct{}),
	}
}

// Events returns the channel of debounced, rename-paired events. It is
// closed once Stop has fully drained the watcher's goroutines.
func (w *Watcher) Events() <-chan DirEvent {
	return w.events
}

// Start begins watching root, recursively where the platform supports
// it, falling back to a polling scan when the native backend is
// unavailable (e.g. sandboxed FSEvents).
func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("watcher starting", "root", w.root)

	w.raw = make(chan notify.EventInfo, eventBufferSize)

	recursive := w.root + "/..."
	watchEvents := []notify.Event{notify.Create, notify.Write, notify.Remove, notify.Rename}
	if err := notify.Watch(recursive, w.raw, watchEvents...); err != nil {
		if fallbackErr := notify.Watch(w.root, w.raw, watchEvents...); fallbackErr != nil {
			slog.Warn("watcher backend unavailable; using polling fallback", "root", w.root, "error", err)
			w.wg.Add(1)
			go w.pollForChanges(ctx)
		} else {
			w.usingNotify = true
			slog.Warn("watcher recursive watch failed; using non-recursive watch", "root", w.root, "error", err)
		}
	} else {
		w.usingNotify = true
	}

	w.wg.Add(1)
	go w.translate(ctx)

	return nil
}

// Stop halts the watcher and waits for its goroutines to exit.
func (w *Watcher) Stop() {
	close(w.done)
	if w.usingNotify {
		notify.Stop(w.raw)
	}
	w.wg.Wait()

	w.debounceMu.Lock()
	w.closing = true
	w.debounceMu.Unlock()

	close(w.events)
}

func (w *Watcher) toRelPath(absPath string) (string, bool) {
	rel, err := dirstate.ToRelPath(w.root, absPath)
	if err != nil {
		return "", false
	}
	return rel, true
}

func (w *Watcher) translate(ctx context.Context) {
	defer func() {
		w.flushAllPending()
		w.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.raw:
			if !ok {
				return
			}
			w.handleRaw(ev)
		}
	}
}

func (w *Watcher) handleRaw(ev notify.EventInfo) {
	rel, ok := w.toRelPath(ev.Path())
	if !ok {
		return
	}

	switch ev.Event() {
	case notify.Create:
		w.debounce(rel, DirEvent{Kind: EventCreate, Path: rel})
	case notify.Write:
		w.debounce(rel, DirEvent{Kind: EventModify, Path: rel})
	case notify.Remove:
		w.debounce(rel, DirEvent{Kind: EventDelete, Path: rel})
	case notify.Rename:
		w.handleRename(ev.Path(), rel)
	}
}

// handleRename pairs the two halves of a rename that rjeczalik/notify
// reports as independent notify.Rename events, one for the vacated path
// and one for the new path. Per spec's open question on rename
// decomposition, an unpaired half degrades to DELETE (vacated side) or
// CREATE (new side) rather than blocking indefinitely.
func (w *Watcher) handleRename(absPath, rel string) {
	exists := fileExists(absPath)

	w.renameMu.Lock()
	if exists {
		from := w.pendingFrom
		w.pendingFrom = ""
		w.renameMu.Unlock()

		if from != "" {
			w.debounce(rel, DirEvent{Kind: EventRename, OldPath: from, Path: rel})
		} else {
			w.debounce(rel, DirEvent{Kind: EventCreate, Path: rel})
		}
		return
	}

	w.pendingFrom = rel
	w.renameMu.Unlock()

	time.AfterFunc(renamePairWindow, func() {
		w.renameMu.Lock()
		stillPending := w.pendingFrom == rel
		if stillPending {
			w.pendingFrom = ""
		}
		w.renameMu.Unlock()

		if stillPending {
			w.debounce(rel, DirEvent{Kind: EventDelete, Path: rel})
		}
	})
}

func (w *Watcher) debounce(key string, ev DirEvent) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.eventTimers[key]; exists {
		timer.Stop()
	}
	w.pendingEvents[key] = ev

	w.eventTimers[key] = time.AfterFunc(defaultDebounceTimeout, func() {
		w.flush(key)
	})
}

func (w *Watcher) flush(key string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	ev, exists := w.pendingEvents[key]
	delete(w.pendingEvents, key)
	delete(w.eventTimers, key)
	if !exists || w.closing {
		return
	}

	select {
	case w.events <- ev:
	default:
		slog.Warn("watcher dropped event, channel full", "path", key)
	}
}

// flushAllPending is called from translate's exit path, before Stop sets
// closing, so it is still safe to send on w.events here.
func (w *Watcher) flushAllPending() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	for key, timer := range w.eventTimers {
		timer.Stop()
		if ev, exists := w.pendingEvents[key]; exists {
			select {
			case w.events <- ev:
			default:
			}
		}
		delete(w.pendingEvents, key)
		delete(w.eventTimers, key)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (w *Watcher) pollForChanges(ctx context.Context) {
	defer w.wg.Done()

	const interval = 100 * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	type sig struct {
		modTime int64
		size    int64
	}
	snapshot := make(map[string]sig)

	scan := func() {
		_ = filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			cur := sig{modTime: info.ModTime().UnixNano(), size: info.Size()}
			prev, existed := snapshot[path]
			snapshot[path] = cur
			if rel, ok := w.toRelPath(path); ok {
				if !existed {
					w.debounce(rel, DirEvent{Kind: EventCreate, Path: rel})
				} else if prev != cur {
					w.debounce(rel, DirEvent{Kind: EventModify, Path: rel})
				}
			}
			return nil
		})
	}

	scan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			scan()
		}
	}
}
