// Package router consumes the local DirEvent stream, applies the Ignore
// discipline to filter out events that are just the echo of a remote
// write, and turns genuine local changes into wire messages broadcast
// to every synchronized peer (spec §4.6).
package router

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/openmined/peersync/internal/peersync/ignore"
	"github.com/openmined/peersync/internal/peersync/message"
	"github.com/openmined/peersync/internal/peersync/rsyncdelta"
	"github.com/openmined/peersync/internal/peersync/sigstore"
	"github.com/openmined/peersync/internal/peersync/watch"
)

// BroadcastFunc enqueues msg on every session in the given state filter;
// the router always broadcasts with onlySynchronized=true so a push
// never races a peer's still-in-progress initial reconciliation.
type BroadcastFunc func(msg *message.Message, onlySynchronized bool)

// Router turns DirEvents into broadcast wire messages.
type Router struct {
	root      string
	sigs      *sigstore.Store
	ig        *ignore.Set
	broadcast BroadcastFunc
}

// New constructs a Router over the monitored root.
func New(root string, sigs *sigstore.Store, ig *ignore.Set, broadcast BroadcastFunc) *Router {
	return &Router{root: root, sigs: sigs, ig: ig, broadcast: broadcast}
}

// Run drains events until the channel closes (the Watcher stopped).
func (r *Router) Run(events <-chan watch.DirEvent) {
	for ev := range events {
		r.Handle(ev)
	}
}

// Handle processes one DirEvent: suppress it if it is the echo of our
// own remote-applied write, otherwise classify and broadcast it.
func (r *Router) Handle(ev watch.DirEvent) {
	mtime, exists, err := r.statMtime(ev.Path)
	if err != nil {
		slog.Error("router: stat failed", "path", ev.Path, "error", err)
		return
	}

	// A DELETE leaves nothing on disk to read an mtime from, so its echo
	// is matched by presence alone rather than by mtime comparison.
	if ev.Kind == watch.EventDelete || !exists {
		if r.ig.ConsumeAny(ev.Path) {
			return
		}
	} else if r.ig.Consume(ev.Path, mtime) {
		return
	}

	switch ev.Kind {
	case watch.EventCreate:
		r.handleCreate(ev.Path, mtime, exists)
	case watch.EventModify:
		r.handleModify(ev.Path, mtime, exists)
	case watch.EventDelete:
		r.handleDelete(ev.Path, mtime)
	case watch.EventRename:
		r.handleRename(ev.OldPath, ev.Path, mtime, exists)
	}
}

func (r *Router) statMtime(relPath string) (mtime float64, exists bool, err error) {
	info, statErr := os.Stat(r.absPath(relPath))
	if os.IsNotExist(statErr) {
		return 0, false, nil
	}
	if statErr != nil {
		return 0, false, statErr
	}
	return float64(info.ModTime().UnixNano()) / 1e9, true, nil
}

func (r *Router) absPath(relPath string) string {
	return filepath.Join(r.root, filepath.FromSlash(relPath))
}

func (r *Router) handleCreate(relPath string, mtime float64, exists bool) {
	if !exists {
		// already gone by the time we got to it; nothing to announce.
		return
	}
	data, err := os.ReadFile(r.absPath(relPath))
	if err != nil {
		slog.Error("router: read failed on create", "path", relPath, "error", err)
		return
	}

	sig, err := rsyncdelta.Signature(bytes.NewReader(data))
	if err != nil {
		slog.Error("router: signature failed on create", "path", relPath, "error", err)
		return
	}
	if err := r.sigs.Store(relPath, sig); err != nil {
		slog.Error("router: signature store failed on create", "path", relPath, "error", err)
		return
	}

	slog.Debug("router: broadcasting create", "path", relPath, "size", humanize.Bytes(uint64(len(data))))
	r.broadcast(message.NewCreate(relPath, mtime, data), true)
}

func (r *Router) handleModify(relPath string, mtime float64, exists bool) {
	if !exists {
		r.handleDelete(relPath, mtime)
		return
	}

	prior, err := r.sigs.Load(relPath)
	if err != nil {
		slog.Error("router: signature load failed on modify", "path", relPath, "error", err)
		return
	}
	if prior == nil {
		// no known prior signature (e.g. the watcher's first look at a
		// path it never saw created): treat like a fresh create.
		r.handleCreate(relPath, mtime, exists)
		return
	}

	data, err := os.ReadFile(r.absPath(relPath))
	if err != nil {
		slog.Error("router: read failed on modify", "path", relPath, "error", err)
		return
	}

	delta, err := rsyncdelta.ComputeDelta(prior, bytes.NewReader(data))
	if err != nil {
		slog.Error("router: delta failed on modify", "path", relPath, "error", err)
		return
	}

	marshaled := delta.Marshal()
	slog.Debug("router: broadcasting modify", "path", relPath,
		"file_size", humanize.Bytes(uint64(len(data))), "delta_size", humanize.Bytes(uint64(len(marshaled))))
	r.broadcast(message.NewModify(relPath, mtime, marshaled), true)

	// The prior signature is overwritten only after the outbound delta
	// has been enqueued, so a second modify racing this one still
	// diffs against what peers were actually sent.
	fresh, err := rsyncdelta.Signature(bytes.NewReader(data))
	if err != nil {
		slog.Error("router: re-signature failed on modify", "path", relPath, "error", err)
		return
	}
	if err := r.sigs.Store(relPath, fresh); err != nil {
		slog.Error("router: signature store failed on modify", "path", relPath, "error", err)
	}
}

func (r *Router) handleDelete(relPath string, mtime float64) {
	if err := r.sigs.Delete(relPath); err != nil {
		slog.Error("router: signature delete failed", "path", relPath, "error", err)
	}
	r.broadcast(message.NewDelete(relPath, mtime), true)
}

func (r *Router) handleRename(src, dst string, mtime float64, dstExists bool) {
	if !dstExists {
		// destination already gone; nothing coherent to announce.
		return
	}
	if err := r.sigs.Rename(src, dst); err != nil {
		slog.Error("router: signature rename failed", "src", src, "dst", dst, "error", err)
	}
	r.broadcast(message.NewRename(src, dst, mtime), true)
}
