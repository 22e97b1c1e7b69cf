// Package reconcile implements the symmetric DirState diff: given a
// local and a remote directory snapshot, decide which paths this node
// must push, and of what kind. Both peers run the identical rule, so
// reconciliation never requires a request/response round trip.
package reconcile

import (
	"bytes"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openmined/peersync/internal/peersync/dirstate"
	"github.com/openmined/peersync/internal/peersync/message"
)

// ActionKind distinguishes a full-file push from a delta push.
type ActionKind int

const (
	ActionCreate ActionKind = iota
	ActionModify
)

// Action is one decision produced by Decide: "push path as a CREATE/MODIFY
// carrying this mtime". The caller is responsible for reading the file,
// computing the delta when ActionModify, and sending the message.
type Action struct {
	Kind  ActionKind
	Path  string
	Mtime float64

	// RemoteSig is the remote's last-known signature for Path, needed to
	// compute the delta for an ActionModify. Empty for ActionCreate.
	RemoteSig []byte
}

// Decide compares local against remote and returns the actions this node
// must push, per the symmetric reconciliation rule in spec §4.5. It never
// decides on behalf of the remote and never infers deletions: a path
// absent from remote is treated as not-yet-known, not as deleted.
func Decide(local dirstate.State, remote []message.FileEntry) []Action {
	remoteByPath := make(map[string]message.FileEntry, len(remote))
	remoteSet := mapset.NewThreadUnsafeSet[string]()
	for _, f := range remote {
		remoteByPath[f.Path] = f
		remoteSet.Add(f.Path)
	}

	localSet := mapset.NewThreadUnsafeSet[string]()
	for p := range local {
		localSet.Add(p)
	}

	var actions []Action
	for _, p := range localSet.Union(remoteSet).ToSlice() {
		l, inLocal := local[p]
		r, inRemote := remoteByPath[p]

		switch {
		case inLocal && !inRemote:
			actions = append(actions, Action{Kind: ActionCreate, Path: p, Mtime: l.Mtime})

		case inLocal && inRemote && l.Mtime > r.Mtime:
			actions = append(actions, Action{Kind: ActionModify, Path: p, Mtime: l.Mtime, RemoteSig: r.Sig})

		// Equal mtime with differing content can't be resolved by
		// timestamp, so both peers independently apply the same
		// deterministic rule: the side whose content hash sorts
		// lexicographically greater pushes, per spec. Run on both ends
		// of a connection this always picks exactly one pusher.
		case inLocal && inRemote && l.Mtime == r.Mtime && bytes.Compare(l.Hash, r.Hash) > 0:
			actions = append(actions, Action{Kind: ActionModify, Path: p, Mtime: l.Mtime, RemoteSig: r.Sig})

		// !inLocal && inRemote, remote newer, or local loses the
		// content-hash tiebreak: no action, the remote is authoritative
		// and will push symmetrically.
		default:
		}
	}

	return actions
}
