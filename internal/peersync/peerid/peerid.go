// Package peerid defines the peer identity spec uses to key sessions
// and tie-break duplicate connections: a peer's advertised (ip, tcp_port).
package peerid

import "fmt"

// ID is a peer's advertised address. Two peers with the same ID are the
// same node; self-broadcasts are rejected by comparing against the
// local node's own ID.
type ID struct {
	IP   string
	Port uint16
}

// String renders "ip:port", also used as the lexicographic tie-break
// key in registry.OnAccepted.
func (id ID) String() string {
	return fmt.Sprintf("%s:%d", id.IP, id.Port)
}

// Less reports whether id sorts before other by the lexicographic
// comparison of their string form, used to tie-break duplicate sessions
// (the lower ID's outbound session survives).
func (id ID) Less(other ID) bool {
	return id.String() < other.String()
}
