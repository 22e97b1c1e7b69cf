// Package message defines the tagged wire variants exchanged between
// peers: BEACON, DIR_STATE, CREATE, MODIFY, DELETE, RENAME.
package message

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Type is the discriminant carried in every message's "type" field.
type Type string

const (
	TypeBeacon   Type = "BEACON"
	TypeDirState Type = "DIR_STATE"
	TypeCreate   Type = "CREATE"
	TypeModify   Type = "MODIFY"
	TypeDelete   Type = "DELETE"
	TypeRename   Type = "RENAME"
)

// Beacon is broadcast over UDP only; never sent on a peer TCP stream.
type Beacon struct {
	Port uint16 `json:"port"`
}

// FileEntry is one file's state within a DirState payload. Hash is the
// file's content hash, carried so the peer's reconcile.Decide can break
// an equal-mtime tie without a round trip.
type FileEntry struct {
	Path  string  `json:"path"`
	Mtime float64 `json:"mtime"`
	Size  uint64  `json:"size"`
	Sig   []byte  `json:"sig"`
	Hash  []byte  `json:"hash"`
}

// DirState carries a peer's full directory snapshot plus each file's
// stored signature, exchanged once per session on entering Reconciling.
type DirState struct {
	Files []FileEntry `json:"files"`
}

// Create announces a new file, carrying its full bytes.
type Create struct {
	Path  string  `json:"path"`
	Mtime float64 `json:"mtime"`
	Bytes []byte  `json:"bytes"`
}

// Modify announces a changed file as a delta against the signature the
// sender last knew the receiver to hold.
type Modify struct {
	Path  string  `json:"path"`
	Mtime float64 `json:"mtime"`
	Delta []byte  `json:"delta"`
}

// Delete announces a file removal.
type Delete struct {
	Path  string  `json:"path"`
	Mtime float64 `json:"mtime"`
}

// Rename announces a file move.
type Rename struct {
	Src   string  `json:"src"`
	Dst   string  `json:"dst"`
	Mtime float64 `json:"mtime"`
}

// Message is the envelope every frame payload decodes into. Data holds
// one of Beacon, DirState, Create, Modify, Delete, Rename depending on
// Type.
type Message struct {
	Type Type `json:"type"`
	Data any  `json:"-"`
}

// MarshalJSON flattens Type and Data's fields into a single JSON object,
// e.g. {"type":"CREATE","path":"a.txt","mtime":1.0,"bytes":"..."}.
func (m *Message) MarshalJSON() ([]byte, error) {
	switch v := m.Data.(type) {
	case Beacon:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Beacon
		}{m.Type, v})
	case DirState:
		return json.Marshal(struct {
			Type Type `json:"type"`
			DirState
		}{m.Type, v})
	case Create:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Create
		}{m.Type, v})
	case Modify:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Modify
		}{m.Type, v})
	case Delete:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Delete
		}{m.Type, v})
	case Rename:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Rename
		}{m.Type, v})
	default:
		return nil, fmt.Errorf("message: unknown payload type %T", m.Data)
	}
}

// UnmarshalJSON dispatches on the "type" field to decode Data into the
// matching concrete payload struct.
func (m *Message) UnmarshalJSON(data []byte) error {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	m.Type = head.Type

	switch head.Type {
	case TypeBeacon:
		var v Beacon
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Data = v
	case TypeDirState:
		var v DirState
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Data = v
	case TypeCreate:
		var v Create
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Data = v
	case TypeModify:
		var v Modify
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Data = v
	case TypeDelete:
		var v Delete
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Data = v
	case TypeRename:
		var v Rename
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Data = v
	default:
		return fmt.Errorf("message: unknown type %q", head.Type)
	}
	return nil
}

func NewBeacon(port uint16) *Message {
	return &Message{Type: TypeBeacon, Data: Beacon{Port: port}}
}

func NewDirState(files []FileEntry) *Message {
	return &Message{Type: TypeDirState, Data: DirState{Files: files}}
}

func NewCreate(path string, mtime float64, bytes []byte) *Message {
	return &Message{Type: TypeCreate, Data: Create{Path: path, Mtime: mtime, Bytes: bytes}}
}

func NewModify(path string, mtime float64, delta []byte) *Message {
	return &Message{Type: TypeModify, Data: Modify{Path: path, Mtime: mtime, Delta: delta}}
}

func NewDelete(path string, mtime float64) *Message {
	return &Message{Type: TypeDelete, Data: Delete{Path: path, Mtime: mtime}}
}

func NewRename(src, dst string, mtime float64) *Message {
	return &Message{Type: TypeRename, Data: Rename{Src: src, Dst: dst, Mtime: mtime}}
}
