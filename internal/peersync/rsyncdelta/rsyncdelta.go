// Package rsyncdelta implements the signature/delta/patch primitive that
// spec.md assumes as an external collaborator: a rolling weak checksum
// for fast block matching, confirmed by a strong hash, so that only
// changed regions of a file need to traverse the wire.
//
// No library in the example pack exposes this exact pure-function
// contract (signature, delta, patch) — see DESIGN.md — so this package
// implements the classical block-diff algorithm directly against the
// standard library.
package rsyncdelta

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
)

// BlockSize is the fixed block size used for signatures and deltas.
const BlockSize = 4096

// rollingMod is the modulus of the rsync-style weak checksum (same value
// the original rsync algorithm uses).
const rollingMod = 1 << 16

// BlockSig is the pair of checksums for one block of the receiver's prior
// content.
type BlockSig struct {
	Weak   uint32
	Strong [sha256.Size]byte
	Size   int
}

// Sig is a signature of a whole file: one BlockSig per BlockSize-sized
// block (the final block may be shorter).
type Sig struct {
	Blocks []BlockSig
}

// opKind distinguishes a delta operation that copies bytes from the base
// file from one that carries new literal bytes.
type opKind byte

const (
	opCopy opKind = iota
	opData
)

// op is one instruction in a Delta: either "copy block N from the base"
// or "write these literal bytes".
type op struct {
	kind  opKind
	block int    // valid when kind == opCopy
	data  []byte // valid when kind == opData
}

// Delta is an ordered list of copy/data operations that reconstruct the
// sender's current content when applied against the receiver's prior
// content (via Patch).
type Delta struct {
	ops []op
}

// rollingChecksum computes the rsync-style weak checksum a+M*b over a
// window, and supports rolling the window forward by one byte in O(1).
type rollingChecksum struct {
	a, b uint32
	n    uint32
}

func newRollingChecksum(window []byte) *rollingChecksum {
	rc := &rollingChecksum{n: uint32(len(window))}
	for i, c := range window {
		rc.a += uint32(c)
		rc.b += (rc.n - uint32(i)) * uint32(c)
	}
	rc.a %= rollingMod
	rc.b %= rollingMod
	return rc
}

func (rc *rollingChecksum) value() uint32 {
	return rc.a | (rc.b << 16)
}

// roll slides the window forward by one byte: out leaves the window,
// in enters it.
func (rc *rollingChecksum) roll(out, in byte) {
	rc.a = (rc.a - uint32(out) + uint32(in)) % rollingMod
	rc.b = (rc.b - rc.n*uint32(out) + rc.a) % rollingMod
}

// Signature computes a Sig over r's content, reading BlockSize-sized
// blocks until EOF.
func Signature(r io.Reader) (*Sig, error) {
	sig := &Sig{}
	buf := make([]byte, BlockSize)

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			block := buf[:n]
			strong := sha256.Sum256(block)
			sig.Blocks = append(sig.Blocks, BlockSig{
				Weak:   newRollingChecksum(block).value(),
				Strong: strong,
				Size:   n,
			})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	return sig, nil
}

// ComputeDelta computes the set of operations needed to turn the content
// described by sig (the receiver's prior content) into the content read
// from r (the sender's current content).
//
// It scans with a single rolling checksum so cost is O(len(content)),
// sliding byte by byte only while unmatched and jumping a full block at
// a time on every match.
func ComputeDelta(sig *Sig, r io.Reader) (*Delta, error) {
	content, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}

	index := make(map[uint32][]int) // weak checksum -> candidate block indices
	for i, b := range sig.Blocks {
		index[b.Weak] = append(index[b.Weak], i)
	}

	d := &Delta{}
	var literal bytes.Buffer
	flushLiteral := func() {
		if literal.Len() > 0 {
			d.ops = append(d.ops, op{kind: opData, data: append([]byte(nil), literal.Bytes()...)})
			literal.Reset()
		}
	}

	n := len(content)
	i := 0
	windowEnd := i + BlockSize
	if windowEnd > n {
		windowEnd = n
	}
	var rc *rollingChecksum
	if i < windowEnd {
		rc = newRollingChecksum(content[i:windowEnd])
	}

	for i < n {
		windowLen := windowEnd - i
		matchLen := 0
		if candidates, ok := index[rc.value()]; ok {
			strong := sha256.Sum256(content[i:windowEnd])
			for _, blockIdx := range candidates {
				b := sig.Blocks[blockIdx]
				if b.Size == windowLen && b.Strong == strong {
					flushLiteral()
					d.ops = append(d.ops, op{kind: opCopy, block: blockIdx})
					matchLen = windowLen
					break
				}
			}
		}

		if matchLen > 0 {
			i += matchLen
			windowEnd = i + BlockSize
			if windowEnd > n {
				windowEnd = n
			}
			if i < windowEnd {
				rc = newRollingChecksum(content[i:windowEnd])
			}
			continue
		}

		literal.WriteByte(content[i])
		i++
		if windowEnd < n {
			// Slide the window forward by one byte: drop content[i-1],
			// add content[windowEnd], keep the window at full BlockSize.
			rc.roll(content[i-1], content[windowEnd])
			windowEnd++
		} else if i < windowEnd {
			rc = newRollingChecksum(content[i:windowEnd])
		}
	}
	flushLiteral()

	return d, nil
}

// Patch reconstructs the sender's current content by applying d against
// base (the receiver's prior content, addressable by block index) and
// writes the result to w.
func Patch(base io.ReaderAt, d *Delta, w io.Writer) error {
	for _, o := range d.ops {
		switch o.kind {
		case opCopy:
			buf := make([]byte, BlockSize)
			n, err := base.ReadAt(buf, int64(o.block)*BlockSize)
			if err != nil && err != io.EOF {
				return fmt.Errorf("read base block %d: %w", o.block, err)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
		case opData:
			if _, err := w.Write(o.data); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown delta op kind: %d", o.kind)
		}
	}
	return nil
}

// Marshal/Unmarshal give Sig and Delta a stable binary wire form so they
// can travel as opaque base64 blobs inside message.DirState/Modify payloads.

func (s *Sig) Marshal() []byte {
	buf := make([]byte, 0, 4+len(s.Blocks)*(4+sha256.Size+4))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Blocks)))
	for _, b := range s.Blocks {
		buf = binary.BigEndian.AppendUint32(buf, b.Weak)
		buf = append(buf, b.Strong[:]...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(b.Size))
	}
	return buf
}

func UnmarshalSig(data []byte) (*Sig, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("signature too short")
	}
	n := binary.BigEndian.Uint32(data)
	data = data[4:]

	sig := &Sig{Blocks: make([]BlockSig, 0, n)}
	for i := uint32(0); i < n; i++ {
		if len(data) < 4+sha256.Size+4 {
			return nil, fmt.Errorf("signature truncated")
		}
		var b BlockSig
		b.Weak = binary.BigEndian.Uint32(data)
		data = data[4:]
		copy(b.Strong[:], data[:sha256.Size])
		data = data[sha256.Size:]
		b.Size = int(binary.BigEndian.Uint32(data))
		data = data[4:]
		sig.Blocks = append(sig.Blocks, b)
	}
	return sig, nil
}

func (d *Delta) Marshal() []byte {
	buf := make([]byte, 0, len(d.ops)*8)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(d.ops)))
	for _, o := range d.ops {
		buf = append(buf, byte(o.kind))
		switch o.kind {
		case opCopy:
			buf = binary.BigEndian.AppendUint32(buf, uint32(o.block))
		case opData:
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(o.data)))
			buf = append(buf, o.data...)
		}
	}
	return buf
}

func UnmarshalDelta(data []byte) (*Delta, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("delta too short")
	}
	n := binary.BigEndian.Uint32(data)
	data = data[4:]

	d := &Delta{ops: make([]op, 0, n)}
	for i := uint32(0); i < n; i++ {
		if len(data) < 1 {
			return nil, fmt.Errorf("delta truncated")
		}
		kind := opKind(data[0])
		data = data[1:]

		switch kind {
		case opCopy:
			if len(data) < 4 {
				return nil, fmt.Errorf("delta truncated")
			}
			block := int(binary.BigEndian.Uint32(data))
			data = data[4:]
			d.ops = append(d.ops, op{kind: opCopy, block: block})
		case opData:
			if len(data) < 4 {
				return nil, fmt.Errorf("delta truncated")
			}
			n := binary.BigEndian.Uint32(data)
			data = data[4:]
			if uint32(len(data)) < n {
				return nil, fmt.Errorf("delta truncated")
			}
			d.ops = append(d.ops, op{kind: opData, data: append([]byte(nil), data[:n]...)})
			data = data[n:]
		default:
			return nil, fmt.Errorf("unknown delta op kind: %d", kind)
		}
	}
	return d, nil
}

// Len reports the number of operations in the delta, chiefly for tests
// and logging ("delta was N ops / M bytes").
func (d *Delta) Len() int { return len(d.ops) }

// Size reports the total literal-byte payload carried by the delta.
func (d *Delta) Size() int {
	n := 0
	for _, o := range d.ops {
		if o.kind == opData {
			n += len(o.data)
		}
	}
	return n
}
