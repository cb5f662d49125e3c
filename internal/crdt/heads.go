package crdt

import (
	"fmt"
	"sort"

	"github.com/tinylib/msgp/msgp"
)

// Heads is a version vector: for each actor, the highest seq such that every
// change 1..seq from that actor has been applied.
type Heads map[string]uint64

func (h Heads) Clone() Heads {
	out := make(Heads, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Covers reports whether h includes the change (actor, seq).
func (h Heads) Covers(actor string, seq uint64) bool {
	return seq <= h[actor]
}

// Ahead reports whether other contains changes h does not.
func (h Heads) Ahead(other Heads) bool {
	for actor, seq := range other {
		if seq > h[actor] {
			return true
		}
	}
	return false
}

func EncodeHeads(h Heads) []byte {
	actors := make([]string, 0, len(h))
	for a := range h {
		actors = append(actors, a)
	}
	sort.Strings(actors)
	b := msgp.AppendMapHeader(nil, uint32(len(actors)))
	for _, a := range actors {
		b = msgp.AppendString(b, a)
		b = msgp.AppendUint64(b, h[a])
	}
	return b
}

func DecodeHeads(b []byte) (Heads, error) {
	if len(b) == 0 {
		return Heads{}, nil
	}
	sz, rest, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: heads: %v", ErrDecodeChange, err)
	}
	// An entry is at least a one-byte key and a one-byte value.
	if uint64(sz)*2 > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: heads claim %d entries in %d bytes", ErrDecodeChange, sz, len(rest))
	}
	h := make(Heads, sz)
	for i := uint32(0); i < sz; i++ {
		var actor string
		var seq uint64
		if actor, rest, err = msgp.ReadStringBytes(rest); err != nil {
			return nil, fmt.Errorf("%w: heads: %v", ErrDecodeChange, err)
		}
		if seq, rest, err = msgp.ReadUint64Bytes(rest); err != nil {
			return nil, fmt.Errorf("%w: heads: %v", ErrDecodeChange, err)
		}
		h[actor] = seq
	}
	return h, nil
}
