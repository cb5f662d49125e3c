package crdt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tinylib/msgp/msgp"
)

// Stamp orders register writes: higher Counter wins, Actor breaks ties.
type Stamp struct {
	Counter uint64
	Actor   string
}

func (s Stamp) After(o Stamp) bool {
	if s.Counter != o.Counter {
		return s.Counter > o.Counter
	}
	return s.Actor > o.Actor
}

type Op struct {
	Path string
	// Value is the canonical JSON of the leaf; unused when Delete is set.
	Value  []byte
	Delete bool
}

type Change struct {
	Actor   string
	Seq     uint64
	Counter uint64
	// Time is the author's wall clock in unix ms; used only for history.
	Time int64
	Ops  []Op
}

func (c Change) Stamp() Stamp { return Stamp{Counter: c.Counter, Actor: c.Actor} }

func (c Change) Validate() error {
	if strings.TrimSpace(c.Actor) == "" {
		return fmt.Errorf("%w: missing actor", ErrInvalidChange)
	}
	if c.Seq == 0 {
		return fmt.Errorf("%w: missing seq", ErrInvalidChange)
	}
	if c.Counter == 0 {
		return fmt.Errorf("%w: missing counter", ErrInvalidChange)
	}
	if len(c.Ops) == 0 {
		return fmt.Errorf("%w: no ops", ErrInvalidChange)
	}
	for _, op := range c.Ops {
		if !strings.HasPrefix(op.Path, "/") {
			return fmt.Errorf("%w: path %q", ErrInvalidChange, op.Path)
		}
		if !op.Delete && !json.Valid(op.Value) {
			return fmt.Errorf("%w: value at %q is not json", ErrInvalidChange, op.Path)
		}
	}
	return nil
}

const (
	keyActor   = "a"
	keySeq     = "s"
	keyCounter = "c"
	keyTime    = "t"
	keyOps     = "o"
)

func encodeChange(c Change) []byte {
	b := make([]byte, 0, 64+32*len(c.Ops))
	b = msgp.AppendMapHeader(b, 5)
	b = msgp.AppendString(b, keyActor)
	b = msgp.AppendString(b, c.Actor)
	b = msgp.AppendString(b, keySeq)
	b = msgp.AppendUint64(b, c.Seq)
	b = msgp.AppendString(b, keyCounter)
	b = msgp.AppendUint64(b, c.Counter)
	b = msgp.AppendString(b, keyTime)
	b = msgp.AppendInt64(b, c.Time)
	b = msgp.AppendString(b, keyOps)
	b = msgp.AppendArrayHeader(b, uint32(len(c.Ops)))
	for _, op := range c.Ops {
		b = msgp.AppendArrayHeader(b, 3)
		b = msgp.AppendString(b, op.Path)
		b = msgp.AppendBytes(b, op.Value)
		b = msgp.AppendBool(b, op.Delete)
	}
	return b
}

func decodeChange(raw []byte) (Change, error) {
	var c Change
	sz, rest, err := msgp.ReadMapHeaderBytes(raw)
	if err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrDecodeChange, err)
	}
	for i := uint32(0); i < sz; i++ {
		var key []byte
		key, rest, err = msgp.ReadMapKeyZC(rest)
		if err != nil {
			return Change{}, fmt.Errorf("%w: %v", ErrDecodeChange, err)
		}
		switch string(key) {
		case keyActor:
			c.Actor, rest, err = msgp.ReadStringBytes(rest)
		case keySeq:
			c.Seq, rest, err = msgp.ReadUint64Bytes(rest)
		case keyCounter:
			c.Counter, rest, err = msgp.ReadUint64Bytes(rest)
		case keyTime:
			c.Time, rest, err = msgp.ReadInt64Bytes(rest)
		case keyOps:
			c.Ops, rest, err = decodeOps(rest)
		default:
			rest, err = msgp.Skip(rest)
		}
		if err != nil {
			return Change{}, fmt.Errorf("%w: %v", ErrDecodeChange, err)
		}
	}
	if len(rest) != 0 {
		return Change{}, fmt.Errorf("%w: %d trailing bytes", ErrDecodeChange, len(rest))
	}
	if err := c.Validate(); err != nil {
		return Change{}, err
	}
	return c, nil
}

func decodeOps(b []byte) ([]Op, []byte, error) {
	n, rest, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	if uint64(n) > uint64(len(rest)) {
		return nil, b, fmt.Errorf("ops array claims %d entries in %d bytes", n, len(rest))
	}
	ops := make([]Op, 0, n)
	for i := uint32(0); i < n; i++ {
		var fields uint32
		fields, rest, err = msgp.ReadArrayHeaderBytes(rest)
		if err != nil {
			return nil, b, err
		}
		if fields != 3 {
			return nil, b, fmt.Errorf("op has %d fields", fields)
		}
		var op Op
		if op.Path, rest, err = msgp.ReadStringBytes(rest); err != nil {
			return nil, b, err
		}
		if op.Value, rest, err = msgp.ReadBytesBytes(rest, nil); err != nil {
			return nil, b, err
		}
		if op.Delete, rest, err = msgp.ReadBoolBytes(rest); err != nil {
			return nil, b, err
		}
		ops = append(ops, op)
	}
	return ops, rest, nil
}
