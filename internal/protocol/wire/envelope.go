package wire

import (
	"fmt"
	"strings"

	"github.com/tinylib/msgp/msgp"
)

const Version1 byte = 0x01

type Kind string

const (
	KindPatch        Kind = "patch"
	KindSyncRequest  Kind = "sync-request"
	KindSyncResponse Kind = "sync-response"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"
	KindError        Kind = "error"
)

func (k Kind) valid() bool {
	switch k {
	case KindPatch, KindSyncRequest, KindSyncResponse, KindPing, KindPong, KindError:
		return true
	}
	return false
}

const (
	keyType       = "type"
	keyPatch      = "patch"
	keyLastSeen   = "lastSeen"
	keyPatches    = "patches"
	keyTimestamp  = "timestamp"
	keyServerTime = "serverTime"
	keyError      = "error"
)

// Envelope is the tagged union of every binary message. Only the fields relevant
// to Kind are encoded.
type Envelope struct {
	Kind Kind
	// Patch is a packed change blob (KindPatch).
	Patch []byte
	// LastSeen is the sender's encoded version vector (KindSyncRequest).
	LastSeen []byte
	// Patches are packed change blobs the requester lacks (KindSyncResponse).
	Patches [][]byte
	// Timestamp is the sender clock in unix ms (KindPing) or the echoed ping time (KindPong).
	Timestamp  int64
	ServerTime int64
	Error      string
}

func NewPatch(patch []byte) Envelope { return Envelope{Kind: KindPatch, Patch: patch} }

func NewSyncRequest(lastSeen []byte) Envelope {
	return Envelope{Kind: KindSyncRequest, LastSeen: lastSeen}
}

func NewSyncResponse(patches [][]byte) Envelope {
	return Envelope{Kind: KindSyncResponse, Patches: patches}
}

func NewPing(ts int64) Envelope { return Envelope{Kind: KindPing, Timestamp: ts} }

func NewPong(echo, serverTime int64) Envelope {
	return Envelope{Kind: KindPong, Timestamp: echo, ServerTime: serverTime}
}

func NewError(msg string) Envelope { return Envelope{Kind: KindError, Error: msg} }

func (e Envelope) Validate() error {
	if !e.Kind.valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Kind)
	}
	switch e.Kind {
	case KindPatch:
		if len(e.Patch) == 0 {
			return fmt.Errorf("%w: patch missing payload", ErrMalformed)
		}
	case KindError:
		if strings.TrimSpace(e.Error) == "" {
			return fmt.Errorf("%w: error missing message", ErrMalformed)
		}
	}
	return nil
}

// Encode serializes e behind the current version byte.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, 1, 64+len(e.Patch)+len(e.LastSeen))
	b[0] = Version1
	switch e.Kind {
	case KindPatch:
		b = msgp.AppendMapHeader(b, 2)
		b = msgp.AppendString(b, keyType)
		b = msgp.AppendString(b, string(e.Kind))
		b = msgp.AppendString(b, keyPatch)
		b = msgp.AppendBytes(b, e.Patch)
	case KindSyncRequest:
		b = msgp.AppendMapHeader(b, 2)
		b = msgp.AppendString(b, keyType)
		b = msgp.AppendString(b, string(e.Kind))
		b = msgp.AppendString(b, keyLastSeen)
		b = msgp.AppendBytes(b, e.LastSeen)
	case KindSyncResponse:
		b = msgp.AppendMapHeader(b, 2)
		b = msgp.AppendString(b, keyType)
		b = msgp.AppendString(b, string(e.Kind))
		b = msgp.AppendString(b, keyPatches)
		b = msgp.AppendArrayHeader(b, uint32(len(e.Patches)))
		for _, p := range e.Patches {
			b = msgp.AppendBytes(b, p)
		}
	case KindPing:
		b = msgp.AppendMapHeader(b, 2)
		b = msgp.AppendString(b, keyType)
		b = msgp.AppendString(b, string(e.Kind))
		b = msgp.AppendString(b, keyTimestamp)
		b = msgp.AppendInt64(b, e.Timestamp)
	case KindPong:
		b = msgp.AppendMapHeader(b, 3)
		b = msgp.AppendString(b, keyType)
		b = msgp.AppendString(b, string(e.Kind))
		b = msgp.AppendString(b, keyTimestamp)
		b = msgp.AppendInt64(b, e.Timestamp)
		b = msgp.AppendString(b, keyServerTime)
		b = msgp.AppendInt64(b, e.ServerTime)
	case KindError:
		b = msgp.AppendMapHeader(b, 2)
		b = msgp.AppendString(b, keyType)
		b = msgp.AppendString(b, string(e.Kind))
		b = msgp.AppendString(b, keyError)
		b = msgp.AppendString(b, e.Error)
	}
	return b, nil
}

// Decode parses a frame produced by Encode. Unknown map keys are skipped so newer
// peers may add fields within the same version.
func Decode(frame []byte) (Envelope, error) {
	if len(frame) == 0 {
		return Envelope{}, ErrEmptyFrame
	}
	if frame[0] != Version1 {
		return Envelope{}, fmt.Errorf("%w: 0x%02x", ErrUnsupportedVersion, frame[0])
	}
	var e Envelope
	sz, rest, err := msgp.ReadMapHeaderBytes(frame[1:])
	if err != nil {
		return Envelope{}, malformed(err)
	}
	for i := uint32(0); i < sz; i++ {
		var key []byte
		key, rest, err = msgp.ReadMapKeyZC(rest)
		if err != nil {
			return Envelope{}, malformed(err)
		}
		switch string(key) {
		case keyType:
			var kind string
			kind, rest, err = msgp.ReadStringBytes(rest)
			e.Kind = Kind(kind)
		case keyPatch:
			e.Patch, rest, err = msgp.ReadBytesBytes(rest, nil)
		case keyLastSeen:
			e.LastSeen, rest, err = msgp.ReadBytesBytes(rest, nil)
		case keyPatches:
			e.Patches, rest, err = readBlobArray(rest)
		case keyTimestamp:
			e.Timestamp, rest, err = msgp.ReadInt64Bytes(rest)
		case keyServerTime:
			e.ServerTime, rest, err = msgp.ReadInt64Bytes(rest)
		case keyError:
			e.Error, rest, err = msgp.ReadStringBytes(rest)
		default:
			rest, err = msgp.Skip(rest)
		}
		if err != nil {
			return Envelope{}, malformed(err)
		}
	}
	if len(rest) != 0 {
		return Envelope{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func readBlobArray(b []byte) ([][]byte, []byte, error) {
	n, rest, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	// Every element takes at least one byte; a larger count is a lie.
	if uint64(n) > uint64(len(rest)) {
		return nil, b, fmt.Errorf("array claims %d blobs in %d bytes", n, len(rest))
	}
	out := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		var blob []byte
		blob, rest, err = msgp.ReadBytesBytes(rest, nil)
		if err != nil {
			return nil, b, err
		}
		out = append(out, blob)
	}
	return out, rest, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}
