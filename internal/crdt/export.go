package crdt

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/tinylib/msgp/msgp"
)

const exportVersion = 1

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// Export serializes the full change history as a compressed blob. A replica
// rebuilt from it with Import materializes the same document.
func (s *Store) Export() ([]byte, error) {
	enc, _, err := codecs()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	b := msgp.AppendMapHeader(nil, 3)
	b = msgp.AppendString(b, "v")
	b = msgp.AppendInt(b, exportVersion)
	b = msgp.AppendString(b, "session")
	b = msgp.AppendString(b, s.sessionID)
	b = msgp.AppendString(b, "changes")
	b = msgp.AppendArrayHeader(b, uint32(len(s.history)))
	for _, ch := range s.history {
		b = msgp.AppendBytes(b, encodeChange(ch))
	}
	s.mu.Unlock()
	return enc.EncodeAll(b, nil), nil
}

// Import rebuilds a replica from an Export blob. The new replica writes under its
// own actor unless WithActor is given.
func Import(blob []byte, opts ...Option) (*Store, error) {
	_, dec, err := codecs()
	if err != nil {
		return nil, err
	}
	raw, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptExport, err)
	}
	sessionID, changes, err := decodeExport(raw)
	if err != nil {
		return nil, err
	}
	s := New(sessionID, opts...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.integrateLocked(changes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptExport, err)
	}
	s.seq = s.heads[s.actor]
	return s, nil
}

func decodeExport(raw []byte) (string, []Change, error) {
	fail := func(err error) (string, []Change, error) {
		return "", nil, fmt.Errorf("%w: %v", ErrCorruptExport, err)
	}
	sz, rest, err := msgp.ReadMapHeaderBytes(raw)
	if err != nil {
		return fail(err)
	}
	var (
		version   int
		sessionID string
		changes   []Change
	)
	for i := uint32(0); i < sz; i++ {
		var key []byte
		if key, rest, err = msgp.ReadMapKeyZC(rest); err != nil {
			return fail(err)
		}
		switch string(key) {
		case "v":
			version, rest, err = msgp.ReadIntBytes(rest)
		case "session":
			sessionID, rest, err = msgp.ReadStringBytes(rest)
		case "changes":
			var n uint32
			if n, rest, err = msgp.ReadArrayHeaderBytes(rest); err != nil {
				return fail(err)
			}
			if uint64(n) > uint64(len(rest)) {
				return fail(fmt.Errorf("changes array claims %d entries in %d bytes", n, len(rest)))
			}
			changes = make([]Change, 0, n)
			for j := uint32(0); j < n; j++ {
				var cb []byte
				if cb, rest, err = msgp.ReadBytesZC(rest); err != nil {
					return fail(err)
				}
				ch, cerr := decodeChange(cb)
				if cerr != nil {
					return fail(cerr)
				}
				changes = append(changes, ch)
			}
		default:
			rest, err = msgp.Skip(rest)
		}
		if err != nil {
			return fail(err)
		}
	}
	if version != exportVersion {
		return fail(fmt.Errorf("unsupported version %d", version))
	}
	if sessionID == "" {
		return fail(fmt.Errorf("missing session id"))
	}
	return sessionID, changes, nil
}
