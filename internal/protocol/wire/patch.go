package wire

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

// CompressionThreshold is the raw patch size above which PackPatch compresses.
const CompressionThreshold = 1024

// MaxPatchSize bounds a raw change. Peers reject larger patches before
// decompressing them, so a short blob cannot claim a huge decoded length.
const MaxPatchSize = 16 << 20

const (
	patchRaw byte = 0x00
	patchS2  byte = 0x01
)

// PackPatch prefixes a raw change with its compression flag, compressing with s2
// when the change exceeds threshold and compression actually shrinks it.
func PackPatch(raw []byte, threshold int) []byte {
	if threshold <= 0 {
		threshold = CompressionThreshold
	}
	if len(raw) > threshold {
		enc := s2.Encode(nil, raw)
		if len(enc) < len(raw) {
			out := make([]byte, 0, len(enc)+1)
			out = append(out, patchS2)
			return append(out, enc...)
		}
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, patchRaw)
	return append(out, raw...)
}

// UnpackPatch reverses PackPatch.
func UnpackPatch(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrCorruptPatch)
	}
	switch blob[0] {
	case patchRaw:
		if len(blob)-1 > MaxPatchSize {
			return nil, fmt.Errorf("%w: %w: %d bytes", ErrCorruptPatch, ErrPatchTooLarge, len(blob)-1)
		}
		return blob[1:], nil
	case patchS2:
		n, err := s2.DecodedLen(blob[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPatch, err)
		}
		if n > MaxPatchSize {
			return nil, fmt.Errorf("%w: %w: decoded length %d", ErrCorruptPatch, ErrPatchTooLarge, n)
		}
		raw, err := s2.Decode(nil, blob[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPatch, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: flag 0x%02x", ErrCorruptPatch, blob[0])
	}
}

// IsCompressed reports whether a packed blob carries the s2 flag.
func IsCompressed(blob []byte) bool {
	return len(blob) > 0 && blob[0] == patchS2
}
