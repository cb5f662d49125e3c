// Package wire owns the binary envelope exchanged between session replicas.
//
// Frame layout:
//
//	[version:1][msgpack map]
//
// The version byte is explicit; frames carrying any other leading byte are rejected
// rather than sniffed. Patch blobs inside the envelope carry their own one-byte
// compression flag (see PackPatch).
package wire
