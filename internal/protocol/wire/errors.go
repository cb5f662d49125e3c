package wire

import "errors"

var (
	ErrEmptyFrame         = errors.New("wire: empty frame")
	ErrUnsupportedVersion = errors.New("wire: unsupported version")
	ErrMalformed          = errors.New("wire: malformed envelope")
	ErrUnknownType        = errors.New("wire: unknown message type")
	ErrCorruptPatch       = errors.New("wire: corrupt patch blob")
	ErrPatchTooLarge      = errors.New("wire: patch exceeds size limit")
)
