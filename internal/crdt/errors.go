package crdt

import "errors"

var (
	ErrDecodeChange  = errors.New("crdt: cannot decode change")
	ErrInvalidChange = errors.New("crdt: invalid change")
	ErrMergeConflict = errors.New("crdt: change does not materialize")
	ErrCorruptExport = errors.New("crdt: corrupt export")
	ErrWrongSession  = errors.New("crdt: export belongs to another session")
)
