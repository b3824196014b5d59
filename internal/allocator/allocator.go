// Package allocator models the external buffer allocator spec.md §1 places
// out of scope: given a client process and its single read-only shared
// mapping, it reserves/frees sized regions inside that mapping and
// translates a kernel-side buffer pointer to a user-space offset.
package allocator

import "github.com/ash-kernel/go-binderd/internal/objtable"

// Buffer belongs to the external allocator (spec.md §3 Buffer).
type Buffer struct {
	Proc *objtable.Process

	DataSize    uint64
	OffsetsSize uint64
	ExtrasSize  uint64

	// UserAddr is the address of this buffer as seen from Proc's mapping.
	UserAddr uint64

	Data    []byte
	Offsets []uint64
	Extras  []byte

	// TargetNode, if set, is dec'd on free (recipient-side accounting for
	// a request's target node; replies leave it nil).
	TargetNode *objtable.Node

	AsyncTransaction bool
	AllowUserFree    bool
}

// Allocator is the interface the engine consumes. Implementations own their
// own internal synchronization (spec.md §5 "The external allocator is
// responsible for its own internal synchronization").
type Allocator interface {
	AllocBuf(proc *objtable.Process, dataSize, offsetsSize, extrasSize uint64, isAsync bool) (*Buffer, error)
	FreeBuf(proc *objtable.Process, buf *Buffer) error
	PrepareToFree(proc *objtable.Process, userAddr uint64) (*Buffer, error)
	UserOffset(proc *objtable.Process) uint64
}

// ErrExhausted is returned when a process's mapping has no room left for
// the requested buffer (spec.md §7 "resource exhaustion").
type ErrExhausted struct{}

func (ErrExhausted) Error() string { return "allocator: mapping exhausted" }
