// Package constants holds protocol-level limits and defaults shared across
// the binderd engine.
package constants

import "time"

// Default configuration constants.
const (
	// DefaultMaxThreads is the default cap on worker threads a process may
	// spawn in response to SPAWN_LOOPER hints.
	DefaultMaxThreads = 15

	// ContextManagerHandle is the reserved handle that always refers to the
	// context manager node inside every process other than the one that
	// registered it.
	ContextManagerHandle = 0

	// FirstDynamicHandle is the smallest handle value ever allocated for a
	// node other than the context manager.
	FirstDynamicHandle = 1

	// ProtocolVersion is reported in response to the VERSION ioctl.
	ProtocolVersion = 8

	// MaxTransactionDataSize is a size limit for a single transaction's
	// data payload. The engine does not check it; admission is bounded only
	// by the receiver's mapping size.
	MaxTransactionDataSize = 4 << 20

	// OffsetWordSize is the width of one entry in a transaction's offsets
	// array; the offsets buffer length must be a multiple of this.
	OffsetWordSize = 8

	// ExtraBufferAlignment is the alignment extras-region sizes must honor.
	ExtraBufferAlignment = 8
)

// Deferred-cleanup pacing. The reaper is a single goroutine (spec.md §2
// item 8, §5 "the driver owns no background threads apart from a
// single-threaded deferred-release worker"); this is the default period at
// which that goroutine sweeps for dead nodes and released processes.
const (
	ReaperDrainTimeout = 5 * time.Second
)
