package uapi

import "unsafe"

// BinderWriteRead is the single payload of the BINDER_WRITE_READ ioctl
// (spec.md §6): it carries both the outgoing command stream and the
// incoming response stream in one call.
type BinderWriteRead struct {
	WriteSize     uint64
	WriteConsumed uint64
	WriteBuffer   uint64
	ReadSize      uint64
	ReadConsumed  uint64
	ReadBuffer    uint64
}

// Compile-time size check — 48 bytes, matching the kernel's
// struct binder_write_read on a 64-bit system.
var _ [48]byte = [unsafe.Sizeof(BinderWriteRead{})]byte{}

// BinderVersion is returned by the VERSION ioctl.
type BinderVersion struct {
	ProtocolVersion int32
}

// BinderPtrCookie is the payload of BC_INCREFS_DONE/BC_ACQUIRE_DONE and of
// BR_INCREFS/BR_ACQUIRE/BR_RELEASE/BR_DECREFS: a (node pointer, cookie)
// pair identifying the node the notification concerns.
type BinderPtrCookie struct {
	Ptr    uint64
	Cookie uint64
}

var _ [16]byte = [unsafe.Sizeof(BinderPtrCookie{})]byte{}

// BinderHandleCookie is the payload of BC_REQUEST_DEATH_NOTIFICATION and
// BC_CLEAR_DEATH_NOTIFICATION: a (handle, cookie) pair.
type BinderHandleCookie struct {
	Handle uint32
	Cookie uint64
}

// FlatBinderObject is one entry in a transaction's offsets array: the
// on-wire representation of a binder/handle/fd object (spec.md §4.4,
// "Object translation"). Handle doubles as the node-pointer union arm for
// BINDER_TYPE_BINDER/WEAK_BINDER, matching the kernel's
// struct flat_binder_object union of {binder, handle, fd}.
type FlatBinderObject struct {
	Type   uint32
	Flags  uint32
	Handle uint64
	Cookie uint64 // valid for BINDER_TYPE_BINDER/WEAK_BINDER only
}

// BinderPtr extracts the node pointer when Type is BINDER_TYPE_BINDER or
// BINDER_TYPE_WEAK_BINDER.
func (o *FlatBinderObject) BinderPtr() uint64 { return o.Handle }

// SetBinderPtr sets the node-pointer arm of the union.
func (o *FlatBinderObject) SetBinderPtr(ptr uint64) { o.Handle = ptr }

// FD extracts the file-descriptor arm of the union.
func (o *FlatBinderObject) FD() uint32 { return uint32(o.Handle) }

// SetFD sets the file-descriptor arm of the union.
func (o *FlatBinderObject) SetFD(fd uint32) { o.Handle = uint64(fd) }

// BinderFDArrayObject describes a batch of fds packed inside a previously
// fixed-up parent buffer, each needing independent translation
// (spec.md §4.4 "fd-array"). Type is always BINDER_TYPE_FDA; every object
// variant carries the same leading type tag so a reader can dispatch on it
// before knowing which variant follows, matching the kernel's
// binder_object union of headers.
type BinderFDArrayObject struct {
	Type         uint32
	NumFDs       uint64
	ParentOffset uint64 // offset inside the parent buffer to the fd array
	Parent       uint64 // index of the parent object within the offsets array
}

// BinderBufferObject describes an extra-buffer (pointer-with-length) object
// packed into the extras region (spec.md §4.4 "ptr"). Type is always
// BINDER_TYPE_PTR.
type BinderBufferObject struct {
	Type         uint32
	Buffer       uint64 // sender's userspace pointer to the payload
	Length       uint64
	ParentOffset uint64 // offset inside Parent to patch with the translated
	// address, valid only if HasParent
	Parent    uint64 // index of the parent object within the offsets array
	HasParent bool
}

// ObjectType peeks the leading type tag shared by every object variant
// without knowing which one follows.
func ObjectType(data []byte) uint32 {
	if len(data) < 4 {
		return 0
	}
	return leUint32(data)
}

// BinderTransactionData is the fixed-layout struct carried by
// BC_TRANSACTION/BC_REPLY on the way in and BR_TRANSACTION/BR_REPLY on the
// way out (spec.md §4.4).
type BinderTransactionData struct {
	// Target identifies the recipient: Handle on the sender side (ignored
	// for replies), or the node's Ptr/Cookie once delivered to the
	// receiver.
	TargetHandle uint32
	TargetPtr    uint64
	TargetCookie uint64

	Code  uint32
	Flags uint32

	SenderPID  uint32
	SenderEUID uint32

	DataSize    uint64
	OffsetsSize uint64

	// Buffer holds the raw payload; Offsets holds byte offsets of each
	// FlatBinderObject/BinderBufferObject/BinderFDArrayObject inside
	// Buffer, in strictly increasing order (spec.md §4.4).
	Buffer  []byte
	Offsets []uint64

	// ExtrasSize is only meaningful for the _SG variants (BC_TRANSACTION_SG
	// / BC_REPLY_SG): the size of the extra-buffers region.
	ExtrasSize uint64

	// ExtraPayloads carries the bytes a BINDER_TYPE_PTR object's Buffer
	// field designates, keyed by that object's byte offset in Offsets.
	// A real kernel reads these directly out of the sender's mapped
	// memory; callers of this library supply them explicitly since there
	// is no shared mapping to read through.
	ExtraPayloads map[uint64][]byte
}

// IsOneWay reports whether this transaction carries TF_ONE_WAY.
func (t *BinderTransactionData) IsOneWay() bool {
	return t.Flags&TF_ONE_WAY != 0
}

// AcceptsFDs reports whether this transaction carries TF_ACCEPT_FDS.
func (t *BinderTransactionData) AcceptsFDs() bool {
	return t.Flags&TF_ACCEPT_FDS != 0
}
