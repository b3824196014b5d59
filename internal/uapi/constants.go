// Package uapi mirrors the wire-level structures and command codes of the
// binder protocol: the fixed-layout structs placed in the ioctl buffer, the
// BC_*/BR_* command stream tags, and the object-type tags embedded in a
// transaction's offsets array.
package uapi

// Top-level ioctl commands (spec.md §6, "Character device").
const (
	BINDER_WRITE_READ      = 0x01
	BINDER_SET_MAX_THREADS = 0x05
	BINDER_SET_CONTEXT_MGR = 0x07
	BINDER_THREAD_EXIT     = 0x08
	BINDER_VERSION         = 0x09
)

// BC_* — tags in the write (command) stream a looper sends to the driver.
const (
	BC_TRANSACTION                = 0x00
	BC_REPLY                      = 0x01
	BC_ACQUIRE_RESULT             = 0x02 // reserved, always an error
	BC_FREE_BUFFER                = 0x03
	BC_INCREFS                    = 0x04
	BC_ACQUIRE                    = 0x05
	BC_RELEASE                    = 0x06
	BC_DECREFS                    = 0x07
	BC_INCREFS_DONE               = 0x08
	BC_ACQUIRE_DONE               = 0x09
	BC_ATTEMPT_ACQUIRE            = 0x0a // reserved, always an error
	BC_REGISTER_LOOPER            = 0x0b
	BC_ENTER_LOOPER               = 0x0c
	BC_EXIT_LOOPER                = 0x0d
	BC_REQUEST_DEATH_NOTIFICATION = 0x0e
	BC_CLEAR_DEATH_NOTIFICATION   = 0x0f
	BC_DEAD_BINDER_DONE           = 0x10
	BC_TRANSACTION_SG             = 0x11
	BC_REPLY_SG                   = 0x12
)

// BR_* — tags in the read (response) stream the driver sends to a looper.
const (
	BR_ERROR                         = 0x00
	BR_OK                            = 0x01
	BR_TRANSACTION                   = 0x02
	BR_REPLY                         = 0x03
	BR_ACQUIRE_RESULT                = 0x04 // reserved, always an error
	BR_DEAD_REPLY                    = 0x05
	BR_TRANSACTION_COMPLETE          = 0x06
	BR_INCREFS                       = 0x07
	BR_ACQUIRE                       = 0x08
	BR_RELEASE                       = 0x09
	BR_DECREFS                       = 0x0a
	BR_ATTEMPT_ACQUIRE               = 0x0b // reserved, never emitted
	BR_NOOP                          = 0x0c
	BR_SPAWN_LOOPER                  = 0x0d
	BR_FINISHED                      = 0x0e
	BR_DEAD_BINDER                   = 0x0f
	BR_CLEAR_DEATH_NOTIFICATION_DONE = 0x10
	BR_FAILED_REPLY                  = 0x11
)

// Object type tags embedded in a transaction's offsets array (spec.md §4.4).
const (
	BINDER_TYPE_BINDER      = 0x01
	BINDER_TYPE_WEAK_BINDER = 0x02
	BINDER_TYPE_HANDLE      = 0x03
	BINDER_TYPE_WEAK_HANDLE = 0x04
	BINDER_TYPE_FD          = 0x05
	BINDER_TYPE_FDA         = 0x06
	BINDER_TYPE_PTR         = 0x07
)

// Transaction flags.
const (
	TF_ONE_WAY    = 0x01 // this is a one-way call: async, no return
	TF_ACCEPT_FDS = 0x10 // reply side accepts fd objects
)

// Node flags (spec.md §3 Node).
const (
	FLAT_BINDER_FLAG_PRIORITY_MASK = 0xff
	FLAT_BINDER_FLAG_ACCEPTS_FDS   = 0x100
)

// Looper state bitmask (spec.md §3 Thread "looper").
const (
	LooperRegistered = 1 << iota
	LooperEntered
	LooperExited
	LooperInvalid
	LooperWaiting
)

// ioctl encoding, matching the classic Linux _IOC macro layout. Kept even
// though this engine never issues a real ioctl syscall: it gives Version
// and diagnostics a recognizable, grounded command-number scheme instead of
// an arbitrary one.
const (
	_IOC_WRITE     = 1
	_IOC_READ      = 2
	_IOC_SIZEBITS  = 14
	_IOC_TYPEBITS  = 8
	_IOC_NRBITS    = 8
	_IOC_NRSHIFT   = 0
	_IOC_TYPESHIFT = _IOC_NRSHIFT + _IOC_NRBITS
	_IOC_SIZESHIFT = _IOC_TYPESHIFT + _IOC_TYPEBITS
	_IOC_DIRSHIFT  = _IOC_SIZESHIFT + _IOC_SIZEBITS
)

// IoctlEncode builds a Linux-style ioctl command number.
func IoctlEncode(dir, typ, nr, size uint32) uint32 {
	return (dir << _IOC_DIRSHIFT) |
		(size << _IOC_SIZESHIFT) |
		(typ << _IOC_TYPESHIFT) |
		(nr << _IOC_NRSHIFT)
}

// BinderIoctl encodes one of the BINDER_* top-level commands against the
// given payload size, mirroring the kernel's _IOWR('b', nr, type) macros.
func BinderIoctl(nr uint32, size uint32) uint32 {
	return IoctlEncode(_IOC_READ|_IOC_WRITE, 'b', nr, size)
}
