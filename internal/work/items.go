package work

// TransactionComplete is pushed onto the sender thread's own todo right
// after a transaction or reply is enqueued on its target, so the sender
// observes its command was accepted (spec.md §4.4 "Dispatch").
type TransactionComplete struct{}

func (TransactionComplete) Kind() string { return "transaction-complete" }

// ReturnErrorSlot identifies which of a thread's two preallocated
// return_error/reply_error slots a ReturnError item was populated from
// (spec.md §3 Thread, supplemented feature #3 in SPEC_FULL.md).
type ReturnErrorSlot int

const (
	SlotReturnError ReturnErrorSlot = iota
	SlotReplyError
)

// ReturnError carries a stored protocol-error code back to the thread that
// originated it (BC stream malformed, or a callee's error propagated up).
type ReturnError struct {
	Slot ReturnErrorSlot
	Code uint32 // a BR_* error tag
}

func (ReturnError) Kind() string { return "return-error" }

// NodeNotify is queued whenever a node's strong/weak refcount machine
// transitions (spec.md §4.2): Strong picks the direction (ACQUIRE/RELEASE
// vs INCREFS/DECREFS) and Inc picks inc vs dec within that direction. Dead
// reports that this transition left every one of the node's counters and
// its refs set empty, so the reader must unlink and free it (spec.md §3,
// §4.5 "If the node reaches the fully-zero state, unlink and free it").
// Node carries the *objtable.Node itself so the reader can do that unlink;
// it is typed interface{} here to avoid an import cycle with
// internal/objtable, which already imports this package for its queues.
type NodeNotify struct {
	NodePtr    uint64
	NodeCookie uint64
	Strong     bool
	Inc        bool
	Dead       bool
	Node       interface{}
}

func (NodeNotify) Kind() string { return "node" }

// DeathKind distinguishes a plain death delivery from one racing a
// concurrent clear.
type DeathKind int

const (
	DeathNotify DeathKind = iota
	DeathClearDone
)

// Death carries a death-notification delivery or a clear-acknowledgement
// back to the holder (spec.md §4.6). Token carries the *objtable.Death
// registration for a DeathNotify item so the reader can file it onto the
// holder's delivered-but-unacknowledged list once it actually reaches user
// space; opaque here for the same import-cycle reason as NodeNotify.Node.
type Death struct {
	Cookie uint64
	Kind   DeathKind
	Token  interface{}
}

func (Death) Kind() string { return "death" }
