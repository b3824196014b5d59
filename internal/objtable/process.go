// Package objtable holds the object graph of spec.md §3: processes,
// threads, nodes, references, and death registrations, plus the per-process
// ordered indexes that make them reachable by key.
//
// Lock hierarchy (spec.md §4.1): process-outer -> node -> process-inner,
// acquired in that strict order. No lock of process B may be taken while
// any lock of process A at the same or lower level is held. Process holds
// two locks matching that hierarchy: Outer guards the per-process indexes
// (threads, nodes, refs-by-handle, refs-by-node); Inner guards the todo
// lists and other fast-changing bookkeeping bits.
package objtable

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ash-kernel/go-binderd/internal/constants"
	"github.com/ash-kernel/go-binderd/internal/work"
)

// Process is one per open file (spec.md §3 Process).
type Process struct {
	PID     int32
	Context string // naming domain this process bootstraps into

	Outer sync.Mutex // guards Threads, Nodes, RefsByHandle, RefsByNode
	Inner sync.Mutex // guards Todo, DeliveredDeath, ReadyThreads, RequestedThreads

	Threads map[int32]*Thread // keyed by OS thread id
	Nodes   map[uint64]*Node  // keyed by the user-space object pointer they represent

	RefsByHandle map[uint32]*Ref // this process's references, by handle
	RefsByNode   map[*Node]*Ref  // same references, by target node

	Todo *work.Queue // FIFO of pending process-shared work

	// DeliveredDeath holds death registrations delivered but not yet
	// acknowledged by this process (spec.md §3, §4.6).
	DeliveredDeath []*Death

	MaxThreads        uint32
	RequestedThreads  uint32 // asked to spawn, not yet registered
	ReadyThreads      uint32 // currently waiting on the process queue

	Dead      bool
	TmpRefs   int // transient counter preventing free while in use
	Priority  int32 // default scheduling nicety

	nextOSThreadID int32
}

// NewProcess creates a process with empty indexes and the default
// max-threads cap (spec.md §3).
func NewProcess(pid int32, ctx string) *Process {
	return &Process{
		PID:          pid,
		Context:      ctx,
		Threads:      make(map[int32]*Thread),
		Nodes:        make(map[uint64]*Node),
		RefsByHandle: make(map[uint32]*Ref),
		RefsByNode:   make(map[*Node]*Ref),
		Todo:         work.NewQueue(),
		MaxThreads:   constants.DefaultMaxThreads,
	}
}

// NewOSThreadID mints a synthetic OS-thread id for a looper that calls in
// without one assigned yet. The root package's Driver.Thread takes its id
// from the caller and does not use this; it is only a bookkeeping key.
func (p *Process) NewOSThreadID() int32 {
	p.Outer.Lock()
	defer p.Outer.Unlock()
	p.nextOSThreadID++
	return p.nextOSThreadID
}

// LookupOrCreateThread returns the thread for tid, creating it under Outer
// if this is the first time this OS thread id has touched the device.
func (p *Process) LookupOrCreateThread(tid int32) *Thread {
	p.Outer.Lock()
	defer p.Outer.Unlock()
	if t, ok := p.Threads[tid]; ok {
		return t
	}
	t := NewThread(tid, p)
	p.Threads[tid] = t
	return t
}

// LookupNode returns the node this process owns at ptr, if any.
func (p *Process) LookupNode(ptr uint64) (*Node, bool) {
	p.Outer.Lock()
	defer p.Outer.Unlock()
	n, ok := p.Nodes[ptr]
	return n, ok
}

// InsertNode links a newly created node into the owner's node index.
func (p *Process) InsertNode(n *Node) {
	p.Outer.Lock()
	defer p.Outer.Unlock()
	p.Nodes[n.Ptr] = n
}

// RemoveNode unlinks a node from the owner's node index.
func (p *Process) RemoveNode(n *Node) {
	p.Outer.Lock()
	defer p.Outer.Unlock()
	delete(p.Nodes, n.Ptr)
}

// RefByNode returns the reference this process already holds to n, if any.
// Caller must hold Outer.
func (p *Process) RefByNode(n *Node) (*Ref, bool) {
	r, ok := p.RefsByNode[n]
	return r, ok
}

// InsertRef links a new reference into both of this process's indexes.
// Caller must hold Outer.
func (p *Process) InsertRef(r *Ref) {
	p.RefsByHandle[r.Handle] = r
	p.RefsByNode[r.Node] = r
}

// RemoveRef unlinks a reference from both indexes. Caller must hold Outer.
func (p *Process) RemoveRef(r *Ref) {
	delete(p.RefsByHandle, r.Handle)
	delete(p.RefsByNode, r.Node)
}

// Empty reports whether this process's node/ref indexes and thread set are
// all empty, one of the preconditions for deferred-cleanup release (spec.md
// §3 "destroyed by deferred cleanup once all threads are released, all
// transient refs drain, and its node/ref indexes are emptied").
func (p *Process) Empty() bool {
	p.Outer.Lock()
	defer p.Outer.Unlock()
	return len(p.Threads) == 0 && len(p.Nodes) == 0 && len(p.RefsByHandle) == 0
}

// NewDebugID mints a stable, unique debug id (spec.md §3 "debug id: stable,
// unique") for a node, reference, or transaction.
func NewDebugID() string {
	return uuid.NewString()
}
