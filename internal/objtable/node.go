package objtable

import (
	"sync"

	"github.com/ash-kernel/go-binderd/internal/refcount"
	"github.com/ash-kernel/go-binderd/internal/work"
)

// Node is an object exported by a process (spec.md §3 Node). Identity is
// (owner process, user-space pointer); Owner is nil once the node has been
// moved to the global dead-nodes list.
type Node struct {
	DebugID string
	Owner   *Process
	Ptr     uint64
	Cookie  uint64

	MinPriority int32
	AcceptFDs   bool

	mu sync.Mutex // node lock, between Process.Outer and Process.Inner

	InternalStrong int // strong refs held by other processes
	LocalStrong    int // strong refs held by the owner's own user-space
	LocalWeak      int // weak refs held by the owner's own user-space
	TmpRefs        int // transient kernel-only refs

	Strong *refcount.Machine
	Weak   *refcount.Machine

	Refs map[*Ref]struct{} // references pointing at this node

	HasAsyncTransaction bool
	AsyncTodo           *work.Queue
}

// NewNode creates a node owned by p at ptr/cookie, with its refcount
// machines in Clear.
func NewNode(p *Process, ptr, cookie uint64, minPriority int32, acceptFDs bool) *Node {
	return &Node{
		DebugID:     NewDebugID(),
		Owner:       p,
		Ptr:         ptr,
		Cookie:      cookie,
		MinPriority: minPriority,
		AcceptFDs:   acceptFDs,
		Strong:      refcount.NewMachine(),
		Weak:        refcount.NewMachine(),
		Refs:        make(map[*Ref]struct{}),
		AsyncTodo:   work.NewQueue(),
	}
}

// Lock acquires the node lock. Callers must not hold any process's Inner
// lock; a process Outer lock, if needed, is taken before it (spec.md §4.1
// lock order: process-outer -> node -> process-inner).
func (n *Node) Lock()   { n.mu.Lock() }
func (n *Node) Unlock() { n.mu.Unlock() }

// WeakNeed reports whether this node currently needs a live weak
// notification: any strong ref counts as a weak ref for addressability
// (spec.md §4.2 "Node weak, internal").
func (n *Node) WeakNeed() bool {
	return n.InternalStrong > 0 || n.LocalWeak > 0 || n.TmpRefs > 0 || len(n.Refs) > 0
}

// StrongNeed reports whether this node currently needs a live strong
// notification.
func (n *Node) StrongNeed() bool {
	return n.InternalStrong > 0 || n.LocalStrong > 0
}

// Dead reports whether every counter is zero and the refs set is empty,
// the sole condition under which a node may be destroyed (spec.md §3).
func (n *Node) Dead() bool {
	return n.InternalStrong == 0 && n.LocalStrong == 0 && n.LocalWeak == 0 &&
		n.TmpRefs == 0 && len(n.Refs) == 0
}

// AddRef links r into this node's refs set. Caller holds the node lock.
func (n *Node) AddRef(r *Ref) {
	n.Refs[r] = struct{}{}
}

// RemoveRef unlinks r from this node's refs set. Caller holds the node
// lock.
func (n *Node) RemoveRef(r *Ref) {
	delete(n.Refs, r)
}
