package objtable

import "github.com/ash-kernel/go-binderd/internal/constants"

// AllocateHandle returns the smallest unused positive handle in p's
// refs-by-handle index, or ContextManagerHandle (0) if node is the context
// manager node and p does not yet hold a reference to it (spec.md §4.3).
// Caller must hold p.Outer.
func AllocateHandle(p *Process, isContextManager bool) uint32 {
	if isContextManager {
		if _, used := p.RefsByHandle[constants.ContextManagerHandle]; !used {
			return constants.ContextManagerHandle
		}
	}
	h := uint32(constants.FirstDynamicHandle)
	for {
		if _, used := p.RefsByHandle[h]; !used {
			return h
		}
		h++
	}
}

// FindOrCreateRef returns the reference p already holds to node, or
// allocates a new one with the smallest free handle and links it into both
// of p's indexes and into node's refs set. Racy creation by two callers for
// the same node is resolved by the caller: both look up under p.Outer, the
// winner links its structure, the loser's allocation is discarded (spec.md
// §4.3).
//
// Caller must hold p.Outer and node.Lock() in that order.
func FindOrCreateRef(p *Process, node *Node, isContextManager bool) (ref *Ref, created bool) {
	if existing, ok := p.RefByNode(node); ok {
		return existing, false
	}
	handle := AllocateHandle(p, isContextManager)
	r := NewRef(p, node, handle)
	p.InsertRef(r)
	node.AddRef(r)
	return r, true
}
