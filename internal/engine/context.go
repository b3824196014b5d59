package engine

import "github.com/ash-kernel/go-binderd/internal/objtable"

// BecomeContextManager claims the context-manager role for p's context
// (spec.md §4.7). The first process to request the role creates a node
// with a null pointer/cookie, inflated local refs, and both
// has_strong_ref/has_weak_ref preset so no bootstrap notification is
// required. Subsequent requesters are rejected.
func (e *Engine) BecomeContextManager(p *objtable.Process) (*objtable.Node, error) {
	if e.Hooks != nil && !e.Hooks.MaySetContextMgr(p) {
		return nil, permissionErrorf("SET_CONTEXT_MGR", "permission denied")
	}

	c := e.ctx(p.Context)

	e.mu.Lock()
	defer e.mu.Unlock()

	if c.mgrNode != nil {
		return nil, protocolErrorf("SET_CONTEXT_MGR", "context manager already registered")
	}

	n := objtable.NewNode(p, 0, 0, 0, false)
	n.LocalStrong = 1
	n.LocalWeak = 1
	// Preset both acknowledgement states so no INCREFS/ACQUIRE bootstrap
	// notification is ever generated for the context-manager node.
	n.Strong.NeedChanged(true)
	_ = n.Strong.Ack()
	n.Weak.NeedChanged(true)
	_ = n.Weak.Ack()

	p.InsertNode(n)

	c.mgrNode = n
	c.mgrProc = p
	return n, nil
}

// ContextManagerNode returns the current context-manager node for ctx, if
// one has been registered (spec.md §1 "all other processes bootstrap by
// sending transactions to handle zero").
func (e *Engine) ContextManagerNode(ctx string) (*objtable.Node, bool) {
	c := e.ctx(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.mgrNode, c.mgrNode != nil
}
