// Package engine implements the transaction engine of spec.md §4.4: a
// call's target selection, admission, object-by-object translation,
// dispatch, priority inheritance, and failure unwinding, plus the death
// notification subsystem (§4.6) and context-manager bootstrap (§4.7).
package engine

import (
	"sync"

	"github.com/ash-kernel/go-binderd/internal/allocator"
	"github.com/ash-kernel/go-binderd/internal/fdtable"
	"github.com/ash-kernel/go-binderd/internal/logging"
	"github.com/ash-kernel/go-binderd/internal/objtable"
	"github.com/ash-kernel/go-binderd/internal/policy"
)

// Engine holds the state shared across every process in one binder
// context: the dead-nodes registry, the context-manager slot, and the
// out-of-scope collaborators (allocator, policy hooks, fd table).
type Engine struct {
	Alloc  allocator.Allocator
	Hooks  policy.Hooks
	FDs    fdtable.Table
	Log    *logging.Logger
	Dead   *objtable.DeadNodes

	mu       sync.Mutex
	contexts map[string]*contextState
}

type contextState struct {
	mgrNode *objtable.Node
	mgrProc *objtable.Process
}

// New creates an engine with the given collaborators; nil Log falls back
// to logging.Default().
func New(alloc allocator.Allocator, hooks policy.Hooks, fds fdtable.Table, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Default()
	}
	return &Engine{
		Alloc:    alloc,
		Hooks:    hooks,
		FDs:      fds,
		Log:      log,
		Dead:     objtable.NewDeadNodes(),
		contexts: make(map[string]*contextState),
	}
}

func (e *Engine) ctx(name string) *contextState {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.contexts[name]
	if !ok {
		c = &contextState{}
		e.contexts[name] = c
	}
	return c
}

// ReleaseProcess tears down a terminating process's exported nodes and its
// hold on the context-manager slot (spec.md §4.7 "If the manager process
// exits, the slot clears and the role becomes available again"; §4.6 "a
// process's death notifies every holder of a reference to its nodes").
// Nodes with no outstanding remote references are dropped immediately;
// nodes still referenced move to the dead-nodes registry and fire death
// notifications, awaiting deferred cleanup once their last reference goes
// away.
func (e *Engine) ReleaseProcess(p *objtable.Process) {
	c := e.ctx(p.Context)
	e.mu.Lock()
	if c.mgrProc == p {
		c.mgrNode = nil
		c.mgrProc = nil
	}
	e.mu.Unlock()

	p.Outer.Lock()
	nodes := make([]*objtable.Node, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		nodes = append(nodes, n)
	}
	p.Outer.Unlock()

	for _, n := range nodes {
		n.Lock()
		hasRefs := len(n.Refs) > 0
		if hasRefs {
			e.Dead.Lock()
			e.Dead.Add(n)
			e.Dead.Unlock()
		}
		n.Unlock()
		p.RemoveNode(n)

		if hasRefs {
			e.NotifyNodeDead(n)
		}
	}
}
