package engine

import (
	"github.com/ash-kernel/go-binderd/internal/objtable"
	"github.com/ash-kernel/go-binderd/internal/work"
)

// RequestDeathNotification implements BC_REQUEST_DEATH_NOTIFICATION
// (spec.md §4.6): holder registers to be told when the node behind handle
// goes away. If the node is already dead, the notification is queued
// immediately instead of waiting for a future death.
func (e *Engine) RequestDeathNotification(holder *objtable.Process, handle uint32, cookie uint64) error {
	holder.Outer.Lock()
	ref, ok := holder.RefsByHandle[handle]
	holder.Outer.Unlock()
	if !ok {
		return userWarningf("REQUEST_DEATH_NOTIFICATION", "unknown handle %d", handle)
	}

	ref.Node.Lock()
	if ref.Death != nil {
		ref.Node.Unlock()
		return protocolErrorf("REQUEST_DEATH_NOTIFICATION", "handle %d already has a death registration", handle)
	}
	death := objtable.NewDeath(ref, cookie)
	ref.Death = death
	if ref.Node.Owner == nil {
		e.queueDeath(holder, death)
	}
	ref.Node.Unlock()
	return nil
}

// ClearDeathNotification implements BC_CLEAR_DEATH_NOTIFICATION. If the
// registration has already been queued or delivered, the clear itself is
// deferred: a death already in flight must still reach the reader before
// the clear-acknowledgement does (spec.md §4.6 "dead-and-clear race").
func (e *Engine) ClearDeathNotification(holder *objtable.Process, handle uint32, cookie uint64) error {
	holder.Outer.Lock()
	ref, ok := holder.RefsByHandle[handle]
	holder.Outer.Unlock()
	if !ok {
		return userWarningf("CLEAR_DEATH_NOTIFICATION", "unknown handle %d", handle)
	}

	ref.Node.Lock()
	defer ref.Node.Unlock()

	death := ref.Death
	if death == nil || death.Cookie != cookie {
		return userWarningf("CLEAR_DEATH_NOTIFICATION", "no matching death registration for handle %d", handle)
	}

	switch death.State {
	case objtable.DeathIdle:
		ref.Death = nil
	case objtable.DeathQueued, objtable.DeathDelivered:
		death.DeadAndClear = true
	}
	return nil
}

// queueDeath transitions a death registration from idle to queued and
// pushes the delivery work item onto the holder's process todo. Caller
// holds the node lock.
func (e *Engine) queueDeath(holder *objtable.Process, death *objtable.Death) {
	death.State = objtable.DeathQueued
	holder.Inner.Lock()
	holder.Todo.Push(work.Death{Cookie: death.Cookie, Kind: work.DeathNotify, Token: death})
	holder.Inner.Unlock()
}

// NotifyNodeDead walks every reference pointing at node and queues a death
// delivery for each one with a live registration (spec.md §4.6, driven by
// the node's owner terminating or explicitly dying). Caller must have
// already detached node from its owner (objtable.DeadNodes.Add).
func (e *Engine) NotifyNodeDead(node *objtable.Node) {
	node.Lock()
	refs := make([]*objtable.Ref, 0, len(node.Refs))
	for r := range node.Refs {
		refs = append(refs, r)
	}
	node.Unlock()

	for _, r := range refs {
		node.Lock()
		if death := r.Death; death != nil && death.State == objtable.DeathIdle {
			e.queueDeath(r.Holder, death)
		}
		node.Unlock()
	}
}

// DeliverDeath marks a queued death registration delivered and files it on
// the holder's delivered-but-unacknowledged list, called once the reader
// has actually handed BR_DEAD_BINDER to user space.
func (e *Engine) DeliverDeath(holder *objtable.Process, death *objtable.Death) {
	death.Ref.Node.Lock()
	death.State = objtable.DeathDelivered
	death.Ref.Node.Unlock()

	holder.Inner.Lock()
	holder.DeliveredDeath = append(holder.DeliveredDeath, death)
	holder.Inner.Unlock()
}

// AckDeathDone implements BC_DEAD_BINDER_DONE: the holder has finished
// processing a delivered death notification. If a clear arrived while the
// notification was in flight (DeadAndClear), the clear-acknowledgement
// fires now instead of being lost.
func (e *Engine) AckDeathDone(holder *objtable.Process, cookie uint64) error {
	holder.Inner.Lock()
	idx := -1
	for i, d := range holder.DeliveredDeath {
		if d.Cookie == cookie {
			idx = i
			break
		}
	}
	var death *objtable.Death
	if idx >= 0 {
		death = holder.DeliveredDeath[idx]
		holder.DeliveredDeath = append(holder.DeliveredDeath[:idx], holder.DeliveredDeath[idx+1:]...)
	}
	holder.Inner.Unlock()

	if death == nil {
		return userWarningf("DEAD_BINDER_DONE", "no delivered death registration for cookie %d", cookie)
	}

	death.Ref.Node.Lock()
	clear := death.DeadAndClear
	death.Ref.Death = nil
	death.Ref.Node.Unlock()

	if clear {
		holder.Inner.Lock()
		holder.Todo.Push(work.Death{Cookie: cookie, Kind: work.DeathClearDone})
		holder.Inner.Unlock()
	}
	return nil
}
