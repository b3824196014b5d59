package objtable

import "sync"

// DeadNodes is the global list a node is moved onto when its owner process
// terminates while remote references still exist (spec.md §3, §4.2). Its
// lock guards only the list; a node on it keeps using its own node lock.
type DeadNodes struct {
	mu    sync.Mutex
	nodes map[*Node]struct{}
}

// NewDeadNodes creates an empty dead-nodes registry. One instance is shared
// across every process in a Driver's context.
func NewDeadNodes() *DeadNodes {
	return &DeadNodes{nodes: make(map[*Node]struct{})}
}

// Lock acquires the global dead-nodes lock.
func (d *DeadNodes) Lock() { d.mu.Lock() }

// Unlock releases the global dead-nodes lock.
func (d *DeadNodes) Unlock() { d.mu.Unlock() }

// Add detaches n from its owner (Owner is set nil) and adds it to the dead
// list. Caller holds d's lock and n's node lock.
func (d *DeadNodes) Add(n *Node) {
	n.Owner = nil
	d.nodes[n] = struct{}{}
}

// Remove deletes n from the dead list once it is finally destroyed (all
// four counters zero, refs set empty).
func (d *DeadNodes) Remove(n *Node) {
	delete(d.nodes, n)
}

// Len reports how many nodes are currently on the dead list, for tests and
// metrics.
func (d *DeadNodes) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.nodes)
}

// Sweep calls fn once for every node currently on the dead list, removing
// it from the list when fn reports the node is finally collectible. Used
// by the deferred-cleanup worker; fn must not try to re-lock d.
func (d *DeadNodes) Sweep(fn func(*Node) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for n := range d.nodes {
		if fn(n) {
			delete(d.nodes, n)
		}
	}
}
