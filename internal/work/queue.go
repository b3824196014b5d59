// Package work implements the FIFO work lists that back a process's shared
// todo queue, a thread's private todo queue, and a node's async_todo queue,
// plus the wake-one discipline used to hand work to a waiting reader.
package work

import "sync"

// Item is one entry on a todo list. The concrete kinds node,
// transaction-complete, return-error and death live in items.go; the
// transaction kind lives in the engine package. The queue only pushes and
// pops opaque items.
type Item interface {
	// Kind returns a short tag used for logging and tests.
	Kind() string
}

// Queue is an unbounded FIFO with a condition variable wakeup, mirroring the
// teacher's per-tag mutex-guarded ring buffers in internal/queue/pool.go but
// without a fixed capacity: a process or node todo list has no natural
// upper bound the way a fixed submission ring does.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []Item
	// closed marks that no more items will ever be pushed; Wait returns
	// immediately with ok=false once the queue is both closed and empty.
	closed bool
	// interrupted is a one-shot wake: a waiter with nothing queued returns
	// immediately, but the queue remains usable afterward. Cleared by the
	// next call to Wait that actually observes it.
	interrupted bool
}

// NewQueue creates an empty work queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an item and wakes one waiter.
func (q *Queue) Push(item Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.cond.Signal()
}

// PushFront inserts an item at the head of the queue, ahead of everything
// already queued, and wakes one waiter.
func (q *Queue) PushFront(item Item) {
	q.mu.Lock()
	q.items = append([]Item{item}, q.items...)
	q.mu.Unlock()
	q.cond.Signal()
}

// TryPop removes and returns the head item without blocking.
func (q *Queue) TryPop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len reports the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Empty reports whether the queue currently has no items.
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// Wait blocks until an item is available or the queue is closed, then pops
// and returns it. ok is false only when the queue was closed with nothing
// left to drain.
func (q *Queue) Wait() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed && !q.interrupted {
		q.cond.Wait()
	}
	q.interrupted = false
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Close marks the queue closed and wakes every waiter; used for final
// thread teardown (THREAD_EXIT), not for a transient needs-return boundary.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Wake interrupts any current or next Wait call once, without closing the
// queue, so a blocked reader can recheck a needs-return flag and exit this
// read cycle without preventing future waits (spec.md §5 "Cancellation").
func (q *Queue) Wake() {
	q.mu.Lock()
	q.interrupted = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Drain removes and returns every item currently queued, in order.
func (q *Queue) Drain() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Remove deletes the first item for which match returns true, reporting
// whether one was found; it can pull an item out of the middle of a list.
func (q *Queue) Remove(match func(Item) bool) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if match(it) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return it, true
		}
	}
	return nil, false
}
