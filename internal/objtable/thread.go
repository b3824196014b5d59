package objtable

import (
	"sync"

	"github.com/ash-kernel/go-binderd/internal/work"
)

// Looper bitmask values (spec.md §3 Thread).
type LooperState uint32

const (
	LooperRegistered LooperState = 1 << iota
	LooperEntered
	LooperExited
	LooperInvalid
	LooperWaiting
)

// StackFrame is implemented by engine.Transaction. objtable only needs to
// push, pop, and peek a thread's transaction stack without knowing the full
// transaction representation, keeping objtable free of an import on engine.
type StackFrame interface {
	// FromParent returns the frame beneath this one on the stack (the
	// transaction that was in flight when this one was sent), or nil.
	FromParent() StackFrame
}

// Thread is one per OS thread that has ever touched the device for a given
// process (spec.md §3 Thread).
type Thread struct {
	OSThreadID int32
	Proc       *Process

	mu     sync.Mutex
	looper LooperState

	// Stack is the top of this thread's transaction stack, or nil.
	Stack StackFrame

	Todo *work.Queue // FIFO of work directed to this thread

	// ErrorWork holds the two preallocated error-work slots: one for
	// errors this thread originated, one for replies whose error came
	// from the callee (SPEC_FULL.md supplemented feature #3).
	ErrorWork [2]*work.ReturnError

	TmpRefs    int
	Dead       bool
	NeedsReturn bool // another thread may set this to force an exit boundary
}

// NewThread creates a thread with an empty todo queue and both error-work
// slots preallocated.
func NewThread(tid int32, p *Process) *Thread {
	return &Thread{
		OSThreadID: tid,
		Proc:       p,
		Todo:       work.NewQueue(),
		ErrorWork: [2]*work.ReturnError{
			{Slot: work.SlotReturnError},
			{Slot: work.SlotReplyError},
		},
	}
}

// Looper returns the current looper bitmask.
func (t *Thread) Looper() LooperState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.looper
}

// SetLooper ORs flag into the looper bitmask.
func (t *Thread) SetLooper(flag LooperState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.looper |= flag
}

// ClearLooper clears flag from the looper bitmask.
func (t *Thread) ClearLooper(flag LooperState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.looper &^= flag
}

// HasLooper reports whether every bit in flag is set.
func (t *Thread) HasLooper(flag LooperState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.looper&flag == flag
}

// PushStack pushes frame onto this thread's transaction stack.
func (t *Thread) PushStack(frame StackFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Stack = frame
}

// PopStack pops the top frame, restoring the frame beneath it.
func (t *Thread) PopStack() StackFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	top := t.Stack
	if top != nil {
		t.Stack = top.FromParent()
	}
	return top
}

// TopStack peeks the top frame without popping.
func (t *Thread) TopStack() StackFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Stack
}

// SetNeedsReturn marks this thread to exit at the next boundary and wakes
// its todo queue so a blocked read pump observes it (spec.md §5
// "Cancellation").
func (t *Thread) SetNeedsReturn() {
	t.mu.Lock()
	t.NeedsReturn = true
	t.mu.Unlock()
	t.Todo.Wake()
}

// NeedsReturnAndClear reports whether this thread was asked to return from
// its current read cycle, clearing the flag so the next cycle runs
// normally.
func (t *Thread) NeedsReturnAndClear() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.NeedsReturn
	t.NeedsReturn = false
	return v
}
