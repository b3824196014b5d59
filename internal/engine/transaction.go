package engine

import (
	"sync"

	"github.com/ash-kernel/go-binderd/internal/allocator"
	"github.com/ash-kernel/go-binderd/internal/objtable"
	"github.com/ash-kernel/go-binderd/internal/uapi"
	"github.com/ash-kernel/go-binderd/internal/work"
)

// Transaction is one in-flight synchronous or async call/reply (spec.md §3
// Transaction). It implements objtable.StackFrame so a thread's
// transaction stack can hold it without objtable importing engine.
type Transaction struct {
	DebugID string

	mu       sync.Mutex // guards From, ToProc, ToThread only (spec.md §4.1)
	From     *objtable.Thread
	FromProc *objtable.Process
	ToProc   *objtable.Process
	ToThread *objtable.Thread

	parent *Transaction // frame beneath this one on the sender's stack

	NeedsReply bool
	Code       uint32
	Flags      uint32
	SenderEUID uint32

	// SavedPriority is the receiving thread's nicety before priority
	// inheritance was applied, restored when the reply is processed.
	// RequestedPriority is the sender's own nicety at the moment it called
	// Send, captured before any inheritance from this call could touch it
	// (spec.md §3 "saved and requested scheduling nicety"; §4.4 "Priority
	// inheritance").
	SavedPriority     int32
	RequestedPriority int32

	TargetNode *objtable.Node
	Buffer     *allocator.Buffer

	// payloads carries each ptr object's source bytes, keyed by that
	// object's byte offset, supplied by the caller at Send time since
	// there is no shared mapping to read the sender's pointer through.
	payloads map[uint64][]byte
}

// FromParent implements objtable.StackFrame.
func (t *Transaction) FromParent() objtable.StackFrame {
	if t.parent == nil {
		return nil
	}
	return t.parent
}

// Snapshot reads From/ToProc/ToThread under the transaction's own lock.
func (t *Transaction) Snapshot() (from *objtable.Thread, toProc *objtable.Process, toThread *objtable.Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.From, t.ToProc, t.ToThread
}

func (t *Transaction) setTo(proc *objtable.Process, thread *objtable.Thread) {
	t.mu.Lock()
	t.ToProc = proc
	t.ToThread = thread
	t.mu.Unlock()
}

// WireData reconstructs the fixed-layout transaction header a reader hands
// to user space for BR_TRANSACTION/BR_REPLY, filling in the receiver-side
// target fields from the node this transaction resolved to.
func (t *Transaction) WireData() *uapi.BinderTransactionData {
	td := &uapi.BinderTransactionData{
		Code:       t.Code,
		Flags:      t.Flags,
		SenderEUID: t.SenderEUID,
	}
	if t.FromProc != nil {
		td.SenderPID = uint32(t.FromProc.PID)
	}
	if t.TargetNode != nil {
		td.TargetPtr = t.TargetNode.Ptr
		td.TargetCookie = t.TargetNode.Cookie
	}
	if t.Buffer != nil {
		td.DataSize = t.Buffer.DataSize
		td.OffsetsSize = t.Buffer.OffsetsSize
		td.Buffer = t.Buffer.Data
		td.Offsets = t.Buffer.Offsets
	}
	return td
}

// ClearFrom detaches the originating-thread back-pointer when that thread
// is torn down (spec.md §3 "nullable; cleared when that thread is torn
// down").
func (t *Transaction) ClearFrom() {
	t.mu.Lock()
	t.From = nil
	t.mu.Unlock()
}

// inboundFrame marks an incoming, not-yet-replied-to transaction on the
// receiving thread's own stack. This is distinct from the sender-side
// frame dispatchRequest pushes onto the caller's stack: a thread's
// transaction_stack in the original driver threads two independent chains
// through the same struct, one for calls it originated and one for calls
// it must reply to, so here they get their own frame type rather than
// reusing *Transaction's FromParent chain.
type inboundFrame struct {
	txn    *Transaction
	parent objtable.StackFrame
}

func (f *inboundFrame) FromParent() objtable.StackFrame { return f.parent }

// ClearFrom delegates to the wrapped transaction so driver.ThreadExit's
// walk-and-clear over a thread's stack (which only knows the ClearFrom
// method, not either concrete frame type) also reaches the underlying
// transaction when the top frame is an inboundFrame.
func (f *inboundFrame) ClearFrom() { f.txn.ClearFrom() }

// frameTxn unwraps either kind of stack frame down to the Transaction it
// carries, so a thread that is mid-handling an inbound call (top of stack is
// an inboundFrame) still links correctly into the from_parent chain when it
// turns around and places a nested outbound call of its own.
func frameTxn(f objtable.StackFrame) *Transaction {
	switch v := f.(type) {
	case *Transaction:
		return v
	case *inboundFrame:
		return v.txn
	default:
		return nil
	}
}

// AcceptDelivery records that t is now the thread handling w, mirroring the
// real driver's binder_thread_read, which sets thread->transaction_stack
// only once a BR_TRANSACTION is actually handed to user space rather than
// when it is merely queued; a transaction can sit on a process-shared
// queue for a while before any particular thread claims it. For a
// synchronous call, it also pushes an inboundFrame so a later BC_REPLY
// issued by t can find the transaction it must answer. Priority
// inheritance (spec.md §4.4) is applied here too, since it is defined as a
// reader-side (delivery-time) effect, not a dispatch-time one.
func (e *Engine) AcceptDelivery(t *objtable.Thread, w TransactionWork) {
	if w.IsReply {
		// t's own outbound call (pushed in dispatchRequest) has now been
		// answered; drop it so a later nested call doesn't steer through a
		// stale frame.
		t.PopStack()
		return
	}
	w.Txn.setTo(t.Proc, t)
	e.applyPriority(t, w.Txn)
	if !w.Txn.NeedsReply {
		return
	}
	t.PushStack(&inboundFrame{txn: w.Txn, parent: t.TopStack()})
}

// TransactionWork is a work.Item wrapping a transaction or reply delivery.
type TransactionWork struct {
	Txn     *Transaction
	IsReply bool
}

func (TransactionWork) Kind() string { return "transaction" }

// Send implements spec.md §4.4 end to end: target selection, admission,
// translation, and dispatch. handle is the sender-side target handle
// (ignored for replies); td carries the fixed-layout wire fields.
func (e *Engine) Send(fromThread *objtable.Thread, handle uint32, td *uapi.BinderTransactionData, isReply bool) error {
	fromProc := fromThread.Proc

	toProc, toThread, targetNode, err := e.selectTarget(fromThread, handle, isReply)
	if err != nil {
		return err
	}

	txn := &Transaction{
		DebugID:           newDebugID(),
		From:              fromThread,
		FromProc:          fromProc,
		ToProc:            toProc,
		ToThread:          toThread,
		NeedsReply:        !isReply && td.Flags&uapi.TF_ONE_WAY == 0,
		Code:              td.Code,
		Flags:             td.Flags,
		SenderEUID:        td.SenderEUID,
		TargetNode:        targetNode,
		RequestedPriority: fromThread.Proc.Priority,
		payloads:          td.ExtraPayloads,
	}

	isAsync := td.Flags&uapi.TF_ONE_WAY != 0

	// Admission (buffer allocation + object translation) always runs in
	// full before a transaction is ever handed to a queue, sync or async:
	// the real driver's binder_transaction() does the same, and only the
	// final enqueue step differs for async calls directed at a node that
	// already has one in flight (spec.md §4.4 "Async call (one-way)").
	buf, err := e.Alloc.AllocBuf(toProc, td.DataSize, td.OffsetsSize, td.ExtrasSize, isAsync)
	if err != nil {
		e.unwindAdmissionFailure(targetNode)
		return resourceErrorf("TRANSACTION", "allocator exhausted: %v", err)
	}
	txn.Buffer = buf
	buf.TargetNode = targetNode

	copy(buf.Data, td.Buffer)
	copy(buf.Offsets, td.Offsets)

	if err := e.translate(fromProc, toProc, buf, txn); err != nil {
		_ = e.Alloc.FreeBuf(toProc, buf)
		e.unwindAdmissionFailure(targetNode)
		return err
	}

	if isReply {
		e.dispatchReply(fromThread, txn)
	} else if isAsync {
		e.dispatchAsync(targetNode, txn)
	} else {
		e.dispatchRequest(fromThread, txn)
	}

	fromThread.Todo.Push(work.TransactionComplete{})
	return nil
}

// selectTarget implements spec.md §4.4 "Target selection".
func (e *Engine) selectTarget(fromThread *objtable.Thread, handle uint32, isReply bool) (*objtable.Process, *objtable.Thread, *objtable.Node, error) {
	if isReply {
		top := fromThread.TopStack()
		inbound, _ := top.(*inboundFrame)
		if inbound == nil {
			return nil, nil, nil, protocolErrorf("REPLY", "no matching incoming transaction on stack")
		}
		from, _, toThread := inbound.txn.Snapshot()
		if toThread != fromThread {
			return nil, nil, nil, protocolErrorf("REPLY", "stack top is not addressed to this thread")
		}
		if from == nil {
			return nil, nil, nil, deadTargetErrorf("REPLY", "originating thread already torn down")
		}
		return from.Proc, from, nil, nil
	}

	node, err := e.resolveHandle(fromThread.Proc, handle)
	if err != nil {
		return nil, nil, nil, err
	}

	node.Lock()
	node.InternalStrong++
	node.Unlock()

	if node.Owner == nil {
		node.Lock()
		node.InternalStrong--
		node.Unlock()
		return nil, nil, nil, deadTargetErrorf("TRANSACTION", "target node is dead")
	}
	toProc := node.Owner

	if e.Hooks != nil && !e.Hooks.MayTransact(fromThread.Proc, toProc) {
		node.Lock()
		node.InternalStrong--
		node.Unlock()
		return nil, nil, nil, permissionErrorf("TRANSACTION", "transact denied")
	}

	// Stack-steering: if this thread's own incoming call chain already
	// passes through toProc, land on the specific thread in toProc that
	// is waiting on this chain (spec.md §4.4 rule 3 — reentrant A->B->A).
	if waiting := steerToOriginator(fromThread, toProc); waiting != nil {
		return toProc, waiting, node, nil
	}

	return toProc, nil, node, nil
}

// steerToOriginator walks fromThread's transaction stack looking for a
// frame whose originating process is toProc; if found, that frame's
// originating thread is still blocked waiting for this very call chain to
// return, so the nested call is steered there instead of the shared queue.
func steerToOriginator(fromThread *objtable.Thread, toProc *objtable.Process) *objtable.Thread {
	frame := frameTxn(fromThread.TopStack())
	for frame != nil {
		from, _, _ := frame.Snapshot()
		if from != nil && from.Proc == toProc {
			return from
		}
		frame = frameTxn(frame.FromParent())
	}
	return nil
}

// resolveHandle resolves a sender-side handle to a node, or the
// context-manager node for handle 0 (spec.md §4.4 rule 2).
func (e *Engine) resolveHandle(fromProc *objtable.Process, handle uint32) (*objtable.Node, error) {
	if handle == 0 {
		node, ok := e.ContextManagerNode(fromProc.Context)
		if !ok {
			return nil, deadTargetErrorf("TRANSACTION", "no context manager registered")
		}
		return node, nil
	}

	fromProc.Outer.Lock()
	ref, ok := fromProc.RefsByHandle[handle]
	fromProc.Outer.Unlock()
	if !ok {
		return nil, userWarningf("TRANSACTION", "unknown handle %d", handle)
	}
	return ref.Node, nil
}

// dispatchReply implements spec.md §4.4 "Dispatch / Reply".
func (e *Engine) dispatchReply(fromThread *objtable.Thread, txn *Transaction) {
	incoming := fromThread.PopStack()
	if inbound, ok := incoming.(*inboundFrame); ok {
		e.restorePriority(fromThread, inbound.txn)
	}
	_, toProc, toThread := txn.Snapshot()
	_ = toProc
	if toThread != nil {
		toThread.Todo.Push(TransactionWork{Txn: txn, IsReply: true})
	}
}

// dispatchRequest implements spec.md §4.4 "Dispatch / Synchronous call".
func (e *Engine) dispatchRequest(fromThread *objtable.Thread, txn *Transaction) {
	txn.parent = frameTxn(fromThread.TopStack())
	fromThread.PushStack(txn)

	_, toProc, toThread := txn.Snapshot()
	if toThread != nil {
		toThread.Todo.Push(TransactionWork{Txn: txn})
		return
	}
	toProc.Todo.Push(TransactionWork{Txn: txn})
}

// dispatchAsync implements spec.md §4.4 "Async call (one-way)": if the
// target node already has an async transaction in flight, this one is
// parked on its async_todo instead of reaching any thread or process
// queue; FREE_BUFFER of the in-flight one promotes it later (see
// Engine.PromoteAsync). The transaction handed in has already been
// admitted (buffer allocated, objects translated) by Send, so a promoted
// item needs no further work before it can be delivered.
func (e *Engine) dispatchAsync(targetNode *objtable.Node, txn *Transaction) {
	if targetNode != nil {
		targetNode.Lock()
		if targetNode.HasAsyncTransaction {
			targetNode.AsyncTodo.Push(TransactionWork{Txn: txn})
			targetNode.Unlock()
			return
		}
		targetNode.HasAsyncTransaction = true
		targetNode.Unlock()
	}

	_, toProc, toThread := txn.Snapshot()
	if toThread != nil {
		toThread.Todo.Push(TransactionWork{Txn: txn})
		return
	}
	toProc.Todo.Push(TransactionWork{Txn: txn})
}

// PromoteAsync enqueues a transaction that had been parked on a node's
// async_todo list, once FREE_BUFFER of the previously in-flight buffer
// clears the node's slot for it (spec.md §4.4 "On free of an async
// buffer the driver checks that node's async_todo and promotes the next
// work item"). The promoted transaction was already fully admitted at
// Send time, so this only needs to route it to whichever thread or
// process queue it resolved to, waking that queue's reader.
func (e *Engine) PromoteAsync(w TransactionWork) {
	_, toProc, toThread := w.Txn.Snapshot()
	if toThread != nil {
		toThread.Todo.Push(w)
		return
	}
	toProc.Todo.Push(w)
}

// applyPriority implements spec.md §4.4 "Priority inheritance": applied on
// delivery (reader side, from AcceptDelivery) rather than at dispatch, and
// using the sender's nicety at send time (txn.RequestedPriority) rather
// than the receiving thread's own current value.
func (e *Engine) applyPriority(toThread *objtable.Thread, txn *Transaction) {
	node := txn.TargetNode
	if node == nil {
		return
	}
	txn.SavedPriority = toThread.Proc.Priority
	if txn.Flags&uapi.TF_ONE_WAY == 0 && txn.RequestedPriority < node.MinPriority {
		toThread.Proc.Priority = txn.RequestedPriority
	} else {
		toThread.Proc.Priority = node.MinPriority
	}
}

func (e *Engine) restorePriority(fromThread *objtable.Thread, incoming *Transaction) {
	fromThread.Proc.Priority = incoming.SavedPriority
}

// unwindAdmissionFailure releases the strong pin taken on targetNode
// during target selection exactly once (DESIGN.md open question #2: an
// admitted request's pin is instead released when its buffer is freed). Admission now always precedes the async park
// decision (see dispatchAsync), so a failure here can never have touched
// targetNode.HasAsyncTransaction.
func (e *Engine) unwindAdmissionFailure(targetNode *objtable.Node) {
	if targetNode == nil {
		return
	}
	targetNode.Lock()
	targetNode.InternalStrong--
	targetNode.Unlock()
}

func newDebugID() string { return objtable.NewDebugID() }
