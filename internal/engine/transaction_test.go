package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ash-kernel/go-binderd/internal/allocator"
	"github.com/ash-kernel/go-binderd/internal/fdtable"
	"github.com/ash-kernel/go-binderd/internal/objtable"
	"github.com/ash-kernel/go-binderd/internal/policy"
	"github.com/ash-kernel/go-binderd/internal/uapi"
)

func newTestEngine() *Engine {
	return New(allocator.NewSimpleAllocator(0), policy.Permissive{}, fdtable.NewOSTable(), nil)
}

// deliver simulates the read pump handing the next queued transaction to t,
// trying t's own queue before the process-shared one the way
// internal/looper's tryNextItem does, then fires AcceptDelivery exactly
// where encode() does. TRANSACTION_COMPLETE markers that t's own sends left
// on its queue are skipped; the read pump emits them as separate records.
func deliver(t *testing.T, e *Engine, th *objtable.Thread) TransactionWork {
	item, ok := th.Todo.TryPop()
	for ok && item.Kind() == "transaction-complete" {
		item, ok = th.Todo.TryPop()
	}
	if !ok {
		item, ok = th.Proc.Todo.TryPop()
	}
	require.True(t, ok, "expected queued work for thread or its process")
	w, ok := item.(TransactionWork)
	require.True(t, ok, "expected a TransactionWork item")
	e.AcceptDelivery(th, w)
	return w
}

// TestSendReplyRoundTrip exercises the basic call/reply path: the receiving
// thread must be able to find the incoming transaction on its own stack when
// it issues BC_REPLY, which only works once AcceptDelivery has pushed an
// inboundFrame for it at delivery time rather than at dispatch time.
func TestSendReplyRoundTrip(t *testing.T) {
	e := newTestEngine()

	server := objtable.NewProcess(1, "binder")
	serverThread := server.LookupOrCreateThread(1)

	node, err := e.BecomeContextManager(server)
	require.NoError(t, err)
	require.NotNil(t, node)

	client := objtable.NewProcess(2, "binder")
	clientThread := client.LookupOrCreateThread(1)

	req := &uapi.BinderTransactionData{Code: 7, Buffer: []byte("ping"), DataSize: 4}
	require.NoError(t, e.Send(clientThread, 0, req, false))

	// Drain the shared process queue the way a registered-looper thread
	// would, at which point AcceptDelivery fires.
	w := deliver(t, e, serverThread)
	assert.False(t, w.IsReply)
	assert.Equal(t, uint32(7), w.Txn.Code)

	from, toProc, toThread := w.Txn.Snapshot()
	assert.Equal(t, clientThread, from)
	assert.Equal(t, server, toProc)
	assert.Equal(t, serverThread, toThread)

	reply := &uapi.BinderTransactionData{Buffer: []byte("pong"), DataSize: 4}
	require.NoError(t, e.Send(serverThread, 0, reply, true))

	replyWork := deliver(t, e, clientThread)
	assert.True(t, replyWork.IsReply)

	// The server's own stack must be empty again: dispatchReply popped the
	// inboundFrame it pushed at delivery.
	assert.Nil(t, serverThread.TopStack())
	// The client's stack must be empty too: AcceptDelivery popped the
	// sender-side frame dispatchRequest pushed when the call went out.
	assert.Nil(t, clientThread.TopStack())
}

func TestSendUnknownHandleIsRejected(t *testing.T) {
	e := newTestEngine()
	client := objtable.NewProcess(1, "binder")
	clientThread := client.LookupOrCreateThread(1)

	req := &uapi.BinderTransactionData{Code: 1, Buffer: []byte("x"), DataSize: 1}
	err := e.Send(clientThread, 99, req, false)
	require.Error(t, err)
}

// TestReentrantSteering builds an A -> B -> A call chain and confirms the
// nested call from B back into A lands on A's own waiting thread instead of
// A's shared process queue, per spec.md's reentrant-call rule.
func TestReentrantSteering(t *testing.T) {
	e := newTestEngine()

	procA := objtable.NewProcess(1, "binder")
	threadA := procA.LookupOrCreateThread(1)
	procB := objtable.NewProcess(2, "binder")
	threadB := procB.LookupOrCreateThread(1)

	nodeB := objtable.NewNode(procB, 0x1000, 0x2000, 0, false)
	procB.InsertNode(nodeB)
	nodeA := objtable.NewNode(procA, 0x3000, 0x4000, 0, false)
	procA.InsertNode(nodeA)

	procA.Outer.Lock()
	nodeB.Lock()
	refB, _ := objtable.FindOrCreateRef(procA, nodeB, false)
	nodeB.Unlock()
	procA.Outer.Unlock()

	procB.Outer.Lock()
	nodeA.Lock()
	refA, _ := objtable.FindOrCreateRef(procB, nodeA, false)
	nodeA.Unlock()
	procB.Outer.Unlock()

	// A calls B.
	req1 := &uapi.BinderTransactionData{Code: 1, Buffer: []byte("a"), DataSize: 1}
	require.NoError(t, e.Send(threadA, refB.Handle, req1, false))
	w1 := deliver(t, e, threadB)
	assert.False(t, w1.IsReply)

	// B, while still handling A's call, calls back into A. Target selection
	// must steer this onto threadA rather than procA's shared queue.
	toProc, toThread, _, err := e.selectTarget(threadB, refA.Handle, false)
	require.NoError(t, err)
	assert.Equal(t, procA, toProc)
	assert.Equal(t, threadA, toThread, "nested call should steer to the thread already blocked in this chain")
}
