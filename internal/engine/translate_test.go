package engine

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ash-kernel/go-binderd/internal/allocator"
	"github.com/ash-kernel/go-binderd/internal/fdtable"
	"github.com/ash-kernel/go-binderd/internal/objtable"
	"github.com/ash-kernel/go-binderd/internal/policy"
	"github.com/ash-kernel/go-binderd/internal/uapi"
)

func newTranslateEngine() *Engine {
	return New(allocator.NewSimpleAllocator(0), policy.Permissive{}, fdtable.NewOSTable(), nil)
}

// receiveTransaction pops the next queued item off toThread (or its
// process, if none is pinned) and returns the underlying transaction.
func receiveTransaction(t *testing.T, toThread *objtable.Thread) *Transaction {
	item, ok := toThread.Todo.TryPop()
	if !ok {
		item, ok = toThread.Proc.Todo.TryPop()
	}
	require.True(t, ok, "expected queued work for thread or its process")
	w, ok := item.(TransactionWork)
	require.True(t, ok, "expected a TransactionWork item")
	return w.Txn
}

func TestSendTranslatesBinderObjectToHandle(t *testing.T) {
	e := newTranslateEngine()

	server := objtable.NewProcess(1, "binder")
	serverThread := server.LookupOrCreateThread(1)
	_, err := e.BecomeContextManager(server)
	require.NoError(t, err)

	client := objtable.NewProcess(2, "binder")
	clientThread := client.LookupOrCreateThread(1)

	obj := &uapi.FlatBinderObject{Type: uapi.BINDER_TYPE_BINDER, Handle: 0xAAAA, Cookie: 0xBBBB}
	data := uapi.Marshal(obj)
	req := &uapi.BinderTransactionData{
		Code:     1,
		Buffer:   data,
		DataSize: uint64(len(data)),
		Offsets:  []uint64{0},
	}
	require.NoError(t, e.Send(clientThread, 0, req, false))

	txn := receiveTransaction(t, serverThread)

	var got uapi.FlatBinderObject
	require.NoError(t, uapi.Unmarshal(txn.Buffer.Data[0:], &got))
	assert.Equal(t, uint32(uapi.BINDER_TYPE_HANDLE), got.Type)

	server.Outer.Lock()
	ref, ok := server.RefsByHandle[uint32(got.Handle)]
	server.Outer.Unlock()
	require.True(t, ok, "server must now hold a reference at the translated handle")
	assert.Equal(t, client, ref.Node.Owner)
	assert.Equal(t, uint64(0xAAAA), ref.Node.Ptr)
	assert.Equal(t, 1, ref.Node.InternalStrong)
}

func TestSendTranslatesHandleToSelfReference(t *testing.T) {
	e := newTranslateEngine()

	owner := objtable.NewProcess(1, "binder")
	ownerThread := owner.LookupOrCreateThread(1)
	_, err := e.BecomeContextManager(owner)
	require.NoError(t, err)

	middle := objtable.NewProcess(2, "binder")
	middleThread := middle.LookupOrCreateThread(1)

	// Give middle a reference to a node owner exports, then have middle
	// hand that same reference straight back to owner. Since owner already
	// owns the node, the object must come back as a direct local binder
	// object rather than a fresh handle.
	node := objtable.NewNode(owner, 0x1000, 0x2000, 0, false)
	owner.InsertNode(node)
	middle.Outer.Lock()
	node.Lock()
	ref, _ := objtable.FindOrCreateRef(middle, node, false)
	ref.Strong = 1
	node.Unlock()
	middle.Outer.Unlock()

	handleObj := &uapi.FlatBinderObject{Type: uapi.BINDER_TYPE_HANDLE, Handle: uint64(ref.Handle)}
	data := uapi.Marshal(handleObj)
	req := &uapi.BinderTransactionData{
		Code:     2,
		Buffer:   data,
		DataSize: uint64(len(data)),
		Offsets:  []uint64{0},
	}
	require.NoError(t, e.Send(middleThread, ref.Handle, req, false))

	txn := receiveTransaction(t, ownerThread)

	var got uapi.FlatBinderObject
	require.NoError(t, uapi.Unmarshal(txn.Buffer.Data[0:], &got))
	assert.Equal(t, uint32(uapi.BINDER_TYPE_BINDER), got.Type)
	assert.Equal(t, node.Ptr, got.Handle)
	assert.Equal(t, node.Cookie, got.Cookie)
	assert.Equal(t, 1, node.LocalStrong)
}

func TestSendRejectsFDWithoutAcceptFlag(t *testing.T) {
	e := newTranslateEngine()

	server := objtable.NewProcess(1, "binder")
	_, err := e.BecomeContextManager(server)
	require.NoError(t, err)

	client := objtable.NewProcess(2, "binder")
	clientThread := client.LookupOrCreateThread(1)

	fdObj := &uapi.FlatBinderObject{Type: uapi.BINDER_TYPE_FD, Handle: uint64(os.Stdout.Fd())}
	data := uapi.Marshal(fdObj)
	req := &uapi.BinderTransactionData{
		Code:     3,
		Buffer:   data,
		DataSize: uint64(len(data)),
		Offsets:  []uint64{0},
		// Neither TF_ACCEPT_FDS nor a target node with AcceptFDs set, so
		// the fd object must be rejected outright.
	}
	err = e.Send(clientThread, 0, req, false)
	require.Error(t, err)
}

func TestSendRejectsOutOfOrderFixup(t *testing.T) {
	e := newTranslateEngine()

	server := objtable.NewProcess(1, "binder")
	_, err := e.BecomeContextManager(server)
	require.NoError(t, err)

	client := objtable.NewProcess(2, "binder")
	clientThread := client.LookupOrCreateThread(1)

	// An fd-array object naming parent index 0 as though it had already
	// been fixed up, with nothing preceding it in the offsets array at
	// all: the monotonic fixup-ordering rule must reject this outright
	// rather than index into a parent that was never recorded.
	fda := &uapi.BinderFDArrayObject{Type: uapi.BINDER_TYPE_FDA, NumFDs: 1, ParentOffset: 0, Parent: 0}
	data := uapi.Marshal(fda)
	req := &uapi.BinderTransactionData{
		Code:     5,
		Buffer:   data,
		DataSize: uint64(len(data)),
		Offsets:  []uint64{0},
	}
	err = e.Send(clientThread, 0, req, false)
	require.Error(t, err)
}

func TestSendInstallsFDWhenAccepted(t *testing.T) {
	e := newTranslateEngine()

	server := objtable.NewProcess(1, "binder")
	serverThread := server.LookupOrCreateThread(1)
	_, err := e.BecomeContextManager(server)
	require.NoError(t, err)

	client := objtable.NewProcess(2, "binder")
	clientThread := client.LookupOrCreateThread(1)

	fdObj := &uapi.FlatBinderObject{Type: uapi.BINDER_TYPE_FD, Handle: uint64(os.Stdout.Fd())}
	data := uapi.Marshal(fdObj)
	req := &uapi.BinderTransactionData{
		Code:     4,
		Flags:    uapi.TF_ACCEPT_FDS,
		Buffer:   data,
		DataSize: uint64(len(data)),
		Offsets:  []uint64{0},
	}
	require.NoError(t, e.Send(clientThread, 0, req, false))

	txn := receiveTransaction(t, serverThread)

	var got uapi.FlatBinderObject
	require.NoError(t, uapi.Unmarshal(txn.Buffer.Data[0:], &got))
	assert.Equal(t, uint32(uapi.BINDER_TYPE_FD), got.Type)
	assert.NotEqual(t, uint64(os.Stdout.Fd()), got.Handle, "the installed fd must be a fresh logical descriptor in the receiver's table")
}
