package binderd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ash-kernel/go-binderd/internal/engine"
	"github.com/ash-kernel/go-binderd/internal/objtable"
	"github.com/ash-kernel/go-binderd/internal/uapi"
	"github.com/ash-kernel/go-binderd/internal/work"
)

// deliverDriver pops the next queued item addressed to t (or its process,
// for work with no pinned thread) and applies AcceptDelivery exactly where
// internal/looper's encode() does, so the stack bookkeeping a reply depends
// on is in place without going through the wire-record read path.
// TRANSACTION_COMPLETE markers that t's own sends left on its queue are
// skipped; the read pump emits them as separate records.
func deliverDriver(t *testing.T, d *Driver, th *objtable.Thread) engine.TransactionWork {
	item, ok := th.Todo.TryPop()
	for ok && item.Kind() == "transaction-complete" {
		item, ok = th.Todo.TryPop()
	}
	if !ok {
		item, ok = th.Proc.Todo.TryPop()
	}
	require.True(t, ok, "expected queued work for thread or its process")
	w, ok := item.(engine.TransactionWork)
	require.True(t, ok, "expected a TransactionWork item")
	d.eng.AcceptDelivery(th, w)
	return w
}

func TestDriverBootstrapTransactAndReply(t *testing.T) {
	d := NewDriver(Config{})
	defer d.Shutdown()

	server := d.Open(1, "binder")
	defer d.Close(server)
	serverThread := d.Thread(server, 1)

	_, err := d.BecomeContextManager(server)
	require.NoError(t, err)

	client := d.Open(2, "binder")
	defer d.Close(client)
	clientThread := d.Thread(client, 1)

	req := &uapi.BinderTransactionData{Code: 1, Buffer: []byte("ping"), DataSize: 4}
	require.NoError(t, d.Transact(clientThread, 0, req, false))

	w := deliverDriver(t, d, serverThread)
	assert.False(t, w.IsReply)

	reply := &uapi.BinderTransactionData{Buffer: []byte("pong"), DataSize: 4}
	require.NoError(t, d.Transact(serverThread, 0, reply, true))
	deliverDriver(t, d, clientThread)

	// RecordTransaction counts every non-one-way Transact call, the
	// request and the reply alike; Replies additionally counts just the
	// reply leg.
	snap := d.Metrics().Snapshot()
	assert.EqualValues(t, 2, snap.Transactions)
	assert.EqualValues(t, 1, snap.Replies)
}

func TestDriverDeathNotificationAndDeadTargetOnClose(t *testing.T) {
	d := NewDriver(Config{})
	defer d.Shutdown()

	server := d.Open(1, "binder")
	serverThread := d.Thread(server, 1)
	_, err := d.BecomeContextManager(server)
	require.NoError(t, err)

	client := d.Open(2, "binder")
	defer d.Close(client)
	clientThread := d.Thread(client, 1)

	// Client calls the context manager, server replies exporting one of
	// its own nodes, so the client ends up holding a real handle onto a
	// node owned by server (rather than the handle-0 bootstrap alias).
	req := &uapi.BinderTransactionData{Code: 1, Buffer: []byte("ping"), DataSize: 4}
	require.NoError(t, d.Transact(clientThread, 0, req, false))
	deliverDriver(t, d, serverThread)

	exported := &uapi.FlatBinderObject{Type: uapi.BINDER_TYPE_BINDER, Handle: 0x9000, Cookie: 0xA000}
	payload := uapi.Marshal(exported)
	reply := &uapi.BinderTransactionData{Buffer: payload, DataSize: uint64(len(payload)), Offsets: []uint64{0}}
	require.NoError(t, d.Transact(serverThread, 0, reply, true))
	w := deliverDriver(t, d, clientThread)

	var got uapi.FlatBinderObject
	require.NoError(t, uapi.Unmarshal(w.Txn.Buffer.Data[0:], &got))
	handle := uint32(got.Handle)

	require.NoError(t, d.RequestDeathNotification(client, handle, 0xDEAD))

	d.Close(server)

	item, ok := client.Todo.TryPop()
	require.True(t, ok, "server's death must have queued a notification for client")
	death, ok := item.(work.Death)
	require.True(t, ok)
	assert.EqualValues(t, 0xDEAD, death.Cookie)

	err = d.Transact(clientThread, handle, &uapi.BinderTransactionData{Code: 2}, false)
	require.Error(t, err)
	assert.True(t, IsDeadTarget(err))

	snap := d.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.DeadTargetErrors)
}
