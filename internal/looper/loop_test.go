package looper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ash-kernel/go-binderd/internal/allocator"
	"github.com/ash-kernel/go-binderd/internal/engine"
	"github.com/ash-kernel/go-binderd/internal/fdtable"
	"github.com/ash-kernel/go-binderd/internal/objtable"
	"github.com/ash-kernel/go-binderd/internal/policy"
	"github.com/ash-kernel/go-binderd/internal/uapi"
)

func newTestEngine() *engine.Engine {
	return engine.New(allocator.NewSimpleAllocator(0), policy.Permissive{}, fdtable.NewOSTable(), nil)
}

func TestDrainEmptyQueueRequestsSpawn(t *testing.T) {
	eng := newTestEngine()
	p := objtable.NewProcess(1, "binder")
	th := p.LookupOrCreateThread(1)
	th.SetLooper(objtable.LooperEntered)
	p.MaxThreads = 2

	records, err := Drain(eng, p, th, 4096)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint32(uapi.BR_SPAWN_LOOPER), records[0].Cmd)
	assert.EqualValues(t, 1, p.RequestedThreads)
}

func TestDrainDoesNotRequestSpawnPastMaxThreads(t *testing.T) {
	eng := newTestEngine()
	p := objtable.NewProcess(1, "binder")
	th := p.LookupOrCreateThread(1)
	th.SetLooper(objtable.LooperEntered)
	p.MaxThreads = 0

	// Already at the thread cap: Drain must not offer BR_SPAWN_LOOPER, so it
	// falls through to the blocking wait. Close the queue up front so that
	// wait returns empty-handed instead of actually blocking the test.
	th.Todo.Close()

	records, err := Drain(eng, p, th, 4096)
	require.NoError(t, err)
	assert.Len(t, records, 0)
	assert.EqualValues(t, 0, p.RequestedThreads)
}

func TestDrainTransactionThenReply(t *testing.T) {
	eng := newTestEngine()

	server := objtable.NewProcess(1, "binder")
	serverThread := server.LookupOrCreateThread(1)
	serverThread.SetLooper(objtable.LooperEntered)

	_, err := eng.BecomeContextManager(server)
	require.NoError(t, err)

	client := objtable.NewProcess(2, "binder")
	clientThread := client.LookupOrCreateThread(1)

	req := &uapi.BinderTransactionData{Code: 9, Buffer: []byte("ping"), DataSize: 4}
	require.NoError(t, eng.Send(clientThread, 0, req, false))

	records, err := Drain(eng, server, serverThread, 4096)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint32(uapi.BR_TRANSACTION), records[0].Cmd)

	// Draining the transaction must have pushed an inboundFrame onto the
	// server thread's own stack via AcceptDelivery, letting it reply.
	reply := &uapi.BinderTransactionData{Buffer: []byte("pong"), DataSize: 4}
	require.NoError(t, eng.Send(serverThread, 0, reply, true))

	// The client's own send left a TRANSACTION_COMPLETE on its thread queue
	// ahead of the reply; one read returns both, in that order.
	clientRecords, err := Drain(eng, client, clientThread, 4096)
	require.NoError(t, err)
	require.Len(t, clientRecords, 2)
	assert.Equal(t, uint32(uapi.BR_TRANSACTION_COMPLETE), clientRecords[0].Cmd)
	assert.Equal(t, uint32(uapi.BR_REPLY), clientRecords[1].Cmd)
}
