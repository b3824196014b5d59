package binderd

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ash-kernel/go-binderd/internal/objtable"
	"github.com/ash-kernel/go-binderd/internal/uapi"
)

func bcCommand(cmd uint32, rest ...[]byte) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, cmd)
	for _, r := range rest {
		out = append(out, r...)
	}
	return out
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func encodeTransactionData(td *uapi.BinderTransactionData) []byte {
	out := make([]byte, 52)
	binary.LittleEndian.PutUint32(out[0:4], td.TargetHandle)
	binary.LittleEndian.PutUint64(out[4:12], td.TargetPtr)
	binary.LittleEndian.PutUint64(out[12:20], td.TargetCookie)
	binary.LittleEndian.PutUint32(out[20:24], td.Code)
	binary.LittleEndian.PutUint32(out[24:28], td.Flags)
	binary.LittleEndian.PutUint32(out[28:32], td.SenderPID)
	binary.LittleEndian.PutUint32(out[32:36], td.SenderEUID)
	binary.LittleEndian.PutUint64(out[36:44], uint64(len(td.Buffer)))
	binary.LittleEndian.PutUint64(out[44:52], uint64(len(td.Offsets)*8))
	out = append(out, td.Buffer...)
	for _, off := range td.Offsets {
		out = append(out, u64le(off)...)
	}
	return out
}

func TestWriteReadTransactionRoundTrip(t *testing.T) {
	d := NewDriver(Config{})
	defer d.Shutdown()

	server := d.Open(1, "binder")
	defer d.Close(server)
	serverThread := d.Thread(server, 1)

	_, err := d.BecomeContextManager(server)
	require.NoError(t, err)

	n, err := d.Write(server, serverThread, bcCommand(uapi.BC_ENTER_LOOPER))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.True(t, serverThread.HasLooper(objtable.LooperEntered))

	client := d.Open(2, "binder")
	defer d.Close(client)
	clientThread := d.Thread(client, 1)

	req := encodeTransactionData(&uapi.BinderTransactionData{Code: 42, Buffer: []byte("ping")})
	_, err = d.Write(client, clientThread, bcCommand(uapi.BC_TRANSACTION, req))
	require.NoError(t, err)

	serverBuf, err := d.Read(server, serverThread, 4096)
	require.NoError(t, err)
	require.True(t, len(serverBuf) >= 4)
	assert.Equal(t, uint32(uapi.BR_TRANSACTION), binary.LittleEndian.Uint32(serverBuf))

	rep := encodeTransactionData(&uapi.BinderTransactionData{Buffer: []byte("pong")})
	_, err = d.Write(server, serverThread, bcCommand(uapi.BC_REPLY, rep))
	require.NoError(t, err)

	// The payload-less BR_TRANSACTION_COMPLETE for the client's own send
	// comes first, then the BR_REPLY record.
	clientBuf, err := d.Read(client, clientThread, 4096)
	require.NoError(t, err)
	require.True(t, len(clientBuf) >= 8)
	assert.Equal(t, uint32(uapi.BR_TRANSACTION_COMPLETE), binary.LittleEndian.Uint32(clientBuf))
	assert.Equal(t, uint32(uapi.BR_REPLY), binary.LittleEndian.Uint32(clientBuf[4:]))
}

func TestWritePartialCommandIsNotConsumed(t *testing.T) {
	d := NewDriver(Config{})
	defer d.Shutdown()
	p := d.Open(1, "binder")
	defer d.Close(p)
	th := d.Thread(p, 1)

	// A BC_FREE_BUFFER tag with only 4 of its 8 payload bytes present.
	partial := append(bcCommand(uapi.BC_FREE_BUFFER), []byte{1, 2, 3, 4}...)
	n, err := d.Write(p, th, partial)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRegisterAndEnterLooperAreMutuallyExclusive(t *testing.T) {
	d := NewDriver(Config{})
	defer d.Shutdown()
	p := d.Open(1, "binder")
	defer d.Close(p)
	th := d.Thread(p, 1)

	_, err := d.Write(p, th, bcCommand(uapi.BC_ENTER_LOOPER))
	require.NoError(t, err)

	_, err = d.Write(p, th, bcCommand(uapi.BC_REGISTER_LOOPER))
	require.Error(t, err)

	p2 := d.Open(2, "binder")
	defer d.Close(p2)
	th2 := d.Thread(p2, 1)
	_, err = d.Write(p2, th2, bcCommand(uapi.BC_REGISTER_LOOPER))
	require.NoError(t, err)

	_, err = d.Write(p2, th2, bcCommand(uapi.BC_ENTER_LOOPER))
	require.Error(t, err)
}

func TestAdjustRefRejectsUnknownHandle(t *testing.T) {
	d := NewDriver(Config{})
	defer d.Shutdown()
	p := d.Open(1, "binder")
	defer d.Close(p)
	th := d.Thread(p, 1)

	// Nothing has ever handed this process a reference to handle 7, so a
	// user-space BC_RELEASE against it is a user mistake, not a crash:
	// the driver must reject it instead of indexing a nil ref.
	_, err := d.Write(p, th, bcCommand(uapi.BC_RELEASE, u32le(7)))
	require.Error(t, err)
}
