package refcount

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMachineClearToPendingToHas(t *testing.T) {
	m := NewMachine()
	require.Equal(t, Clear, m.State())

	n := m.NeedChanged(true)
	require.Equal(t, NotifyInc, n)
	require.Equal(t, Pending, m.State())

	require.NoError(t, m.Ack())
	require.Equal(t, Has, m.State())
}

func TestMachineHasToPendingClearToClear(t *testing.T) {
	m := NewMachine()
	m.NeedChanged(true)
	require.NoError(t, m.Ack())

	n := m.NeedChanged(false)
	require.Equal(t, NotifyDec, n)
	require.Equal(t, PendingClear, m.State())

	require.NoError(t, m.Ack())
	require.Equal(t, Clear, m.State())
}

func TestMachineAckWithoutPendingIsError(t *testing.T) {
	m := NewMachine()
	require.ErrorIs(t, m.Ack(), ErrUnexpectedAck)
}

func TestMachineNeverSkipsAState(t *testing.T) {
	m := NewMachine()
	// Need flips true then false before any ack arrives: state must still
	// pass through Pending, never jump straight back to Clear.
	m.NeedChanged(true)
	require.Equal(t, Pending, m.State())
	m.NeedChanged(false)
	require.Equal(t, Pending, m.State(), "state must not skip to Clear without an ack")
}
