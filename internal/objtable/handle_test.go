package objtable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateHandleSmallestFree(t *testing.T) {
	p := NewProcess(1, "default")
	n1 := NewNode(p, 0x1000, 0, 0, false)
	n2 := NewNode(p, 0x2000, 0, 0, false)
	n3 := NewNode(p, 0x3000, 0, 0, false)

	p.Outer.Lock()
	r1, created := FindOrCreateRef(p, n1, false)
	require.True(t, created)
	require.Equal(t, uint32(1), r1.Handle)

	r2, created := FindOrCreateRef(p, n2, false)
	require.True(t, created)
	require.Equal(t, uint32(2), r2.Handle)
	p.Outer.Unlock()

	p.Outer.Lock()
	p.RemoveRef(r1)
	n1.RemoveRef(r1)
	p.Outer.Unlock()

	p.Outer.Lock()
	r3, created := FindOrCreateRef(p, n3, false)
	p.Outer.Unlock()
	require.True(t, created)
	require.Equal(t, uint32(1), r3.Handle, "smallest free handle should be reused")
}

func TestAllocateHandleContextManagerIsZero(t *testing.T) {
	p := NewProcess(1, "default")
	ctxNode := NewNode(nil, 0, 0, 0, false)

	p.Outer.Lock()
	r, created := FindOrCreateRef(p, ctxNode, true)
	p.Outer.Unlock()

	require.True(t, created)
	require.EqualValues(t, 0, r.Handle)
}

func TestFindOrCreateRefReusesExisting(t *testing.T) {
	p := NewProcess(1, "default")
	n := NewNode(p, 0x1000, 0, 0, false)

	p.Outer.Lock()
	r1, created1 := FindOrCreateRef(p, n, false)
	r2, created2 := FindOrCreateRef(p, n, false)
	p.Outer.Unlock()

	require.True(t, created1)
	require.False(t, created2)
	require.Same(t, r1, r2)
	require.Len(t, n.Refs, 1)
}

func TestNodeDeadRequiresAllCountersZero(t *testing.T) {
	n := NewNode(nil, 0x1000, 0, 0, false)
	require.True(t, n.Dead())

	n.InternalStrong = 1
	require.False(t, n.Dead())
	n.InternalStrong = 0

	n.TmpRefs = 1
	require.False(t, n.Dead())
	n.TmpRefs = 0
	require.True(t, n.Dead())
}
