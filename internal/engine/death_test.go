package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ash-kernel/go-binderd/internal/objtable"
	"github.com/ash-kernel/go-binderd/internal/work"
)

func TestRequestDeathNotificationFiresOnProcessRelease(t *testing.T) {
	e := newTranslateEngine()

	owner := objtable.NewProcess(1, "binder")
	node := objtable.NewNode(owner, 0x1, 0x2, 0, false)
	owner.InsertNode(node)

	holder := objtable.NewProcess(2, "binder")
	holder.Outer.Lock()
	node.Lock()
	ref, _ := objtable.FindOrCreateRef(holder, node, false)
	ref.Strong = 1
	node.Unlock()
	holder.Outer.Unlock()

	require.NoError(t, e.RequestDeathNotification(holder, ref.Handle, 0xC0FFEE))

	e.ReleaseProcess(owner)

	item, ok := holder.Todo.TryPop()
	require.True(t, ok, "owner's death must have queued a notification for holder")
	d, ok := item.(work.Death)
	require.True(t, ok)
	assert.Equal(t, uint64(0xC0FFEE), d.Cookie)
	assert.Equal(t, work.DeathNotify, d.Kind)
	assert.Equal(t, objtable.DeathQueued, ref.Death.State)
}

func TestRequestDeathNotificationOnAlreadyDeadNodeQueuesImmediately(t *testing.T) {
	e := newTranslateEngine()

	owner := objtable.NewProcess(1, "binder")
	node := objtable.NewNode(owner, 0x1, 0x2, 0, false)
	owner.InsertNode(node)

	holder := objtable.NewProcess(2, "binder")
	holder.Outer.Lock()
	node.Lock()
	ref, _ := objtable.FindOrCreateRef(holder, node, false)
	ref.Strong = 1
	node.Unlock()
	holder.Outer.Unlock()

	// The node is already dead (owner torn down) before the registration
	// is even made.
	e.ReleaseProcess(owner)

	require.NoError(t, e.RequestDeathNotification(holder, ref.Handle, 42))

	item, ok := holder.Todo.TryPop()
	require.True(t, ok, "registering against an already-dead node must queue the notification right away")
	d, ok := item.(work.Death)
	require.True(t, ok)
	assert.Equal(t, uint64(42), d.Cookie)
}

func TestClearDeathNotificationDefersPastDelivery(t *testing.T) {
	e := newTranslateEngine()

	owner := objtable.NewProcess(1, "binder")
	node := objtable.NewNode(owner, 0x1, 0x2, 0, false)
	owner.InsertNode(node)

	holder := objtable.NewProcess(2, "binder")
	holder.Outer.Lock()
	node.Lock()
	ref, _ := objtable.FindOrCreateRef(holder, node, false)
	ref.Strong = 1
	node.Unlock()
	holder.Outer.Unlock()

	require.NoError(t, e.RequestDeathNotification(holder, ref.Handle, 7))
	e.ReleaseProcess(owner)

	_, ok := holder.Todo.TryPop()
	require.True(t, ok, "drain the queued DEAD_BINDER before it is delivered")
	e.DeliverDeath(holder, ref.Death)

	// A clear arriving after delivery but before BC_DEAD_BINDER_DONE must
	// not drop the notification already in flight; it defers the
	// clear-acknowledgement instead (spec.md §4.6 "dead-and-clear race").
	require.NoError(t, e.ClearDeathNotification(holder, ref.Handle, 7))
	assert.True(t, ref.Death.DeadAndClear)

	require.NoError(t, e.AckDeathDone(holder, 7))
	item, ok := holder.Todo.TryPop()
	require.True(t, ok, "the deferred clear-ack must fire once the death itself is acknowledged")
	d, ok := item.(work.Death)
	require.True(t, ok)
	assert.Equal(t, work.DeathClearDone, d.Kind)
	assert.Nil(t, ref.Death)
}

func TestRequestDeathNotificationRejectsDuplicateRegistration(t *testing.T) {
	e := newTranslateEngine()

	owner := objtable.NewProcess(1, "binder")
	node := objtable.NewNode(owner, 0x1, 0x2, 0, false)
	owner.InsertNode(node)

	holder := objtable.NewProcess(2, "binder")
	holder.Outer.Lock()
	node.Lock()
	ref, _ := objtable.FindOrCreateRef(holder, node, false)
	ref.Strong = 1
	node.Unlock()
	holder.Outer.Unlock()

	require.NoError(t, e.RequestDeathNotification(holder, ref.Handle, 1))
	err := e.RequestDeathNotification(holder, ref.Handle, 2)
	require.Error(t, err)
}
