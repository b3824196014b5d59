// Package looper implements the per-thread read pump that drains work
// queued by the transaction engine into the BR_* record stream a user-space
// looper thread consumes (spec.md §5 "Driver read/write loop"). It knows
// nothing about ioctls or real shared memory: Drain returns a slice of
// wire-ready records, and the root package is responsible for copying them
// into a caller-supplied read buffer.
package looper

import (
	"encoding/binary"

	"github.com/ash-kernel/go-binderd/internal/engine"
	"github.com/ash-kernel/go-binderd/internal/objtable"
	"github.com/ash-kernel/go-binderd/internal/uapi"
	"github.com/ash-kernel/go-binderd/internal/work"
)

// Record is one BR_* entry: a command tag plus its fixed-layout payload.
type Record struct {
	Cmd     uint32
	Payload []byte
}

// ErrNeedsReturn is returned when the thread was asked to exit this read
// cycle early (spec.md §5 "Cancellation"); the caller should stop draining
// and hand back whatever records were already collected.
type ErrNeedsReturn struct{}

func (ErrNeedsReturn) Error() string { return "thread needs to return from the read loop" }

// Drain pulls queued work for t and converts each item into one or more
// records, stopping once budget bytes of payload have been produced, the
// queue runs dry, or a needs-return boundary is hit. Only the very first
// item of a cycle may block; once anything has been produced, a dry queue
// ends the cycle instead of sleeping for more, the way a read() syscall
// returns what it already has rather than topping off the buffer. A
// zero-record, nil-error result means the queue was closed (THREAD_EXIT
// already ran) or the blocking wait was woken by Queue.Wake with nothing
// queued.
func Drain(eng *engine.Engine, p *objtable.Process, t *objtable.Thread, budget int) ([]Record, error) {
	var records []Record
	used := 0

	for used < budget {
		item, ok := tryNextItem(t)
		if !ok {
			if len(records) > 0 {
				break
			}
			// Nothing at all is ready: tell user space to spin up another
			// looper thread before sleeping, mirroring the real driver's
			// check right before binder_wait_for_work (spec.md §5).
			if shouldSpawn(p, t) {
				p.Inner.Lock()
				p.RequestedThreads++
				p.Inner.Unlock()
				return []Record{{Cmd: uapi.BR_SPAWN_LOOPER}}, nil
			}
			item, ok = blockingNextItem(t)
			if !ok {
				break
			}
		}

		rs, err := encode(eng, p, t, item)
		if err != nil {
			return records, err
		}
		for _, r := range rs {
			records = append(records, r)
			used += 4 + len(r.Payload)
		}

		if t.NeedsReturnAndClear() {
			return records, ErrNeedsReturn{}
		}

		// Return-error and transaction/reply records end a read cycle
		// immediately rather than coalescing more work behind them: a
		// BR_TRANSACTION/BR_REPLY hands control to user code that must act
		// on it before this thread drains anything else (spec.md §5). A
		// TRANSACTION_COMPLETE does not end the cycle, so a reply already
		// queued behind it comes back in the same read.
		if item.Kind() == "return-error" || item.Kind() == "transaction" {
			break
		}
	}

	return records, nil
}

// tryNextItem implements spec.md §5's "own queue first, then the shared
// process queue" rule without blocking: a looper thread (entered or
// registered) also checks the process-shared queue, since work addressed to
// no particular thread lands there for any idle looper to pick up.
func tryNextItem(t *objtable.Thread) (work.Item, bool) {
	if item, ok := t.Todo.TryPop(); ok {
		return item, true
	}
	if t.HasLooper(objtable.LooperEntered) || t.HasLooper(objtable.LooperRegistered) {
		if item, ok := t.Proc.Todo.TryPop(); ok {
			return item, true
		}
	}
	return nil, false
}

// blockingNextItem waits on t's own queue once tryNextItem has found nothing
// anywhere, tracking p.ReadyThreads across the wait so a concurrent sender
// can tell whether an idle thread is available before asking for a new one
// to be spawned. This is a cooperative approximation of the kernel's single
// wait-queue wakeup, adequate for a library with no real blocking ioctl to
// multiplex.
func blockingNextItem(t *objtable.Thread) (work.Item, bool) {
	p := t.Proc
	p.Inner.Lock()
	p.ReadyThreads++
	p.Inner.Unlock()
	item, ok := t.Todo.Wait()
	p.Inner.Lock()
	if p.ReadyThreads > 0 {
		p.ReadyThreads--
	}
	p.Inner.Unlock()
	return item, ok
}

// shouldSpawn reports whether the process should be told to spin up
// another looper thread: it is still under its configured cap and has no
// other thread currently idle to absorb new shared work.
func shouldSpawn(p *objtable.Process, t *objtable.Thread) bool {
	p.Inner.Lock()
	defer p.Inner.Unlock()
	if !t.HasLooper(objtable.LooperEntered) {
		return false
	}
	return p.ReadyThreads == 0 && p.RequestedThreads < p.MaxThreads
}

// encode converts one work.Item into the BR_* record(s) it produces.
func encode(eng *engine.Engine, p *objtable.Process, t *objtable.Thread, item work.Item) ([]Record, error) {
	switch v := item.(type) {
	case work.TransactionComplete:
		return []Record{{Cmd: uapi.BR_TRANSACTION_COMPLETE}}, nil

	case work.ReturnError:
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, v.Code)
		cmd := uapi.BR_ERROR
		if v.Slot == work.SlotReplyError {
			cmd = uapi.BR_FAILED_REPLY
		}
		return []Record{{Cmd: uint32(cmd), Payload: payload}}, nil

	case work.NodeNotify:
		return encodeNodeNotify(v)

	case work.Death:
		return encodeDeath(eng, p, v)

	case engine.TransactionWork:
		eng.AcceptDelivery(t, v)
		return encodeTransaction(v)

	default:
		return []Record{{Cmd: uapi.BR_NOOP}}, nil
	}
}

func encodeNodeNotify(v work.NodeNotify) ([]Record, error) {
	pc := &uapi.BinderPtrCookie{Ptr: v.NodePtr, Cookie: v.NodeCookie}
	payload := uapi.Marshal(pc)

	cmd := uint32(uapi.BR_DECREFS)
	switch {
	case v.Strong && v.Inc:
		cmd = uapi.BR_ACQUIRE
	case v.Strong && !v.Inc:
		cmd = uapi.BR_RELEASE
	case !v.Strong && v.Inc:
		cmd = uapi.BR_INCREFS
	}

	if v.Dead {
		if node, ok := v.Node.(*objtable.Node); ok {
			node.Lock()
			owner := node.Owner
			node.Unlock()
			if owner != nil {
				owner.RemoveNode(node)
			}
		}
	}

	return []Record{{Cmd: cmd, Payload: payload}}, nil
}

func encodeDeath(eng *engine.Engine, p *objtable.Process, v work.Death) ([]Record, error) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, v.Cookie)
	if v.Kind == work.DeathClearDone {
		return []Record{{Cmd: uapi.BR_CLEAR_DEATH_NOTIFICATION_DONE, Payload: payload}}, nil
	}
	if death, ok := v.Token.(*objtable.Death); ok {
		eng.DeliverDeath(p, death)
	}
	return []Record{{Cmd: uapi.BR_DEAD_BINDER, Payload: payload}}, nil
}

func encodeTransaction(v engine.TransactionWork) ([]Record, error) {
	td := v.Txn.WireData()
	payload := uapi.MarshalTransactionData(td)
	cmd := uapi.BR_TRANSACTION
	if v.IsReply {
		cmd = uapi.BR_REPLY
	}
	return []Record{{Cmd: uint32(cmd), Payload: payload}}, nil
}
