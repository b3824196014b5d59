package binderd

import (
	"encoding/binary"

	"github.com/ash-kernel/go-binderd/internal/engine"
	"github.com/ash-kernel/go-binderd/internal/looper"
	"github.com/ash-kernel/go-binderd/internal/objtable"
	"github.com/ash-kernel/go-binderd/internal/uapi"
)

// Write consumes one BC_* command stream from cmds against p/t, mirroring
// the write half of BINDER_WRITE_READ (spec.md §6). It returns the number
// of bytes consumed; a caller with a partial trailing command should retry
// once more bytes are available rather than treating that as an error.
func (d *Driver) Write(p *objtable.Process, t *objtable.Thread, cmds []byte) (int, error) {
	consumed := 0
	for consumed+4 <= len(cmds) {
		cmd := binary.LittleEndian.Uint32(cmds[consumed:])
		rest := cmds[consumed+4:]

		n, err := d.execOne(p, t, cmd, rest)
		if err != nil {
			return consumed, err
		}
		if n < 0 {
			// Command's payload hasn't fully arrived yet; stop here and
			// let the caller resume from this point once more is written.
			break
		}
		consumed += 4 + n
	}
	return consumed, nil
}

// execOne executes a single BC_* command whose fixed tag has already been
// consumed, returning the number of payload bytes it consumed from rest, or
// -1 if rest does not yet hold a full payload.
func (d *Driver) execOne(p *objtable.Process, t *objtable.Thread, cmd uint32, rest []byte) (int, error) {
	switch cmd {
	case uapi.BC_TRANSACTION, uapi.BC_TRANSACTION_SG:
		return d.execTransaction(p, t, rest, false)
	case uapi.BC_REPLY, uapi.BC_REPLY_SG:
		return d.execTransaction(p, t, rest, true)

	case uapi.BC_FREE_BUFFER:
		if len(rest) < 8 {
			return -1, nil
		}
		addr := binary.LittleEndian.Uint64(rest)
		return 8, d.freeBuffer(p, addr)

	case uapi.BC_INCREFS, uapi.BC_ACQUIRE, uapi.BC_RELEASE, uapi.BC_DECREFS:
		if len(rest) < 4 {
			return -1, nil
		}
		handle := binary.LittleEndian.Uint32(rest)
		return 4, d.adjustRef(p, cmd, handle)

	case uapi.BC_INCREFS_DONE, uapi.BC_ACQUIRE_DONE:
		var pc uapi.BinderPtrCookie
		if len(rest) < 16 {
			return -1, nil
		}
		if err := uapi.Unmarshal(rest, &pc); err != nil {
			return -1, nil
		}
		return 16, d.ackNode(p, cmd, pc.Ptr)

	case uapi.BC_REQUEST_DEATH_NOTIFICATION, uapi.BC_CLEAR_DEATH_NOTIFICATION:
		var hc uapi.BinderHandleCookie
		if len(rest) < 16 {
			return -1, nil
		}
		if err := uapi.Unmarshal(rest, &hc); err != nil {
			return -1, nil
		}
		if cmd == uapi.BC_REQUEST_DEATH_NOTIFICATION {
			return 16, d.RequestDeathNotification(p, hc.Handle, hc.Cookie)
		}
		return 16, d.ClearDeathNotification(p, hc.Handle, hc.Cookie)

	case uapi.BC_DEAD_BINDER_DONE:
		if len(rest) < 8 {
			return -1, nil
		}
		cookie := binary.LittleEndian.Uint64(rest)
		return 8, d.AckDeathDone(p, cookie)

	case uapi.BC_REGISTER_LOOPER:
		return 0, d.registerLooper(p, t)
	case uapi.BC_ENTER_LOOPER:
		return 0, d.enterLooper(p, t)
	case uapi.BC_EXIT_LOOPER:
		t.SetLooper(objtable.LooperExited)
		t.ClearLooper(objtable.LooperEntered)
		return 0, nil

	default:
		return 0, NewError("WRITE", ErrCodeProtocol, "unknown BC command")
	}
}

// registerLooper implements BC_REGISTER_LOOPER: a thread spawned in
// response to BR_SPAWN_LOOPER announcing it is ready, freeing the spawn
// request it is fulfilling. Calling it after BC_ENTER_LOOPER already ran
// on the same thread is the mutual-exclusion violation supplemented from
// the original driver.
func (d *Driver) registerLooper(p *objtable.Process, t *objtable.Thread) error {
	if t.HasLooper(objtable.LooperEntered) {
		return NewProcessError("REGISTER_LOOPER", p.PID, ErrCodeProtocol, "thread already entered as the main looper")
	}
	t.SetLooper(objtable.LooperRegistered)
	p.Inner.Lock()
	if p.RequestedThreads > 0 {
		p.RequestedThreads--
	}
	p.Inner.Unlock()
	return nil
}

// enterLooper implements BC_ENTER_LOOPER: the process's original thread
// joining the looper pool without having been spawned on request.
func (d *Driver) enterLooper(p *objtable.Process, t *objtable.Thread) error {
	if t.HasLooper(objtable.LooperRegistered) {
		return NewProcessError("ENTER_LOOPER", p.PID, ErrCodeProtocol, "thread already registered in response to a spawn request")
	}
	t.SetLooper(objtable.LooperEntered)
	return nil
}

// execTransaction unmarshals a fixed BinderTransactionData header plus its
// offsets array from rest and sends it. ExtraPayloads for BINDER_TYPE_PTR
// objects isn't carried over this raw command stream; callers that need
// ptr-object translation from a BC_TRANSACTION_SG call Driver.Transact
// directly with ExtraPayloads populated instead of going through Write.
func (d *Driver) execTransaction(p *objtable.Process, t *objtable.Thread, rest []byte, isReply bool) (int, error) {
	var td uapi.BinderTransactionData
	if len(rest) < 52 {
		return -1, nil
	}
	td.TargetHandle = binary.LittleEndian.Uint32(rest[0:4])
	td.TargetPtr = binary.LittleEndian.Uint64(rest[4:12])
	td.TargetCookie = binary.LittleEndian.Uint64(rest[12:20])
	td.Code = binary.LittleEndian.Uint32(rest[20:24])
	td.Flags = binary.LittleEndian.Uint32(rest[24:28])
	td.SenderPID = binary.LittleEndian.Uint32(rest[28:32])
	td.SenderEUID = binary.LittleEndian.Uint32(rest[32:36])
	td.DataSize = binary.LittleEndian.Uint64(rest[36:44])
	td.OffsetsSize = binary.LittleEndian.Uint64(rest[44:52])

	total := 52
	dataEnd := total + int(td.DataSize)
	offEnd := dataEnd + int(td.OffsetsSize)
	if len(rest) < offEnd {
		return -1, nil
	}
	td.Buffer = rest[total:dataEnd]
	td.Offsets = make([]uint64, td.OffsetsSize/8)
	for i := range td.Offsets {
		td.Offsets[i] = binary.LittleEndian.Uint64(rest[dataEnd+i*8:])
	}

	if err := d.Transact(t, td.TargetHandle, &td, isReply); err != nil {
		return offEnd, err
	}
	return offEnd, nil
}

// freeBuffer implements BC_FREE_BUFFER. A buffer not marked AllowUserFree
// is rejected. Freeing a request buffer releases the strong pin Send took
// on its target node. Freeing an async transaction's buffer also clears the
// target node's in-flight slot and, if another async send had parked
// behind it, promotes exactly one queued entry from that node's async_todo
// onto the target thread/process todo (spec.md §4.4, §5, §8 round-trip
// law).
func (d *Driver) freeBuffer(p *objtable.Process, userAddr uint64) error {
	alloc := d.eng.Alloc
	buf, err := alloc.PrepareToFree(p, userAddr)
	if err != nil {
		return NewProcessError("FREE_BUFFER", p.PID, ErrCodeProtocol, "unknown buffer address")
	}
	if !buf.AllowUserFree {
		return NewProcessError("FREE_BUFFER", p.PID, ErrCodeProtocol, "buffer may not be freed by user space")
	}
	if buf.TargetNode != nil {
		buf.TargetNode.Lock()
		buf.TargetNode.InternalStrong--
		buf.TargetNode.Unlock()
	}
	if buf.AsyncTransaction && buf.TargetNode != nil {
		node := buf.TargetNode
		node.Lock()
		node.HasAsyncTransaction = false
		next, ok := node.AsyncTodo.TryPop()
		if ok {
			node.HasAsyncTransaction = true
		}
		node.Unlock()
		if ok {
			d.eng.PromoteAsync(next.(engine.TransactionWork))
		}
	}
	return alloc.FreeBuf(p, buf)
}

// adjustRef implements BC_INCREFS/BC_ACQUIRE/BC_RELEASE/BC_DECREFS: the
// holder's own user-space strong/weak count on a reference it holds by
// handle (spec.md §4.2/§4.3).
func (d *Driver) adjustRef(p *objtable.Process, cmd uint32, handle uint32) error {
	p.Outer.Lock()
	ref, ok := p.RefsByHandle[handle]
	p.Outer.Unlock()
	if !ok {
		return NewHandleError("ADJUST_REF", p.PID, handle, ErrCodeUserWarning, "unknown handle")
	}

	ref.Node.Lock()
	defer ref.Node.Unlock()

	switch cmd {
	case uapi.BC_INCREFS:
		ref.Weak++
	case uapi.BC_ACQUIRE:
		ref.Strong++
	case uapi.BC_RELEASE:
		if ref.Strong == 0 {
			return NewHandleError("ADJUST_REF", p.PID, handle, ErrCodeUserWarning, "release without matching acquire")
		}
		ref.Strong--
	case uapi.BC_DECREFS:
		if ref.Weak == 0 {
			return NewHandleError("ADJUST_REF", p.PID, handle, ErrCodeUserWarning, "decref without matching incref")
		}
		ref.Weak--
	}

	if ref.Dead() {
		ref.Node.RemoveRef(ref)
		p.Outer.Lock()
		p.RemoveRef(ref)
		p.Outer.Unlock()
	}
	return nil
}

// ackNode implements BC_INCREFS_DONE/BC_ACQUIRE_DONE: the owner
// acknowledging a notification this driver sent it about its own node
// (spec.md §4.2).
func (d *Driver) ackNode(p *objtable.Process, cmd uint32, nodePtr uint64) error {
	node, ok := p.LookupNode(nodePtr)
	if !ok {
		return NewProcessError("ACK_NODE", p.PID, ErrCodeUserWarning, "unknown node pointer")
	}
	node.Lock()
	defer node.Unlock()
	var err error
	if cmd == uapi.BC_INCREFS_DONE {
		err = node.Weak.Ack()
	} else {
		err = node.Strong.Ack()
	}
	if err != nil {
		return NewProcessError("ACK_NODE", p.PID, ErrCodeUserWarning, err.Error())
	}
	return nil
}

// Read drains queued work for t into wire-ready BR_* records and flattens
// them into a byte buffer no larger than budget, mirroring the read half of
// BINDER_WRITE_READ.
func (d *Driver) Read(p *objtable.Process, t *objtable.Thread, budget int) ([]byte, error) {
	records, err := looper.Drain(d.eng, p, t, budget)
	out := make([]byte, 0, budget)
	for _, r := range records {
		head := make([]byte, 4)
		binary.LittleEndian.PutUint32(head, r.Cmd)
		out = append(out, head...)
		out = append(out, r.Payload...)
	}
	if _, ok := err.(looper.ErrNeedsReturn); ok {
		return out, nil
	}
	return out, err
}
