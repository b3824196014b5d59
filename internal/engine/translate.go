package engine

import (
	"github.com/ash-kernel/go-binderd/internal/allocator"
	"github.com/ash-kernel/go-binderd/internal/objtable"
	"github.com/ash-kernel/go-binderd/internal/refcount"
	"github.com/ash-kernel/go-binderd/internal/uapi"
	"github.com/ash-kernel/go-binderd/internal/work"
)

// fixupCursor tracks the monotonic (last parent index, last min offset)
// pair that every ptr/fd-array object's parent reference must respect
// (spec.md §4.4 "Fixup ordering"): a fixup may only name a parent object
// that was itself already fixed up, and within one parent its target
// offsets must strictly increase.
type fixupCursor struct {
	seenParent  map[uint64]bool
	lastOffset  map[uint64]uint64
}

func newFixupCursor() *fixupCursor {
	return &fixupCursor{
		seenParent: make(map[uint64]bool),
		lastOffset: make(map[uint64]uint64),
	}
}

// check validates a fixup naming parentIdx (an index into the offsets
// array) at targetOffset inside that parent's region, then records it.
func (c *fixupCursor) check(parentIdx, targetOffset uint64) error {
	if !c.seenParent[parentIdx] {
		return protocolErrorf("TRANSACTION", "fixup references parent %d before it was fixed up", parentIdx)
	}
	if last, ok := c.lastOffset[parentIdx]; ok && targetOffset <= last {
		return protocolErrorf("TRANSACTION", "fixup offsets for parent %d are not strictly increasing", parentIdx)
	}
	c.lastOffset[parentIdx] = targetOffset
	return nil
}

func (c *fixupCursor) markFixedUp(idx uint64) {
	c.seenParent[idx] = true
}

// undoStep is one reversible effect of translating a single object,
// applied in reverse if a later object in the same transaction fails.
type undoStep func()

// translate implements spec.md §4.4 "Object translation": it walks the
// transaction's offsets array in order and rewrites each object in buf.Data
// in place so the receiver sees handles, local pointers, and locally valid
// fds instead of the sender's own. On the first failure, every effect
// applied so far for this buffer is undone before the error is returned.
func (e *Engine) translate(fromProc, toProc *objtable.Process, buf *allocator.Buffer, txn *Transaction) error {
	cursor := newFixupCursor()
	var undo []undoStep

	fail := func(err error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return err
	}

	// A ptr object's allocated extras region, keyed by its index in the
	// offsets array, so a later fd-array object naming it as parent can
	// find the bytes it needs to patch.
	extrasByIndex := make(map[uint64][]byte)
	extrasCursor := uint64(0)

	for idx, off := range buf.Offsets {
		if off+4 > uint64(len(buf.Data)) {
			return fail(protocolErrorf("TRANSACTION", "offset %d out of range", off))
		}
		objBytes := buf.Data[off:]
		typ := uapi.ObjectType(objBytes)

		switch typ {
		case uapi.BINDER_TYPE_BINDER, uapi.BINDER_TYPE_WEAK_BINDER:
			step, err := e.translateBinder(fromProc, toProc, buf, off, typ)
			if err != nil {
				return fail(err)
			}
			undo = append(undo, step)

		case uapi.BINDER_TYPE_HANDLE, uapi.BINDER_TYPE_WEAK_HANDLE:
			step, err := e.translateHandle(fromProc, toProc, buf, off, typ)
			if err != nil {
				return fail(err)
			}
			undo = append(undo, step)

		case uapi.BINDER_TYPE_FD:
			step, err := e.translateFD(fromProc, toProc, buf, off, txn)
			if err != nil {
				return fail(err)
			}
			undo = append(undo, step)

		case uapi.BINDER_TYPE_PTR:
			var obj uapi.BinderBufferObject
			if err := uapi.Unmarshal(objBytes, &obj); err != nil {
				return fail(protocolErrorf("TRANSACTION", "malformed ptr object: %v", err))
			}
			if obj.HasParent {
				if err := cursor.check(obj.Parent, obj.ParentOffset); err != nil {
					return fail(err)
				}
			}
			raw := txn.extraPayload(off)
			start := extrasCursor
			if start+uint64(len(raw)) > uint64(len(buf.Extras)) {
				return fail(resourceErrorf("TRANSACTION", "extras region exhausted"))
			}
			copy(buf.Extras[start:], raw)
			extrasCursor += uint64(len(raw))
			extrasByIndex[uint64(idx)] = buf.Extras[start : start+uint64(len(raw))]

			if obj.HasParent {
				parentBytes, ok := extrasByIndex[obj.Parent]
				if !ok {
					return fail(protocolErrorf("TRANSACTION", "ptr parent %d has no extras region", obj.Parent))
				}
				if obj.ParentOffset+8 > uint64(len(parentBytes)) {
					return fail(protocolErrorf("TRANSACTION", "ptr parent-offset out of range"))
				}
				leputUint64(parentBytes[obj.ParentOffset:], buf.UserAddr+start)
			}
			cursor.markFixedUp(uint64(idx))
			undo = append(undo, func() { extrasCursor = start })

		case uapi.BINDER_TYPE_FDA:
			var obj uapi.BinderFDArrayObject
			if err := uapi.Unmarshal(objBytes, &obj); err != nil {
				return fail(protocolErrorf("TRANSACTION", "malformed fd-array object: %v", err))
			}
			if err := cursor.check(obj.Parent, obj.ParentOffset); err != nil {
				return fail(err)
			}
			parentBytes, ok := extrasByIndex[obj.Parent]
			if !ok {
				return fail(protocolErrorf("TRANSACTION", "fd-array parent %d has no extras region", obj.Parent))
			}
			// Supplemented bounds check: the array of uint32 fds must fit
			// entirely inside the parent buffer it was packed into.
			need := obj.NumFDs * 4
			if obj.ParentOffset+need > uint64(len(parentBytes)) {
				return fail(protocolErrorf("TRANSACTION", "fd-array overruns parent buffer"))
			}
			if !fdTargetAccepts(txn) {
				return fail(permissionErrorf("TRANSACTION", "target does not accept file descriptors"))
			}
			var fdaUndo []undoStep
			for i := uint64(0); i < obj.NumFDs; i++ {
				at := obj.ParentOffset + i*4
				srcFD := int(leGetUint32(parentBytes[at:]))
				newFD, step, err := e.installOneFD(fromProc, toProc, srcFD, txn)
				if err != nil {
					for j := len(fdaUndo) - 1; j >= 0; j-- {
						fdaUndo[j]()
					}
					return fail(err)
				}
				lePutUint32(parentBytes[at:], uint32(newFD))
				fdaUndo = append(fdaUndo, step)
			}
			cursor.markFixedUp(uint64(idx))
			undo = append(undo, fdaUndo...)

		default:
			return fail(protocolErrorf("TRANSACTION", "unknown object type %#x at offset %d", typ, off))
		}
	}

	return nil
}

// translateBinder implements the "binder / weak-binder" row of spec.md
// §4.4's translation table: the sender is exporting one of its own
// objects. A node is found under the sender by the object's ptr (its cookie
// must match the node's) or created with the object's (ptr, cookie), the
// receiver is given a reference to it, and the wire object is rewritten
// from binder-typed to handle-typed.
func (e *Engine) translateBinder(fromProc, toProc *objtable.Process, buf *allocator.Buffer, off uint64, typ uint32) (undoStep, error) {
	var obj uapi.FlatBinderObject
	if err := uapi.Unmarshal(buf.Data[off:], &obj); err != nil {
		return nil, protocolErrorf("TRANSACTION", "malformed binder object: %v", err)
	}

	if e.Hooks != nil && !e.Hooks.MayTransferBinder(fromProc, toProc) {
		return nil, permissionErrorf("TRANSACTION", "binder transfer denied")
	}

	node, existed := fromProc.LookupNode(obj.BinderPtr())
	if !existed {
		node = objtable.NewNode(fromProc, obj.BinderPtr(), obj.Cookie, 0, obj.Flags&uapi.FLAT_BINDER_FLAG_ACCEPTS_FDS != 0)
		fromProc.InsertNode(node)
	} else if node.Cookie != obj.Cookie {
		return nil, protocolErrorf("TRANSACTION", "binder cookie %#x does not match node %#x", obj.Cookie, obj.BinderPtr())
	}

	toProc.Outer.Lock()
	node.Lock()
	strong := typ == uapi.BINDER_TYPE_BINDER
	if strong {
		node.InternalStrong++
	}
	ref, created := objtable.FindOrCreateRef(toProc, node, false)
	if strong {
		ref.Strong++
	} else {
		ref.Weak++
	}
	var notify refcount.Notification
	if strong {
		notify = node.Strong.NeedChanged(node.StrongNeed())
	} else {
		notify = node.Weak.NeedChanged(node.WeakNeed())
	}
	dead := notify == refcount.NotifyDec && node.Dead()
	node.Unlock()
	toProc.Outer.Unlock()

	if notify != refcount.NoNotify {
		queueNodeNotify(fromProc, node, strong, notify, dead)
	}

	out := &uapi.FlatBinderObject{
		Type:   typeForHandle(typ),
		Flags:  obj.Flags,
		Handle: uint64(ref.Handle),
	}
	copy(buf.Data[off:], uapi.Marshal(out))

	return func() {
		node.Lock()
		if strong {
			node.InternalStrong--
			ref.Strong--
		} else {
			ref.Weak--
		}
		if created && ref.Dead() {
			toProc.Outer.Lock()
			toProc.RemoveRef(ref)
			toProc.Outer.Unlock()
			node.RemoveRef(ref)
		}
		node.Unlock()
	}, nil
}

// translateHandle implements the "handle / weak-handle" row: the sender is
// passing along a reference it holds. If the receiver is the node's owner,
// the object becomes a local binder-typed object and the owner's local
// counters absorb it; otherwise the receiver gets its own reference.
func (e *Engine) translateHandle(fromProc, toProc *objtable.Process, buf *allocator.Buffer, off uint64, typ uint32) (undoStep, error) {
	var obj uapi.FlatBinderObject
	if err := uapi.Unmarshal(buf.Data[off:], &obj); err != nil {
		return nil, protocolErrorf("TRANSACTION", "malformed handle object: %v", err)
	}

	fromProc.Outer.Lock()
	ref, ok := fromProc.RefsByHandle[uint32(obj.Handle)]
	fromProc.Outer.Unlock()
	if !ok {
		return nil, userWarningf("TRANSACTION", "unknown handle %d in transaction payload", obj.Handle)
	}
	node := ref.Node
	strong := typ == uapi.BINDER_TYPE_HANDLE

	if e.Hooks != nil && !e.Hooks.MayTransferBinder(fromProc, toProc) {
		return nil, permissionErrorf("TRANSACTION", "binder transfer denied")
	}

	if node.Owner == toProc {
		// Self-reference: the receiver already owns this node, so it
		// becomes a direct local binder object instead of a handle
		// (spec.md §9 "handle resolves to a node the receiver itself
		// owns").
		node.Lock()
		if strong {
			node.LocalStrong++
		} else {
			node.LocalWeak++
		}
		node.Unlock()

		out := &uapi.FlatBinderObject{Type: typeForBinder(typ), Flags: obj.Flags, Handle: node.Ptr, Cookie: node.Cookie}
		copy(buf.Data[off:], uapi.Marshal(out))
		return func() {
			node.Lock()
			if strong {
				node.LocalStrong--
			} else {
				node.LocalWeak--
			}
			node.Unlock()
		}, nil
	}

	toProc.Outer.Lock()
	node.Lock()
	newRef, created := objtable.FindOrCreateRef(toProc, node, false)
	if strong {
		newRef.Strong++
	} else {
		newRef.Weak++
	}
	node.Unlock()
	toProc.Outer.Unlock()

	out := &uapi.FlatBinderObject{Type: typ, Flags: obj.Flags, Handle: uint64(newRef.Handle)}
	copy(buf.Data[off:], uapi.Marshal(out))

	return func() {
		node.Lock()
		if strong {
			newRef.Strong--
		} else {
			newRef.Weak--
		}
		if created && newRef.Dead() {
			toProc.Outer.Lock()
			toProc.RemoveRef(newRef)
			toProc.Outer.Unlock()
			node.RemoveRef(newRef)
		}
		node.Unlock()
	}, nil
}

// translateFD implements the "fd" row: gated on the receiver declaring it
// accepts fds, the source descriptor is duplicated into the receiver's
// table and the object rewritten to carry the new logical fd.
func (e *Engine) translateFD(fromProc, toProc *objtable.Process, buf *allocator.Buffer, off uint64, txn *Transaction) (undoStep, error) {
	var obj uapi.FlatBinderObject
	if err := uapi.Unmarshal(buf.Data[off:], &obj); err != nil {
		return nil, protocolErrorf("TRANSACTION", "malformed fd object: %v", err)
	}

	if !fdTargetAccepts(txn) {
		return nil, permissionErrorf("TRANSACTION", "target does not accept file descriptors")
	}

	newFD, step, err := e.installOneFD(fromProc, toProc, int(obj.FD()), txn)
	if err != nil {
		return nil, err
	}

	out := &uapi.FlatBinderObject{Type: uapi.BINDER_TYPE_FD, Flags: obj.Flags, Handle: uint64(uint32(newFD))}
	copy(buf.Data[off:], uapi.Marshal(out))
	return step, nil
}

// installOneFD duplicates srcFD into toProc's table, gated on the
// file-transfer policy hook, and returns an undo step that closes it again.
func (e *Engine) installOneFD(fromProc, toProc *objtable.Process, srcFD int, txn *Transaction) (int, undoStep, error) {
	if e.Hooks != nil && !e.Hooks.MayTransferFile(fromProc, toProc, uint32(srcFD)) {
		return 0, nil, permissionErrorf("TRANSACTION", "file transfer denied")
	}
	if e.FDs == nil {
		return 0, nil, resourceErrorf("TRANSACTION", "no fd table configured")
	}
	newFD, err := e.FDs.Install(toProc.PID, srcFD)
	if err != nil {
		return 0, nil, resourceErrorf("TRANSACTION", "fd install failed: %v", err)
	}
	return newFD, func() { _ = e.FDs.Close(toProc.PID, newFD) }, nil
}

func fdTargetAccepts(txn *Transaction) bool {
	if txn.Flags&uapi.TF_ACCEPT_FDS != 0 {
		return true
	}
	return txn.TargetNode != nil && txn.TargetNode.AcceptFDs
}

func typeForHandle(objType uint32) uint32 {
	if objType == uapi.BINDER_TYPE_WEAK_BINDER {
		return uapi.BINDER_TYPE_WEAK_HANDLE
	}
	return uapi.BINDER_TYPE_HANDLE
}

func typeForBinder(objType uint32) uint32 {
	if objType == uapi.BINDER_TYPE_WEAK_HANDLE {
		return uapi.BINDER_TYPE_WEAK_BINDER
	}
	return uapi.BINDER_TYPE_BINDER
}

// extraPayload looks up the bytes a ptr object at offset off should copy,
// supplied by the caller since this library has no shared memory mapping
// to read the sender's pointer through.
func (t *Transaction) extraPayload(off uint64) []byte {
	if t.payloads == nil {
		return nil
	}
	return t.payloads[off]
}

func leGetUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func lePutUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func leputUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// queueNodeNotify bridges a node refcount-machine transition into the
// owner process's work queue (spec.md §4.2): a transition out of NoNotify
// means the owner must be sent
// BR_INCREFS/BR_ACQUIRE/BR_RELEASE/BR_DECREFS, selected by strong/notify;
// dead additionally tells the reader this transition left the node with
// nothing referencing it, so it must be unlinked and freed (spec.md §3).
func queueNodeNotify(owner *objtable.Process, node *objtable.Node, strong bool, notify refcount.Notification, dead bool) {
	owner.Inner.Lock()
	owner.Todo.Push(work.NodeNotify{
		NodePtr:    node.Ptr,
		NodeCookie: node.Cookie,
		Strong:     strong,
		Inc:        notify == refcount.NotifyInc,
		Dead:       dead,
		Node:       node,
	})
	owner.Inner.Unlock()
}
