// Package refcount implements the per-node, per-direction notification
// state machine described in spec.md §4.2 and §9: clear -> pending ->
// has -> pending-clear -> clear, driven by two inputs (current refcount
// need, and an acknowledgement from user space) and producing at most one
// work item per transition.
package refcount

// State is one state of the four-state machine, tracked independently for
// the strong and the weak direction of a single node.
type State int

const (
	// Clear: no notification outstanding, refcount need is zero.
	Clear State = iota
	// Pending: a notification has been sent to the owner but not yet
	// acknowledged.
	Pending
	// Has: the owner has acknowledged holding the reference
	// (BC_INCREFS_DONE/BC_ACQUIRE_DONE).
	Has
	// PendingClear: need dropped back to zero while an acknowledgement was
	// still outstanding; the clearing notification must wait for the ack.
	PendingClear
)

func (s State) String() string {
	switch s {
	case Clear:
		return "clear"
	case Pending:
		return "pending"
	case Has:
		return "has"
	case PendingClear:
		return "pending-clear"
	default:
		return "unknown"
	}
}

// Notification is the at-most-one output of a Machine transition.
type Notification int

const (
	// NoNotify means the transition produced no user-visible record.
	NoNotify Notification = iota
	// NotifyInc means emit INCREFS (weak direction) or ACQUIRE (strong
	// direction).
	NotifyInc
	// NotifyDec means emit DECREFS (weak direction) or RELEASE (strong
	// direction).
	NotifyDec
)

// Machine is one direction's (strong or weak) state for one node.
type Machine struct {
	state State
}

// NewMachine starts a machine in Clear.
func NewMachine() *Machine { return &Machine{state: Clear} }

// State reports the current state, for tests and diagnostics.
func (m *Machine) State() State { return m.state }

// NeedChanged is driven by the owning node whenever its refcount crosses
// zero in either direction. need reports whether the count is currently
// non-zero. It returns the notification to enqueue, if any.
func (m *Machine) NeedChanged(need bool) Notification {
	switch m.state {
	case Clear:
		if need {
			m.state = Pending
			return NotifyInc
		}
		return NoNotify
	case Pending:
		if !need {
			// Need dropped before the owner acknowledged; nothing to
			// notify yet; the pending INC is still outstanding and must
			// resolve via Ack before a DEC can be considered.
			return NoNotify
		}
		return NoNotify
	case Has:
		if !need {
			m.state = PendingClear
			return NotifyDec
		}
		return NoNotify
	case PendingClear:
		if need {
			// Need came back before the clear was acknowledged; stay
			// pending-clear, the eventual Ack will settle it back to Has
			// territory via the next NeedChanged call after Ack.
			return NoNotify
		}
		return NoNotify
	}
	return NoNotify
}

// Ack is driven by BC_INCREFS_DONE/BC_ACQUIRE_DONE (for the weak/strong
// direction respectively). An ack with nothing pending is a user warning,
// non-fatal per spec.md §7.
func (m *Machine) Ack() error {
	switch m.state {
	case Pending:
		m.state = Has
		return nil
	case PendingClear:
		m.state = Clear
		return nil
	default:
		return ErrUnexpectedAck
	}
}

// ErrUnexpectedAck is returned by Ack when no notification is outstanding.
var ErrUnexpectedAck = machineError("acknowledgement without a matching notification")

type machineError string

func (e machineError) Error() string { return string(e) }
