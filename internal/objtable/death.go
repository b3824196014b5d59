package objtable

// DeathState is the work-list a death registration currently lives on
// (spec.md §3 Death registration: "lives on exactly one work list at a
// time").
type DeathState int

const (
	// DeathIdle: attached to the reference, not yet triggered.
	DeathIdle DeathState = iota
	// DeathQueued: a DEAD_BINDER work item for this registration is on
	// some todo list, not yet delivered to the reader.
	DeathQueued
	// DeathDelivered: delivered but not yet acknowledged, living on the
	// holder process's DeliveredDeath list.
	DeathDelivered
)

// Death links a reference to a user-supplied cookie (spec.md §3 Death
// registration).
type Death struct {
	Ref    *Ref
	Cookie uint64
	State  DeathState

	// DeadAndClear marks the race from spec.md §4.6: a clear arrived while
	// the death work was queued, or delivered but not yet acknowledged.
	// DEAD_BINDER still reaches the reader, and the acknowledgement then
	// also emits CLEAR_DEATH_NOTIFICATION_DONE.
	DeadAndClear bool
}

// NewDeath creates an idle death registration for ref.
func NewDeath(ref *Ref, cookie uint64) *Death {
	return &Death{Ref: ref, Cookie: cookie, State: DeathIdle}
}
