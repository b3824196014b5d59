package objtable

// Ref is a capability held by one process against a node in another
// process (spec.md §3 Reference).
type Ref struct {
	DebugID string
	Handle  uint32 // unique and densely allocated within the holder
	Holder  *Process
	Node    *Node

	Strong int
	Weak   int

	Death *Death // registration for this reference, nil if none
}

// NewRef creates a reference with no death registration.
func NewRef(holder *Process, node *Node, handle uint32) *Ref {
	return &Ref{
		DebugID: NewDebugID(),
		Handle:  handle,
		Holder:  holder,
		Node:    node,
	}
}

// Dead reports whether this reference's own counts have both dropped to
// zero, at which point it may be unlinked from both the holder's indexes
// and the node's refs set.
func (r *Ref) Dead() bool {
	return r.Strong == 0 && r.Weak == 0
}
