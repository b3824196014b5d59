// Package policy models the security hooks spec.md §1 places out of scope:
// the core calls out to allow/deny predicates and treats the result as the
// final word.
package policy

import "github.com/ash-kernel/go-binderd/internal/objtable"

// Hooks is the interface the engine consumes for every policy-gated
// operation (spec.md §1).
type Hooks interface {
	MayTransferBinder(src, dst *objtable.Process) bool
	MayTransferFile(src, dst *objtable.Process, fd uint32) bool
	MaySetContextMgr(proc *objtable.Process) bool
	MayTransact(src, dst *objtable.Process) bool
}

// Permissive allows every operation; the default when no policy is
// configured.
type Permissive struct{}

func (Permissive) MayTransferBinder(src, dst *objtable.Process) bool       { return true }
func (Permissive) MayTransferFile(src, dst *objtable.Process, fd uint32) bool { return true }
func (Permissive) MaySetContextMgr(proc *objtable.Process) bool           { return true }
func (Permissive) MayTransact(src, dst *objtable.Process) bool            { return true }

// Deny rejects every operation; useful in tests that assert the engine
// surfaces permission errors through the translation/dispatch path rather
// than silently proceeding.
type Deny struct{}

func (Deny) MayTransferBinder(src, dst *objtable.Process) bool       { return false }
func (Deny) MayTransferFile(src, dst *objtable.Process, fd uint32) bool { return false }
func (Deny) MaySetContextMgr(proc *objtable.Process) bool           { return false }
func (Deny) MayTransact(src, dst *objtable.Process) bool            { return false }

// AllowList permits transactions, binder transfers and file transfers only
// between process pairs explicitly listed, and allows SetContextMgr for any
// process. Grounded on the principle of least surprise for
// tests that need more than a binary Permissive/Deny choice.
type AllowList struct {
	Pairs map[[2]int32]bool
}

// NewAllowList creates an empty allow-list.
func NewAllowList() *AllowList {
	return &AllowList{Pairs: make(map[[2]int32]bool)}
}

// Allow permits transactions and transfers from src to dst.
func (a *AllowList) Allow(src, dst int32) {
	a.Pairs[[2]int32{src, dst}] = true
}

func (a *AllowList) MayTransferBinder(src, dst *objtable.Process) bool {
	return a.Pairs[[2]int32{src.PID, dst.PID}]
}

func (a *AllowList) MayTransferFile(src, dst *objtable.Process, fd uint32) bool {
	return a.Pairs[[2]int32{src.PID, dst.PID}]
}

func (a *AllowList) MaySetContextMgr(proc *objtable.Process) bool {
	return true
}

func (a *AllowList) MayTransact(src, dst *objtable.Process) bool {
	return a.Pairs[[2]int32{src.PID, dst.PID}]
}
