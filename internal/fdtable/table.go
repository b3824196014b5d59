// Package fdtable models file-descriptor table manipulation of a target
// process, which spec.md §1 places out of scope: acquire an unused fd
// under the target's rlimit, install a duplicate of a source file object
// into that fd, and close an installed fd.
//
// Every simulated process runs inside this one OS process, so a logical
// process's fd table is a map of logical fd -> real duplicated OS fd;
// installing a "foreign" fd duplicates the real descriptor with unix.Dup
// and sets close-on-exec on the copy, as the kernel would duplicate a struct file
// into the target's table (spec.md §4.4 "fd" object translation).
package fdtable

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Table is the interface the engine consumes for fd-typed object
// translation.
type Table interface {
	// Install duplicates srcFD (owned by the sending process) into a fresh
	// logical fd in the target process's table and returns that logical
	// fd.
	Install(proc int32, srcFD int) (int, error)
	// Close releases a previously installed logical fd.
	Close(proc int32, logicalFD int) error
}

// OSTable is a Table backed by real duplicated OS file descriptors,
// partitioned per logical process id.
type OSTable struct {
	mu     sync.Mutex
	procs  map[int32]*procTable
}

type procTable struct {
	nextFD int
	fds    map[int]int // logical fd -> real OS fd
}

// NewOSTable creates an empty table.
func NewOSTable() *OSTable {
	return &OSTable{procs: make(map[int32]*procTable)}
}

func (t *OSTable) tableFor(proc int32) *procTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt, ok := t.procs[proc]
	if !ok {
		pt = &procTable{nextFD: 3, fds: make(map[int]int)}
		t.procs[proc] = pt
	}
	return pt
}

// Install duplicates srcFD with close-on-exec set (spec.md §4.4 "Duplicate
// the source file object into a new fd in the target process with
// close-on-exec") and assigns it the next logical fd in proc's simulated
// table, counting up from 3; a closed logical fd is not handed out again.
func (t *OSTable) Install(proc int32, srcFD int) (int, error) {
	pt := t.tableFor(proc)

	dupFD, err := unix.Dup(srcFD)
	if err != nil {
		return 0, err
	}
	unix.CloseOnExec(dupFD)

	t.mu.Lock()
	logical := pt.nextFD
	pt.nextFD++
	pt.fds[logical] = dupFD
	t.mu.Unlock()

	return logical, nil
}

// Close releases the real OS fd backing logicalFD.
func (t *OSTable) Close(proc int32, logicalFD int) error {
	pt := t.tableFor(proc)

	t.mu.Lock()
	real, ok := pt.fds[logicalFD]
	if ok {
		delete(pt.fds, logicalFD)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return unix.Close(real)
}
