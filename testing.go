package binderd

import (
	"sync"

	"github.com/ash-kernel/go-binderd/internal/objtable"
)

// MockFDTable is an in-memory fdtable.Table for tests that exercise fd
// translation without needing real duplicated OS descriptors, tracking call
// counts the way the teacher's MockBackend tracks I/O calls.
type MockFDTable struct {
	mu      sync.Mutex
	next    int
	live    map[int]bool
	installs int
	closes   int
}

// NewMockFDTable creates an empty mock fd table; logical fds start at 3.
func NewMockFDTable() *MockFDTable {
	return &MockFDTable{next: 3, live: make(map[int]bool)}
}

// Install assigns a fresh logical fd and records it live. proc is ignored:
// this mock shares one fd space across all processes, sufficient for
// single-transaction test scenarios.
func (m *MockFDTable) Install(proc int32, srcFD int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installs++
	fd := m.next
	m.next++
	m.live[fd] = true
	return fd, nil
}

// Close marks logicalFD no longer live.
func (m *MockFDTable) Close(proc int32, logicalFD int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	delete(m.live, logicalFD)
	return nil
}

// IsLive reports whether logicalFD is currently installed, for assertions
// that a failed transaction closed every fd it had opened.
func (m *MockFDTable) IsLive(logicalFD int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[logicalFD]
}

// CallCounts returns the number of Install/Close calls observed so far.
func (m *MockFDTable) CallCounts() (installs, closes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installs, m.closes
}

// CountingHooks wraps another policy.Hooks implementation and records how
// many times each predicate was asked, so a test can assert a permission
// check actually ran rather than being short-circuited.
type CountingHooks struct {
	Inner interface {
		MayTransferBinder(src, dst *objtable.Process) bool
		MayTransferFile(src, dst *objtable.Process, fd uint32) bool
		MaySetContextMgr(proc *objtable.Process) bool
		MayTransact(src, dst *objtable.Process) bool
	}

	mu    sync.Mutex
	calls map[string]int
}

// NewCountingHooks wraps inner, counting every call made through it.
func NewCountingHooks(inner interface {
	MayTransferBinder(src, dst *objtable.Process) bool
	MayTransferFile(src, dst *objtable.Process, fd uint32) bool
	MaySetContextMgr(proc *objtable.Process) bool
	MayTransact(src, dst *objtable.Process) bool
}) *CountingHooks {
	return &CountingHooks{Inner: inner, calls: make(map[string]int)}
}

func (h *CountingHooks) bump(name string) {
	h.mu.Lock()
	h.calls[name]++
	h.mu.Unlock()
}

func (h *CountingHooks) MayTransferBinder(src, dst *objtable.Process) bool {
	h.bump("MayTransferBinder")
	return h.Inner.MayTransferBinder(src, dst)
}

func (h *CountingHooks) MayTransferFile(src, dst *objtable.Process, fd uint32) bool {
	h.bump("MayTransferFile")
	return h.Inner.MayTransferFile(src, dst, fd)
}

func (h *CountingHooks) MaySetContextMgr(proc *objtable.Process) bool {
	h.bump("MaySetContextMgr")
	return h.Inner.MaySetContextMgr(proc)
}

func (h *CountingHooks) MayTransact(src, dst *objtable.Process) bool {
	h.bump("MayTransact")
	return h.Inner.MayTransact(src, dst)
}

// CallCount returns how many times the named predicate was invoked.
func (h *CountingHooks) CallCount(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[name]
}
