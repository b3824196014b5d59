package allocator

import (
	"sync"

	"github.com/ash-kernel/go-binderd/internal/objtable"
)

// DefaultMappingSize is the per-process mapping size used when a process
// does not request a specific one, mirroring the teacher's sized RAM-disk
// default in backend.Memory.
const DefaultMappingSize = 1 << 20 // 1MiB

// mapping is one process's simulated read-only shared region: a bump
// allocator over a fixed-size byte arena, the in-memory analogue of the
// teacher's sharded Memory backend (backend/mem.go) sized per caller
// instead of per device. Freeing a buffer drops it from live; its space is
// not reused.
type mapping struct {
	mu        sync.Mutex
	size      uint64
	used      uint64
	live      map[uint64]*Buffer // keyed by UserAddr
	asyncUsed uint64             // bytes currently committed to async buffers
}

// SimpleAllocator is an in-memory implementation of Allocator keyed by
// process, modeled on the teacher's backend.Memory RAM-disk pattern: one
// arena per caller instead of one arena per device.
type SimpleAllocator struct {
	mappingSize uint64

	mu       sync.Mutex
	mappings map[int32]*mapping
}

// NewSimpleAllocator creates an allocator that gives each process a mapping
// of mappingSize bytes; 0 selects DefaultMappingSize.
func NewSimpleAllocator(mappingSize uint64) *SimpleAllocator {
	if mappingSize == 0 {
		mappingSize = DefaultMappingSize
	}
	return &SimpleAllocator{
		mappingSize: mappingSize,
		mappings:    make(map[int32]*mapping),
	}
}

func (a *SimpleAllocator) mappingFor(proc *objtable.Process) *mapping {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.mappings[proc.PID]
	if !ok {
		m = &mapping{size: a.mappingSize, live: make(map[uint64]*Buffer)}
		a.mappings[proc.PID] = m
	}
	return m
}

// align rounds n up to the allocator's 8-byte extras alignment, matching
// spec.md §4.4's offsets/extras alignment rules.
func align(n uint64) uint64 {
	const alignment = 8
	return (n + alignment - 1) &^ (alignment - 1)
}

// AllocBuf reserves a region sized for data + padded offsets + extras.
func (a *SimpleAllocator) AllocBuf(proc *objtable.Process, dataSize, offsetsSize, extrasSize uint64, isAsync bool) (*Buffer, error) {
	m := a.mappingFor(proc)
	total := align(dataSize) + align(offsetsSize) + align(extrasSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.used+total > m.size {
		return nil, ErrExhausted{}
	}

	addr := m.used
	m.used += total
	if isAsync {
		m.asyncUsed += total
	}

	buf := &Buffer{
		Proc:             proc,
		DataSize:         dataSize,
		OffsetsSize:      offsetsSize,
		ExtrasSize:       extrasSize,
		UserAddr:         addr,
		Data:             make([]byte, dataSize),
		Offsets:          make([]uint64, offsetsSize/8),
		Extras:           make([]byte, extrasSize),
		AsyncTransaction: isAsync,
		AllowUserFree:    true,
	}
	m.live[addr] = buf
	return buf, nil
}

// FreeBuf releases buf back to proc's mapping. Freeing a buffer the caller
// was never handed (AllowUserFree false) is a protocol error the driver's
// BC_FREE_BUFFER handler rejects before calling this.
func (a *SimpleAllocator) FreeBuf(proc *objtable.Process, buf *Buffer) error {
	m := a.mappingFor(proc)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[buf.UserAddr]; !ok {
		return ErrExhausted{} // reused as "unknown buffer"; never hit on a sound caller
	}
	delete(m.live, buf.UserAddr)
	if buf.AsyncTransaction {
		total := align(buf.DataSize) + align(buf.OffsetsSize) + align(buf.ExtrasSize)
		if m.asyncUsed >= total {
			m.asyncUsed -= total
		}
	}
	return nil
}

// PrepareToFree looks up a live buffer by its user-space address without
// releasing it, letting the engine validate FREE_BUFFER's pointer before
// committing to the free.
func (a *SimpleAllocator) PrepareToFree(proc *objtable.Process, userAddr uint64) (*Buffer, error) {
	m := a.mappingFor(proc)
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.live[userAddr]
	if !ok {
		return nil, ErrExhausted{}
	}
	return buf, nil
}

// UserOffset returns the base offset of proc's mapping as seen from its own
// address space; this implementation maps every process at offset 0.
func (a *SimpleAllocator) UserOffset(proc *objtable.Process) uint64 {
	return 0
}
