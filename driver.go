// Package binderd implements an Android Binder-style IPC and transaction
// engine: a graph of processes, threads, nodes, and references connected by
// a strict lock hierarchy, reference-counted notification state machines,
// a reentrant transaction engine with priority inheritance, and death
// notifications, all independent of any particular kernel or ioctl
// transport (spec.md §1, §5 "Non-goals": no uevent/binderfs/selinux layer,
// no real mmap-backed shared memory).
package binderd

import (
	"context"
	"sync"
	"time"

	"github.com/ash-kernel/go-binderd/internal/allocator"
	"github.com/ash-kernel/go-binderd/internal/constants"
	"github.com/ash-kernel/go-binderd/internal/engine"
	"github.com/ash-kernel/go-binderd/internal/fdtable"
	"github.com/ash-kernel/go-binderd/internal/logging"
	"github.com/ash-kernel/go-binderd/internal/objtable"
	"github.com/ash-kernel/go-binderd/internal/policy"
	"github.com/ash-kernel/go-binderd/internal/reaper"
	"github.com/ash-kernel/go-binderd/internal/uapi"
)

// Driver is the top-level entry point: one instance per binder domain,
// holding every process that has opened it and the shared engine state
// (dead-nodes registry, context-manager slots).
type Driver struct {
	eng     *engine.Engine
	log     *logging.Logger
	metrics *Metrics
	obs     Observer

	mu        sync.Mutex
	processes map[int32]*objtable.Process

	reaper *reaper.Worker
}

// Config configures a Driver's out-of-scope collaborators; a nil field
// falls back to an in-memory SimpleAllocator, the Permissive policy, an
// OSTable fd table, and the default logger respectively.
type Config struct {
	Alloc   allocator.Allocator
	Hooks   policy.Hooks
	FDs     fdtable.Table
	Log     *logging.Logger
	Metrics *Metrics
	Observer Observer

	// ReaperInterval paces the deferred-cleanup sweep; <= 0 falls back to
	// constants.ReaperDrainTimeout.
	ReaperInterval time.Duration
}

// NewDriver creates a Driver from cfg, filling in defaults for any
// collaborator left unset.
func NewDriver(cfg Config) *Driver {
	if cfg.Alloc == nil {
		cfg.Alloc = allocator.NewSimpleAllocator(0)
	}
	if cfg.Hooks == nil {
		cfg.Hooks = policy.Permissive{}
	}
	if cfg.FDs == nil {
		cfg.FDs = fdtable.NewOSTable()
	}
	if cfg.Log == nil {
		cfg.Log = logging.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Observer == nil {
		cfg.Observer = NewMetricsObserver(cfg.Metrics)
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = constants.ReaperDrainTimeout
	}

	eng := engine.New(cfg.Alloc, cfg.Hooks, cfg.FDs, cfg.Log)
	d := &Driver{
		eng:       eng,
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		obs:       cfg.Observer,
		processes: make(map[int32]*objtable.Process),
	}
	d.reaper = reaper.New(eng.Dead, d, cfg.Log, cfg.ReaperInterval)
	d.reaper.Start(context.Background())
	return d
}

// Processes implements reaper.ProcessSource.
func (d *Driver) Processes() []*objtable.Process {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*objtable.Process, 0, len(d.processes))
	for _, p := range d.processes {
		out = append(out, p)
	}
	return out
}

// Release implements reaper.ProcessSource: it forgets p without re-running
// ReleaseProcess's node teardown, which Close already performed and which
// is a no-op on an already-empty process in any case.
func (d *Driver) Release(p *objtable.Process) {
	d.mu.Lock()
	delete(d.processes, p.PID)
	d.mu.Unlock()
}

// Shutdown stops the deferred-cleanup worker. Safe to call once after the
// driver is no longer in use.
func (d *Driver) Shutdown() {
	d.reaper.Stop()
}

// Version reports the protocol version this driver speaks, the analogue of
// the BINDER_VERSION ioctl.
func (d *Driver) Version() int32 { return constants.ProtocolVersion }

// Metrics returns the driver's metrics instance for callers that want to
// read snapshots directly rather than through an Observer.
func (d *Driver) Metrics() *Metrics { return d.metrics }

// Open registers a new process under ctxName (its binder context, e.g.
// "binder"/"hwbinder"), the analogue of opening /dev/binder.
func (d *Driver) Open(pid int32, ctxName string) *objtable.Process {
	p := objtable.NewProcess(pid, ctxName)
	d.mu.Lock()
	d.processes[pid] = p
	d.mu.Unlock()
	d.log.Debugf("open pid=%d ctx=%s", pid, ctxName)
	return p
}

// Close tears down a process: every node it still exports that has
// outstanding remote references moves to the dead-nodes registry and fires
// death notifications; the process is then forgotten (spec.md §3, §4.6).
func (d *Driver) Close(p *objtable.Process) {
	d.eng.ReleaseProcess(p)
	d.mu.Lock()
	delete(d.processes, p.PID)
	d.mu.Unlock()
	d.log.Debugf("close pid=%d", p.PID)
}

// Thread returns the Thread bookkeeping object for an OS thread id on p,
// creating it on first touch (spec.md §3 Thread).
func (d *Driver) Thread(p *objtable.Process, osThreadID int32) *objtable.Thread {
	return p.LookupOrCreateThread(osThreadID)
}

// SetMaxThreads implements BINDER_SET_MAX_THREADS: caps how many looper
// threads p may spawn in response to SPAWN_LOOPER hints.
func (d *Driver) SetMaxThreads(p *objtable.Process, n uint32) {
	p.Outer.Lock()
	p.MaxThreads = n
	p.Outer.Unlock()
}

// BecomeContextManager implements BC_SET_CONTEXT_MGR (spec.md §4.7).
func (d *Driver) BecomeContextManager(p *objtable.Process) (*objtable.Node, error) {
	n, err := d.eng.BecomeContextManager(p)
	if err != nil {
		return nil, wrapEngineError(err)
	}
	d.metrics.RecordNodeCreated()
	return n, nil
}

// Transact sends a transaction or reply from fromThread (spec.md §4.4).
// handle is the sender-side target handle, ignored for replies.
func (d *Driver) Transact(fromThread *objtable.Thread, handle uint32, td *uapi.BinderTransactionData, isReply bool) error {
	start := time.Now()
	err := d.eng.Send(fromThread, handle, td, isReply)
	oneWay := td.IsOneWay()
	d.obs.ObserveTransaction(td.DataSize, uint64(time.Since(start).Nanoseconds()), oneWay, wrapEngineError(err))
	if isReply && err == nil {
		d.obs.ObserveReply()
	}
	if err != nil {
		return wrapEngineError(err)
	}
	return nil
}

// RequestDeathNotification implements BC_REQUEST_DEATH_NOTIFICATION.
func (d *Driver) RequestDeathNotification(holder *objtable.Process, handle uint32, cookie uint64) error {
	return wrapEngineError(d.eng.RequestDeathNotification(holder, handle, cookie))
}

// ClearDeathNotification implements BC_CLEAR_DEATH_NOTIFICATION.
func (d *Driver) ClearDeathNotification(holder *objtable.Process, handle uint32, cookie uint64) error {
	return wrapEngineError(d.eng.ClearDeathNotification(holder, handle, cookie))
}

// AckDeathDone implements BC_DEAD_BINDER_DONE.
func (d *Driver) AckDeathDone(holder *objtable.Process, cookie uint64) error {
	err := d.eng.AckDeathDone(holder, cookie)
	if err == nil {
		d.obs.ObserveDeathNotification()
	}
	return wrapEngineError(err)
}

// ThreadExit implements BC_THREAD_EXIT: tears down a thread's todo queue
// and detaches it from any in-flight transaction as the originating side
// (spec.md §3 Thread "nullable; cleared when that thread is torn down").
func (d *Driver) ThreadExit(p *objtable.Process, osThreadID int32) {
	p.Outer.Lock()
	t, ok := p.Threads[osThreadID]
	if ok {
		delete(p.Threads, osThreadID)
	}
	p.Outer.Unlock()
	if !ok {
		return
	}
	// Detach this thread as the originating side of every transaction it
	// is still waiting on a reply for, so a reply arriving after the
	// thread is gone gets a dead-target error instead of a nil deref
	// (spec.md §3 Thread "nullable; cleared when that thread is torn
	// down").
	for frame := t.TopStack(); frame != nil; frame = frame.FromParent() {
		if txn, ok := frame.(interface{ ClearFrom() }); ok {
			txn.ClearFrom()
		}
	}
	t.Todo.Close()
}
