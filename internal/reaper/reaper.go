// Package reaper implements the single deferred-cleanup goroutine that owns
// sweeping the dead-nodes registry and releasing processes whose indexes
// have gone empty (spec.md §2 item 8, §3 "destroyed by deferred cleanup").
// It is the only background goroutine the driver runs on its own account,
// grounded on the teacher's Runner context/cancel lifecycle.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/ash-kernel/go-binderd/internal/logging"
	"github.com/ash-kernel/go-binderd/internal/objtable"
)

// ProcessSource lists the processes a Worker should consider for release.
// The root package's Driver implements this directly over its process map.
type ProcessSource interface {
	Processes() []*objtable.Process
	Release(p *objtable.Process)
}

// Worker periodically sweeps the dead-nodes registry, finally destroying a
// dead node once every counter has drained to zero, and releases any
// process whose indexes have gone fully empty.
type Worker struct {
	dead     *objtable.DeadNodes
	source   ProcessSource
	log      *logging.Logger
	interval time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a worker that sweeps every interval; interval <= 0 falls back
// to constants.ReaperDrainTimeout's value via the caller, since this
// package stays free of a constants import to keep the pacing caller-owned.
func New(dead *objtable.DeadNodes, source ProcessSource, log *logging.Logger, interval time.Duration) *Worker {
	if log == nil {
		log = logging.Default()
	}
	return &Worker{dead: dead, source: source, log: log, interval: interval}
}

// Start launches the sweep goroutine. Calling Start twice without an
// intervening Stop is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.ctx = ctx
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run()
}

// Stop cancels the sweep goroutine and waits for it to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Worker) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.SweepOnce()
		}
	}
}

// SweepOnce runs one pass over the dead-nodes registry and the process
// source, exported so tests and a caller doing a manual drain before
// shutdown don't have to wait on the ticker.
func (w *Worker) SweepOnce() {
	collected := 0
	w.dead.Sweep(func(n *objtable.Node) bool {
		n.Lock()
		dead := n.Dead()
		n.Unlock()
		if dead {
			collected++
		}
		return dead
	})
	if collected > 0 {
		w.log.Debugf("reaper: collected %d dead node(s)", collected)
	}

	for _, p := range w.source.Processes() {
		if p.Empty() {
			w.source.Release(p)
		}
	}
}
