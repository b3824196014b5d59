package reaper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ash-kernel/go-binderd/internal/objtable"
)

// fakeSource is a minimal ProcessSource for exercising SweepOnce without a
// Driver.
type fakeSource struct {
	procs    []*objtable.Process
	released []*objtable.Process
}

func (f *fakeSource) Processes() []*objtable.Process { return f.procs }

func (f *fakeSource) Release(p *objtable.Process) {
	f.released = append(f.released, p)
}

func TestSweepOnceCollectsDeadNodes(t *testing.T) {
	dead := objtable.NewDeadNodes()

	owner := objtable.NewProcess(1, "binder")
	n := objtable.NewNode(owner, 0x1, 0x2, 0, false)
	n.LocalStrong = 1

	dead.Lock()
	dead.Add(n)
	dead.Unlock()

	assert.Equal(t, 1, dead.Len())

	w := New(dead, &fakeSource{}, nil, 0)
	w.SweepOnce()
	assert.Equal(t, 1, dead.Len(), "node with a live local strong count must not be collected yet")

	n.Lock()
	n.LocalStrong = 0
	n.Unlock()

	w.SweepOnce()
	assert.Equal(t, 0, dead.Len(), "node with every counter drained must be collected")
}

func TestSweepOnceReleasesEmptyProcesses(t *testing.T) {
	dead := objtable.NewDeadNodes()
	p := objtable.NewProcess(7, "binder")
	src := &fakeSource{procs: []*objtable.Process{p}}

	w := New(dead, src, nil, 0)
	w.SweepOnce()

	assert.Equal(t, []*objtable.Process{p}, src.released)
}

func TestStartStopIsIdempotent(t *testing.T) {
	dead := objtable.NewDeadNodes()
	w := New(dead, &fakeSource{}, nil, 1)
	ctx := context.Background()
	w.Start(ctx)
	w.Start(ctx) // second Start before Stop is a no-op, must not deadlock
	w.Stop()
	w.Stop() // second Stop after already stopped must not block
}
