package rendercontext

import (
	"sync"
	"testing"

	"github.com/nodeforge/compositor/internal/geom"
)

func TestAbortPropagatesToSnapshots(t *testing.T) {
	ctx := New(1, 0, 0, 1, false, false, true)
	snaps := make([]*Context, 8)
	for i := range snaps {
		snaps[i] = ctx.Snapshot()
	}

	ctx.Abort()

	for i, s := range snaps {
		if !s.Aborted() {
			t.Fatalf("snapshot %d did not observe abort", i)
		}
	}
}

func TestAbortConcurrentWithSnapshot(t *testing.T) {
	ctx := New(1, 0, 0, 1, false, false, true)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); ctx.Abort() }()
	var snap *Context
	go func() { defer wg.Done(); snap = ctx.Snapshot() }()
	wg.Wait()
	_ = snap // either state is valid; this just proves no data race
}

func TestWithRoIDoesNotMutateOriginal(t *testing.T) {
	ctx := New(1, 0, 0, 1, false, false, true)
	ctx.RoI = geom.Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}

	narrowed := ctx.WithRoI(geom.Rect{X1: 2, Y1: 2, X2: 5, Y2: 5})

	if ctx.RoI.X2 != 10 {
		t.Fatal("WithRoI mutated the receiver")
	}
	if narrowed.RoI.X2 != 5 {
		t.Fatal("WithRoI did not apply to the copy")
	}
}

func TestWithTimePreservesAbortFlag(t *testing.T) {
	ctx := New(1, 0, 0, 1, false, false, true)
	other := ctx.WithTime(5)
	ctx.Abort()
	if !other.Aborted() {
		t.Fatal("expected the derived context to share the abort flag")
	}
}
