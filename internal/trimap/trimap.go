// Package trimap provides cross-thread coordination around an Image's tile
// bitmap: no two threads render the same tile twice, and a thread waiting
// on a peer's in-flight tile sleeps rather than spins. Coordination is
// per-image (one condition variable per image); the coordinator's own lock
// is never held while waiting.
package trimap

import (
	"sync"

	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/rimage"
)

// imageState is the per-image wait/notify state. waiters counts goroutines
// currently blocked in WaitUntilDoneElsewhere — used only for diagnostics
// and the "live owners" testable property.
type imageState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	waiters int
}

// Coordinator owns the per-image condition variables. A single Coordinator
// is shared by every render thread touching a given ImageStore.
type Coordinator struct {
	mapMu  sync.Mutex
	states map[*rimage.Image]*imageState
}

// New creates an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{states: make(map[*rimage.Image]*imageState)}
}

func (c *Coordinator) stateFor(img *rimage.Image) *imageState {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	s, ok := c.states[img]
	if !ok {
		s = &imageState{}
		s.cond = sync.NewCond(&s.mu)
		c.states[img] = s
	}
	return s
}

// Forget releases the coordinator's per-image state. Call when an image is
// evicted from the store so the map does not grow unboundedly.
func (c *Coordinator) Forget(img *rimage.Image) {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	delete(c.states, img)
}

// MarkRendering transitions the unrendered cells of rect to Rendering under
// owner (the owner ID the evaluator assigned to the calling render).
func (c *Coordinator) MarkRendering(img *rimage.Image, rect geom.PixRect, owner int64) {
	s := c.stateFor(img)
	s.mu.Lock()
	defer s.mu.Unlock()
	if img.Bitmap == nil {
		return
	}
	img.Bitmap.MarkRendering(rect, owner)
}

// MarkRendered transitions rect's cells to Rendered and wakes every waiter.
func (c *Coordinator) MarkRendered(img *rimage.Image, rect geom.PixRect, owner int64) {
	s := c.stateFor(img)
	s.mu.Lock()
	if img.Bitmap != nil {
		img.Bitmap.MarkRendered(rect, owner)
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Clear reverts rect's Rendering cells owned by owner back to Unrendered —
// called when a tile render fails — and wakes waiters so they re-evaluate
// rather than wait forever on a tile that will never complete.
func (c *Coordinator) Clear(img *rimage.Image, rect geom.PixRect, owner int64) {
	s := c.stateFor(img)
	s.mu.Lock()
	if img.Bitmap != nil {
		img.Bitmap.Clear(rect, owner)
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// WaitResult is the outcome of WaitUntilDoneElsewhere.
type WaitResult struct {
	// Missing is the set of sub-rectangles still needing a render by the
	// caller (neither Rendered nor Rendering-under-self).
	Missing []geom.PixRect
	Aborted bool
}

// WaitUntilDoneElsewhere blocks while any cell in rect is Rendering under a
// different owner, the render has not failed, and checkAbort returns false.
// It recomputes the still-missing rectangle set on every wake (a peer may
// have only partially completed, or may have failed). renderAge is the
// age used to test Image.RenderFailed.
func (c *Coordinator) WaitUntilDoneElsewhere(img *rimage.Image, rect geom.PixRect, self int64, renderAge int64, checkAbort func() bool) WaitResult {
	s := c.stateFor(img)
	s.mu.Lock()
	defer s.mu.Unlock()

	if img.Bitmap == nil {
		return WaitResult{Missing: []geom.PixRect{rect}}
	}

	s.waiters++
	defer func() { s.waiters-- }()

	for img.Bitmap.RenderingOwnedByOther(rect, self) {
		if img.RenderFailed(renderAge) {
			return WaitResult{Missing: img.Bitmap.StillMissing(rect, self)}
		}
		if checkAbort != nil && checkAbort() {
			return WaitResult{Aborted: true}
		}
		s.cond.Wait()
	}

	return WaitResult{Missing: img.Bitmap.StillMissing(rect, self)}
}

// ActiveWaiters returns the number of goroutines currently blocked in
// WaitUntilDoneElsewhere for img. Exposed for tests of the "number of cells
// in state Rendering equals number of live owners" invariant's dual: no
// waiter is left permanently parked.
func (c *Coordinator) ActiveWaiters(img *rimage.Image) int {
	s := c.stateFor(img)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters
}
