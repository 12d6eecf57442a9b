// Package rendercontext carries the state a single render pass threads
// through the recursive evaluator: which time/view/mip-level/render-scale
// is being asked for, the render-age used to cancel stale work, and the
// abort flag shared by every tile worker spawned under that render. It is
// passed explicitly on every call rather than stashed in a goroutine-local
// (Go has none), matching how the evaluator already threads request state
// through recursive tile fetches.
package rendercontext

import (
	"errors"
	"sync/atomic"

	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/rimage"
)

// abortState is shared by a Context and every Snapshot derived from it, so
// that aborting the top-level render is visible to every spawned worker
// without re-walking the call tree.
type abortState struct {
	flag atomic.Bool
}

// Context is the per-render-thread state. A Context is created once per
// top-level render_region call and threaded down through recursive input
// fetches; TileDispatcher workers receive a Snapshot rather than the
// original, so that fields a worker narrows (such as RoI) don't race.
type Context struct {
	Time     float64
	View     int
	MipLevel int
	Scale    geom.Rect // render-scale, expressed as a canonical-space unit rect

	// RenderAge is a monotonic counter bumped by the owning scheduler on
	// every Start; it scopes an image's render-failed flag to the run that
	// set it.
	RenderAge int64

	Sequential  bool
	Interactive bool
	CanAbort    bool

	abort *abortState

	// RoI is the region of interest this node was asked to produce,
	// in canonical coordinates, as computed by the caller's
	// RegionsOfInterest.
	RoI geom.Rect

	// FirstFrame/LastFrame bound the sequence currently being rendered,
	// for nodes whose behavior depends on being first/last (e.g. a cache
	// reset, or a writer's header emission).
	FirstFrame, LastFrame float64

	// images holds the input images the evaluator fetched on this node's
	// behalf for the tile currently being rendered, keyed by input index.
	// A node's Render implementation retrieves them via GetImage rather
	// than receiving them as a call argument, mirroring how a plugin
	// pulls its own inputs through a host callback.
	images map[int]*rimage.Image
}

// ErrNoActiveContext is returned by GetImage when called with a nil
// Context — a thread without an installed RenderContext. get_image must
// be called from a thread that has an active RenderContext; otherwise the
// call is treated as a diagnostic error rather than attempting recovery.
var ErrNoActiveContext = errors.New("rendercontext: get_image called without an active render context")

// SetInputImages records the images fetched for this tile's inputs. Called
// by the evaluator before invoking Render.
func (c *Context) SetInputImages(images map[int]*rimage.Image) {
	c.images = images
}

// GetImage returns the previously fetched image for input index idx. It
// must be called on a Context belonging to an active render (non-nil);
// calling it with ctx == nil reports ErrNoActiveContext so the caller can
// fall back to computing the answer on demand.
func GetImage(ctx *Context, idx int) (*rimage.Image, error) {
	if ctx == nil {
		return nil, ErrNoActiveContext
	}
	img, ok := ctx.images[idx]
	if !ok {
		return nil, nil
	}
	return img, nil
}

// New creates a fresh top-level Context with its own abort flag.
func New(time float64, view, mip int, renderAge int64, sequential, interactive, canAbort bool) *Context {
	return &Context{
		Time:        time,
		View:        view,
		MipLevel:    mip,
		RenderAge:   renderAge,
		Sequential:  sequential,
		Interactive: interactive,
		CanAbort:    canAbort,
		abort:       &abortState{},
	}
}

// Abort requests cancellation of every worker sharing this Context's abort
// flag. It is idempotent and safe to call from any goroutine.
func (c *Context) Abort() {
	c.abort.flag.Store(true)
}

// Aborted reports whether this render (or any ancestor it was snapshotted
// from) has been asked to stop.
func (c *Context) Aborted() bool {
	return c.abort.flag.Load()
}

// WithRoI returns a shallow copy of c with RoI replaced — used when
// recursing into an input with a narrower region of interest.
func (c *Context) WithRoI(roi geom.Rect) *Context {
	cp := *c
	cp.RoI = roi
	return &cp
}

// WithTime returns a shallow copy of c evaluated at a different time —
// used for identity-at-other-time and frames-needed recursion.
func (c *Context) WithTime(t float64) *Context {
	cp := *c
	cp.Time = t
	return &cp
}

// Snapshot produces an independent copy safe to hand to a tile worker
// goroutine: same abort flag and render-age (so cancellation still
// propagates) but an otherwise detached struct the worker may freely
// narrow (e.g. setting RoI to its own tile rect) without racing the
// caller's Context.
func (c *Context) Snapshot() *Context {
	cp := *c
	return &cp
}
