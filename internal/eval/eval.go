// Package eval implements the Evaluator: the recursive pull engine that
// turns a node-plus-region request into rendered pixels, threading the
// identity/pass-through short-circuits, cache lookups, tile planning, and
// recursive input fetch. It is the busiest package in the module — most
// of the concurrency care elsewhere in this tree (tri-map, action cache,
// tile bitmap) exists to make this function safe to call from many
// goroutines at once.
package eval

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/nodeforge/compositor/internal/actioncache"
	"github.com/nodeforge/compositor/internal/dispatch"
	"github.com/nodeforge/compositor/internal/effect"
	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/rendercontext"
	"github.com/nodeforge/compositor/internal/rimage"
	"github.com/nodeforge/compositor/internal/store"
	"github.com/nodeforge/compositor/internal/trimap"
)

// Args bundles one render_region request.
type Args struct {
	Time     float64
	View     int
	MipLevel int

	// Rect is the requested pixel rectangle; the zero value requests the
	// whole region of definition.
	Rect geom.PixRect

	Planes      []imagekey.Plane
	BitDepth    int
	BypassCache bool

	// PrecomputedRoD, if non-nil, skips the region_of_definition call.
	PrecomputedRoD *geom.Rect

	// Held pins images already fetched by an ancestor call so the cache
	// cannot evict them mid-recursion.
	Held map[imagekey.Key]*rimage.Image
}

// Result is the outcome of a render_region call.
type Result struct {
	Planes  map[imagekey.Plane]*rimage.Image
	Status  effect.Status
	Message string
}

// Evaluator owns the shared subsystems a render pass recurses through:
// one ImageStore, one tri-map Coordinator, one TileDispatcher, and a
// per-node ActionCache table. A single Evaluator is shared by every
// concurrently running render.
type Evaluator struct {
	Store       *store.Store
	Coordinator *trimap.Coordinator
	Dispatcher  *dispatch.Dispatcher

	// ProjectFormat is the fallback RoD used by the infinity heuristic
	// when a node's RoD has an unbounded side and no upstream input
	// supplies a finite bound.
	ProjectFormat geom.Rect

	// FormatVersion is bumped whenever the project format changes;
	// cached images computed under a stale version are evicted on next
	// lookup.
	FormatVersion atomic.Int64

	// MemoryPressure reports whether the cache is under enough memory
	// pressure that partial cached results should be released and the
	// full rectangle re-planned. Nil means never under pressure.
	MemoryPressure func() bool

	caches   sync.Map // effect.Node -> *actioncache.Cache
	ownerSeq atomic.Int64

	// rodGroup collapses concurrent RegionOfDefinition queries for the
	// same (node-hash, time, view, mip) onto a single call to the node,
	// one layer above the tri-map's rectangle-level wait/wake ("no two
	// threads render the same tile twice" applied to the RoD query that
	// every recursive call into a node makes before it renders anything).
	rodGroup singleflight.Group
}

// New creates an Evaluator over the given Store/Coordinator/Dispatcher.
func New(st *store.Store, coord *trimap.Coordinator, disp *dispatch.Dispatcher, projectFormat geom.Rect) *Evaluator {
	return &Evaluator{Store: st, Coordinator: coord, Dispatcher: disp, ProjectFormat: projectFormat}
}

func (e *Evaluator) cacheFor(n effect.Node) *actioncache.Cache {
	if v, ok := e.caches.Load(n); ok {
		return v.(*actioncache.Cache)
	}
	c := actioncache.New(n.NodeHash())
	actual, _ := e.caches.LoadOrStore(n, c)
	return actual.(*actioncache.Cache)
}

func (e *Evaluator) nextOwnerID() int64 {
	return e.ownerSeq.Add(1)
}

// RenderRegion is render_region(node, args) → (planes, status). ctx must
// have been installed for the calling thread (or be a Snapshot of one);
// recursive calls and spawned tile workers reuse it.
func (e *Evaluator) RenderRegion(ctx *rendercontext.Context, node effect.Node, args Args) Result {
	if ctx.Aborted() {
		return Result{Status: effect.Aborted}
	}

	// Step 1/2: RenderContext validity + node-hash mismatch detection.
	cache := e.cacheFor(node)
	hash := node.NodeHash()
	if oldTag := cache.Tag(); oldTag != hash {
		cache.InvalidateAll(hash)
		e.Store.EvictAllWithHash(oldTag)
	}

	// Step 3: render scale.
	effectiveMip := ctx.MipLevel
	needsDownscale := false
	if !node.SupportsMultiresolution() && effectiveMip != 0 {
		effectiveMip = 0
		needsDownscale = true
	}

	// Step 4: region of definition, with the infinity heuristic.
	rod, status := e.resolveRoD(ctx, node, cache, hash, args)
	if status != effect.OK {
		return Result{Status: status}
	}

	// Step 5: identity check.
	if ident, ok := e.checkIdentity(cache, hash, ctx, node, rod); ok {
		if ident.InputIdx == actioncache.SelfAtOtherTime {
			if ident.Time == ctx.Time {
				log.Printf("eval: node declared self-identity at its own time; ignoring")
			} else {
				return e.RenderRegion(ctx.WithTime(ident.Time), node, args)
			}
		} else {
			inputs := node.Inputs()
			if ident.InputIdx < 0 || ident.InputIdx >= len(inputs) || inputs[ident.InputIdx] == nil {
				return Result{Status: effect.Failed, Message: fmt.Sprintf(
					"node declared identity to input %d, which is not connected", ident.InputIdx)}
			}
			sub := args
			inner := ctx.WithTime(ident.Time)
			return e.RenderRegion(inner, inputs[ident.InputIdx], sub)
		}
	}

	if ctx.Aborted() {
		return Result{Status: effect.Aborted}
	}

	requested := args.Rect
	if requested.IsEmpty() {
		requested = geom.ToPixelEnclosing(rod, effectiveMip, 1.0)
	}

	// Step 6/7: plane routing and (best-effort) transform concatenation.
	routing := node.NeededAndProducedPlanes(ctx.Time, ctx.View)
	roi := ctx.RoI
	if roi.IsEmpty() {
		roi = geom.ToCanonical(requested, effectiveMip, 1.0)
	}
	roi = e.concatenateTransforms(node, ctx.Time, roi)

	out := make(map[imagekey.Plane]*rimage.Image, len(args.Planes))
	for _, plane := range args.Planes {
		if routing.HasPassthrough && !containsPlane(routing.Produced, plane) {
			inputs := node.Inputs()
			if routing.PassthroughInput >= 0 && routing.PassthroughInput < len(inputs) && inputs[routing.PassthroughInput] != nil {
				res := e.RenderRegion(ctx.WithTime(routing.PassthroughTime), inputs[routing.PassthroughInput], Args{
					Time: routing.PassthroughTime, View: routing.PassthroughView, MipLevel: effectiveMip,
					Rect: requested, Planes: []imagekey.Plane{plane}, Held: args.Held,
				})
				if res.Status != effect.OK {
					return res
				}
				if img, ok := res.Planes[plane]; ok {
					out[plane] = img
					continue
				}
			}
		}
		status := e.renderOwnPlane(ctx, node, hash, effectiveMip, needsDownscale, plane, rod, requested, roi, args, out)
		if status != effect.OK {
			return Result{Status: status}
		}
	}

	return Result{Planes: out, Status: effect.OK}
}

func containsPlane(ps []imagekey.Plane, p imagekey.Plane) bool {
	for _, q := range ps {
		if q.Equal(p) {
			return true
		}
	}
	return false
}
