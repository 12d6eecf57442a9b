// Package dispatch implements the TileDispatcher: it splits a requested
// region into tiles, marks each tile's cells in the tri-map while it is
// rendered, and fans rendering out across goroutines subject to
// the node's declared thread-safety. The worker pool follows a
// job-channel/WaitGroup shape, generalized to use golang.org/x/sync/errgroup
// for cancellation-aware fan-out.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nodeforge/compositor/internal/effect"
	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/rendercontext"
	"github.com/nodeforge/compositor/internal/rimage"
	"github.com/nodeforge/compositor/internal/trimap"
)

// DefaultTileSize is the edge length (in pixels) tiles are split into when
// a node does not require host-tiled (single-rect) rendering.
const DefaultTileSize = 128

// PlanTiles partitions rect into DefaultTileSize squares in scan order, or
// returns rect unsplit if the node is host-tiled (it insists on doing its
// own internal tiling and must receive the whole region in one call).
func PlanTiles(rect geom.PixRect, hostTiled bool) []geom.PixRect {
	if hostTiled || rect.IsEmpty() {
		if rect.IsEmpty() {
			return nil
		}
		return []geom.PixRect{rect}
	}
	var tiles []geom.PixRect
	for y := rect.Y1; y < rect.Y2; y += DefaultTileSize {
		y2 := min(y+DefaultTileSize, rect.Y2)
		for x := rect.X1; x < rect.X2; x += DefaultTileSize {
			x2 := min(x+DefaultTileSize, rect.X2)
			tiles = append(tiles, geom.PixRect{X1: x, Y1: y, X2: x2, Y2: y2})
		}
	}
	return tiles
}

// unsafeGate serializes every Unsafe-safety node across the whole process:
// legacy plugins that declare eRenderSafetyUnsafe must never run
// concurrently with themselves OR any other unsafe plugin, since their
// thread-unsafety is frequently global (static/shared state in the plugin
// binary), not merely per-instance.
var unsafeGate sync.Mutex

// instanceGates serializes InstanceSafe nodes per node instance: the same
// node object may not run two Render calls at once, but distinct
// instances are free to run in parallel.
var instanceGates sync.Map // effect.Node -> *sync.Mutex

func instanceGateFor(n effect.Node) *sync.Mutex {
	v, _ := instanceGates.LoadOrStore(n, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Dispatcher fans tile-rendering work for one node out across goroutines,
// bounded by a concurrency limit, and coordinates with a trimap.Coordinator
// so overlapping requests never double-render a tile.
type Dispatcher struct {
	coordinator *trimap.Coordinator
	maxWorkers  int
}

// New creates a Dispatcher backed by coordinator, running at most
// maxWorkers tile renders concurrently (0 means unlimited, bounded only by
// the node's own safety constraints).
func New(coordinator *trimap.Coordinator, maxWorkers int) *Dispatcher {
	return &Dispatcher{coordinator: coordinator, maxWorkers: maxWorkers}
}

// Request describes one render_region's worth of tile work against a
// single destination image.
type Request struct {
	Node    effect.Node
	Image   *rimage.Image
	Plane   imagekey.Plane
	Tiles   []geom.PixRect
	OwnerID int64 // identifies the calling thread/goroutine to the trimap
	Args    effect.RenderArgs
}

// Dispatch renders every tile in req.Tiles. It neither skips nor waits on
// tiles that peers have rendered or are rendering; the evaluator waits on
// peers (trimap.Coordinator.WaitUntilDoneElsewhere) and plans req.Tiles
// from what is still missing before calling it. It returns the first
// render failure encountered, or nil if every tile is rendered or the
// render context was aborted (abort is reported via ctx.Aborted(), not as
// an error).
func (d *Dispatcher) Dispatch(ctx *rendercontext.Context, req Request) error {
	g, gctx := errgroup.WithContext(context.Background())
	if d.maxWorkers > 0 {
		g.SetLimit(d.maxWorkers)
	}

	for _, tile := range req.Tiles {
		tile := tile
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			default:
			}
			return d.renderTile(ctx, req, tile)
		})
	}
	return g.Wait()
}

// renderTile handles a single tile end to end: marking its cells as
// rendering in the trimap, safety-appropriate locking around Render, and
// trimap update on completion.
func (d *Dispatcher) renderTile(ctx *rendercontext.Context, req Request, tile geom.PixRect) error {
	if ctx.Aborted() {
		return nil
	}

	d.coordinator.MarkRendering(req.Image, tile, req.OwnerID)

	switch req.Node.Safety() {
	case effect.Unsafe:
		unsafeGate.Lock()
		defer unsafeGate.Unlock()
	case effect.InstanceSafe:
		gate := instanceGateFor(req.Node)
		gate.Lock()
		defer gate.Unlock()
	case effect.FullySafe, effect.HostTiled:
		// No additional locking: the node tolerates concurrent calls.
	}

	if ctx.Aborted() {
		d.coordinator.Clear(req.Image, tile, req.OwnerID)
		return nil
	}

	args := req.Args
	args.Rect = tile
	args.Planes = map[imagekey.Plane]*rimage.Image{req.Plane: req.Image}
	// Snapshot the RenderContext for this worker rather than handing it the
	// caller's shared Context, so per-tile fields narrowed inside the worker
	// can't race the caller's own Context.
	args.Ctx = ctx.Snapshot()

	switch req.Node.Render(args) {
	case effect.OK:
		d.coordinator.MarkRendered(req.Image, tile, req.OwnerID)
		return nil
	case effect.Aborted:
		d.coordinator.Clear(req.Image, tile, req.OwnerID)
		return nil
	default: // effect.Failed
		req.Image.SetRenderFailed(ctx.RenderAge)
		d.coordinator.Clear(req.Image, tile, req.OwnerID)
		return errRenderFailed
	}
}

var errRenderFailed = errors.New("dispatch: node render failed")
