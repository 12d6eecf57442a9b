package dispatch

import (
	"sync/atomic"
	"testing"

	"github.com/nodeforge/compositor/internal/actioncache"
	"github.com/nodeforge/compositor/internal/effect"
	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/rendercontext"
	"github.com/nodeforge/compositor/internal/rimage"
	"github.com/nodeforge/compositor/internal/trimap"
)

// countingNode renders every tile it's given and counts how many times
// Render was actually invoked, to check that the dispatcher renders each
// planned tile exactly once.
type countingNode struct {
	safety effect.Safety
	calls  atomic.Int64
}

func (n *countingNode) NodeHash() uint64                       { return 1 }
func (n *countingNode) Inputs() []effect.Node                  { return nil }
func (n *countingNode) RegionOfDefinition(float64, int, int) (geom.Rect, error) {
	return geom.Rect{}, nil
}
func (n *countingNode) RegionsOfInterest(float64, int, int, geom.Rect) map[int]geom.Rect { return nil }
func (n *countingNode) FramesNeeded(float64, int) map[int]map[int][]effect.FrameRange     { return nil }
func (n *countingNode) IsIdentity(float64, int, int, geom.Rect) (effect.IdentityResult, bool) {
	return effect.IdentityResult{}, false
}
func (n *countingNode) TimeDomain() actioncache.TimeDomain { return actioncache.TimeDomain{} }
func (n *countingNode) AvailablePlanes(float64) map[imagekey.Plane]bool { return nil }
func (n *countingNode) NeededAndProducedPlanes(float64, int) effect.PlaneRouting {
	return effect.PlaneRouting{}
}
func (n *countingNode) Render(args effect.RenderArgs) effect.Status {
	n.calls.Add(1)
	return effect.OK
}
func (n *countingNode) SupportsTiles() bool                               { return true }
func (n *countingNode) SupportsMultiresolution() bool                     { return true }
func (n *countingNode) SupportsRenderScale() bool                         { return true }
func (n *countingNode) Safety() effect.Safety                             { return n.safety }
func (n *countingNode) IsWriter() bool                                    { return false }
func (n *countingNode) IsReader() bool                                    { return false }
func (n *countingNode) SequentialPreference() effect.SequentialPreference { return effect.SequentialAny }
func (n *countingNode) BeginSequence(float64, float64, float64, bool, effect.RenderScale, int) {}
func (n *countingNode) EndSequence()                                                           {}
func (n *countingNode) MatrixTransform(float64) (effect.Matrix3, bool)                         { return effect.Matrix3{}, false }

func TestPlanTilesHostTiledReturnsSingleRect(t *testing.T) {
	rect := geom.PixRect{X1: 0, Y1: 0, X2: 500, Y2: 500}
	tiles := PlanTiles(rect, true)
	if len(tiles) != 1 || tiles[0] != rect {
		t.Fatalf("expected a single unsplit tile, got %v", tiles)
	}
}

func TestPlanTilesCoversWholeRect(t *testing.T) {
	rect := geom.PixRect{X1: 0, Y1: 0, X2: 300, Y2: 130}
	tiles := PlanTiles(rect, false)
	var area int
	for _, tl := range tiles {
		area += tl.Width() * tl.Height()
	}
	if area != rect.Width()*rect.Height() {
		t.Fatalf("tile area %d != rect area %d", area, rect.Width()*rect.Height())
	}
}

func TestDispatchRendersEachTileExactlyOnce(t *testing.T) {
	node := &countingNode{safety: effect.FullySafe}
	img := rimage.New(imagekey.Key{NodeHash: 1}, rimage.Params{Bounds: geom.PixRect{X1: 0, Y1: 0, X2: 256, Y2: 256}})
	img.Allocate()

	d := New(trimap.New(), 4)
	rect := geom.PixRect{X1: 0, Y1: 0, X2: 256, Y2: 256}
	tiles := PlanTiles(rect, false)

	ctx := rendercontext.New(0, 0, 0, 1, false, false, true)
	err := d.Dispatch(ctx, Request{
		Node:    node,
		Image:   img,
		Plane:   imagekey.ColorPlane,
		Tiles:   tiles,
		OwnerID: 1,
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if int(node.calls.Load()) != len(tiles) {
		t.Fatalf("expected exactly %d Render calls, got %d", len(tiles), node.calls.Load())
	}
}

func TestDispatchAbortedSkipsRemainingWork(t *testing.T) {
	node := &countingNode{safety: effect.FullySafe}
	img := rimage.New(imagekey.Key{NodeHash: 1}, rimage.Params{Bounds: geom.PixRect{X1: 0, Y1: 0, X2: 256, Y2: 256}})
	img.Allocate()

	d := New(trimap.New(), 4)
	rect := geom.PixRect{X1: 0, Y1: 0, X2: 256, Y2: 256}
	tiles := PlanTiles(rect, false)

	ctx := rendercontext.New(0, 0, 0, 1, false, false, true)
	ctx.Abort()

	err := d.Dispatch(ctx, Request{
		Node:    node,
		Image:   img,
		Plane:   imagekey.ColorPlane,
		Tiles:   tiles,
		OwnerID: 1,
	})
	if err != nil {
		t.Fatalf("Dispatch on an aborted context should not surface an error, got %v", err)
	}
	if node.calls.Load() != 0 {
		t.Fatalf("expected no Render calls after abort, got %d", node.calls.Load())
	}
}
