package eval

import (
	"sync/atomic"
	"testing"

	"github.com/nodeforge/compositor/internal/actioncache"
	"github.com/nodeforge/compositor/internal/dispatch"
	"github.com/nodeforge/compositor/internal/effect"
	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/rendercontext"
	"github.com/nodeforge/compositor/internal/store"
	"github.com/nodeforge/compositor/internal/trimap"
)

// fakeNode is a minimal effect.Node: a flat-colored generator with no
// inputs, used to exercise the parts of render_region that don't depend on
// a real compositing algorithm.
type fakeNode struct {
	hash      uint64
	rod       geom.Rect
	inputs    []effect.Node
	identity  func() (effect.IdentityResult, bool)
	renders   atomic.Int64
	fails     bool
}

func (n *fakeNode) NodeHash() uint64 { return n.hash }
func (n *fakeNode) Inputs() []effect.Node { return n.inputs }
func (n *fakeNode) RegionOfDefinition(float64, int, int) (geom.Rect, error) { return n.rod, nil }
func (n *fakeNode) RegionsOfInterest(_ float64, _ int, _ int, out geom.Rect) map[int]geom.Rect {
	m := make(map[int]geom.Rect, len(n.inputs))
	for i := range n.inputs {
		m[i] = out
	}
	return m
}
func (n *fakeNode) FramesNeeded(float64, int) map[int]map[int][]effect.FrameRange { return nil }
func (n *fakeNode) IsIdentity(float64, int, int, geom.Rect) (effect.IdentityResult, bool) {
	if n.identity != nil {
		return n.identity()
	}
	return effect.IdentityResult{}, false
}
func (n *fakeNode) TimeDomain() actioncache.TimeDomain { return actioncache.TimeDomain{First: 0, Last: 100} }
func (n *fakeNode) AvailablePlanes(float64) map[imagekey.Plane]bool { return nil }
func (n *fakeNode) NeededAndProducedPlanes(float64, int) effect.PlaneRouting {
	return effect.PlaneRouting{Produced: []imagekey.Plane{imagekey.ColorPlane}, PassthroughInput: -1}
}
func (n *fakeNode) Render(args effect.RenderArgs) effect.Status {
	n.renders.Add(1)
	if n.fails {
		return effect.Failed
	}
	img := args.Planes[imagekey.ColorPlane]
	pix, stride := img.Pix()
	b := img.Bounds()
	for y := args.Rect.Y1; y < args.Rect.Y2; y++ {
		for x := args.Rect.X1; x < args.Rect.X2; x++ {
			off := (y-b.Y1)*stride + (x-b.X1)*4
			if off >= 0 && off+4 <= len(pix) {
				pix[off] = 200
			}
		}
	}
	return effect.OK
}
func (n *fakeNode) SupportsTiles() bool                               { return true }
func (n *fakeNode) SupportsMultiresolution() bool                     { return true }
func (n *fakeNode) SupportsRenderScale() bool                         { return true }
func (n *fakeNode) Safety() effect.Safety                             { return effect.FullySafe }
func (n *fakeNode) IsWriter() bool                                    { return false }
func (n *fakeNode) IsReader() bool                                    { return true }
func (n *fakeNode) SequentialPreference() effect.SequentialPreference { return effect.SequentialAny }
func (n *fakeNode) BeginSequence(float64, float64, float64, bool, effect.RenderScale, int) {}
func (n *fakeNode) EndSequence()                                                           {}
func (n *fakeNode) MatrixTransform(float64) (effect.Matrix3, bool)                         { return effect.Matrix3{}, false }

func newEvaluator() *Evaluator {
	st := store.New()
	coord := trimap.New()
	disp := dispatch.New(coord, 4)
	return New(st, coord, disp, geom.Rect{X1: 0, Y1: 0, X2: 1920, Y2: 1080})
}

func baseArgs(rect geom.PixRect) Args {
	return Args{
		Time: 1, View: 0, MipLevel: 0,
		Rect:   rect,
		Planes: []imagekey.Plane{imagekey.ColorPlane},
	}
}

func TestRenderRegionProducesPixels(t *testing.T) {
	e := newEvaluator()
	node := &fakeNode{hash: 1, rod: geom.Rect{X1: 0, Y1: 0, X2: 64, Y2: 64}}
	ctx := rendercontext.New(1, 0, 0, 1, false, false, true)

	res := e.RenderRegion(ctx, node, baseArgs(geom.PixRect{X1: 0, Y1: 0, X2: 64, Y2: 64}))
	if res.Status != effect.OK {
		t.Fatalf("status = %v, want OK", res.Status)
	}
	img, ok := res.Planes[imagekey.ColorPlane]
	if !ok {
		t.Fatal("expected the color plane in the result")
	}
	pix, _ := img.Pix()
	if pix[0] != 200 {
		t.Fatalf("expected rendered pixel data, got %v", pix[:4])
	}
	if node.renders.Load() == 0 {
		t.Fatal("expected at least one Render call")
	}
}

func TestRenderRegionSecondCallHitsCache(t *testing.T) {
	e := newEvaluator()
	node := &fakeNode{hash: 1, rod: geom.Rect{X1: 0, Y1: 0, X2: 64, Y2: 64}}
	rect := geom.PixRect{X1: 0, Y1: 0, X2: 64, Y2: 64}

	ctx1 := rendercontext.New(1, 0, 0, 1, false, false, true)
	if res := e.RenderRegion(ctx1, node, baseArgs(rect)); res.Status != effect.OK {
		t.Fatalf("first render: status = %v", res.Status)
	}
	callsAfterFirst := node.renders.Load()

	ctx2 := rendercontext.New(1, 0, 0, 2, false, false, true)
	if res := e.RenderRegion(ctx2, node, baseArgs(rect)); res.Status != effect.OK {
		t.Fatalf("second render: status = %v", res.Status)
	}
	if node.renders.Load() != callsAfterFirst {
		t.Fatalf("expected the second identical request to hit the cache, got %d additional Render calls",
			node.renders.Load()-callsAfterFirst)
	}
}

func TestRenderRegionIdentityRecursesToInput(t *testing.T) {
	e := newEvaluator()
	input := &fakeNode{hash: 2, rod: geom.Rect{X1: 0, Y1: 0, X2: 32, Y2: 32}}
	node := &fakeNode{
		hash:   1,
		rod:    geom.Rect{X1: 0, Y1: 0, X2: 32, Y2: 32},
		inputs: []effect.Node{input},
		identity: func() (effect.IdentityResult, bool) {
			return effect.IdentityResult{InputIdx: 0, Time: 1}, true
		},
	}
	ctx := rendercontext.New(1, 0, 0, 1, false, false, true)

	res := e.RenderRegion(ctx, node, baseArgs(geom.PixRect{X1: 0, Y1: 0, X2: 32, Y2: 32}))
	if res.Status != effect.OK {
		t.Fatalf("status = %v, want OK", res.Status)
	}
	if node.renders.Load() != 0 {
		t.Fatal("identity node itself should never be rendered")
	}
	if input.renders.Load() == 0 {
		t.Fatal("expected the identity target input to be rendered instead")
	}
}

func TestRenderRegionIdentityToUnconnectedInputFails(t *testing.T) {
	e := newEvaluator()
	node := &fakeNode{
		hash: 1,
		rod:  geom.Rect{X1: 0, Y1: 0, X2: 32, Y2: 32},
		identity: func() (effect.IdentityResult, bool) {
			return effect.IdentityResult{InputIdx: 0, Time: 1}, true
		},
	}
	ctx := rendercontext.New(1, 0, 0, 1, false, false, true)

	res := e.RenderRegion(ctx, node, baseArgs(geom.PixRect{X1: 0, Y1: 0, X2: 32, Y2: 32}))
	if res.Status != effect.Failed {
		t.Fatalf("status = %v, want Failed for identity to an unconnected input", res.Status)
	}
	if res.Message == "" {
		t.Fatal("expected a diagnostic message explaining the missing upstream")
	}
}

func TestRenderRegionAbortedBeforeStartReturnsAborted(t *testing.T) {
	e := newEvaluator()
	node := &fakeNode{hash: 1, rod: geom.Rect{X1: 0, Y1: 0, X2: 32, Y2: 32}}
	ctx := rendercontext.New(1, 0, 0, 1, false, false, true)
	ctx.Abort()

	res := e.RenderRegion(ctx, node, baseArgs(geom.PixRect{X1: 0, Y1: 0, X2: 32, Y2: 32}))
	if res.Status != effect.Aborted {
		t.Fatalf("status = %v, want Aborted", res.Status)
	}
	if node.renders.Load() != 0 {
		t.Fatal("an aborted context should never reach Render")
	}
}

func TestRenderRegionFailurePropagates(t *testing.T) {
	e := newEvaluator()
	node := &fakeNode{hash: 1, rod: geom.Rect{X1: 0, Y1: 0, X2: 32, Y2: 32}, fails: true}
	ctx := rendercontext.New(1, 0, 0, 1, false, false, true)

	res := e.RenderRegion(ctx, node, baseArgs(geom.PixRect{X1: 0, Y1: 0, X2: 32, Y2: 32}))
	if res.Status != effect.Failed {
		t.Fatalf("status = %v, want Failed", res.Status)
	}
}

// blendNode has one input and pulls it via rendercontext.GetImage instead
// of compositing over a value passed in RenderArgs, exercising the
// recursive-input-fetch + GetImage path.
type blendNode struct {
	fakeNode
	sawInput atomic.Bool
}

func (n *blendNode) Render(args effect.RenderArgs) effect.Status {
	n.renders.Add(1)
	if img, err := rendercontext.GetImage(args.Ctx, 0); err == nil && img != nil {
		n.sawInput.Store(true)
	}
	out := args.Planes[imagekey.ColorPlane]
	pix, _ := out.Pix()
	for i := range pix {
		pix[i] = 128
	}
	return effect.OK
}

func TestRenderRegionFetchesInputBeforeRenderingSelf(t *testing.T) {
	e := newEvaluator()
	input := &fakeNode{hash: 2, rod: geom.Rect{X1: 0, Y1: 0, X2: 32, Y2: 32}}
	node := &blendNode{fakeNode: fakeNode{
		hash:   1,
		rod:    geom.Rect{X1: 0, Y1: 0, X2: 32, Y2: 32},
		inputs: []effect.Node{input},
	}}
	ctx := rendercontext.New(1, 0, 0, 1, false, false, true)

	res := e.RenderRegion(ctx, node, baseArgs(geom.PixRect{X1: 0, Y1: 0, X2: 32, Y2: 32}))
	if res.Status != effect.OK {
		t.Fatalf("status = %v, want OK", res.Status)
	}
	if input.renders.Load() == 0 {
		t.Fatal("expected the input to be rendered before the node itself")
	}
	if !node.sawInput.Load() {
		t.Fatal("expected Render to observe the fetched input via rendercontext.GetImage")
	}
}
