package engine

import (
	"testing"

	"github.com/nodeforge/compositor/internal/actioncache"
	"github.com/nodeforge/compositor/internal/effect"
	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/rimage"
	"github.com/nodeforge/compositor/internal/scheduler"
)

type noopNode struct{ hash uint64 }

func (n *noopNode) NodeHash() uint64      { return n.hash }
func (n *noopNode) Inputs() []effect.Node { return nil }
func (n *noopNode) RegionOfDefinition(float64, int, int) (geom.Rect, error) {
	return geom.Rect{X1: 0, Y1: 0, X2: 8, Y2: 8}, nil
}
func (n *noopNode) RegionsOfInterest(_ float64, _ int, _ int, geom.Rect) map[int]geom.Rect { return nil }
func (n *noopNode) FramesNeeded(float64, int) map[int]map[int][]effect.FrameRange          { return nil }
func (n *noopNode) IsIdentity(float64, int, int, geom.Rect) (effect.IdentityResult, bool) {
	return effect.IdentityResult{}, false
}
func (n *noopNode) TimeDomain() actioncache.TimeDomain { return actioncache.TimeDomain{First: 0, Last: 10} }
func (n *noopNode) AvailablePlanes(float64) map[imagekey.Plane]bool { return nil }
func (n *noopNode) NeededAndProducedPlanes(float64, int) effect.PlaneRouting {
	return effect.PlaneRouting{Produced: []imagekey.Plane{imagekey.ColorPlane}, PassthroughInput: -1}
}
func (n *noopNode) Render(args effect.RenderArgs) effect.Status { return effect.OK }
func (n *noopNode) SupportsTiles() bool                               { return true }
func (n *noopNode) SupportsMultiresolution() bool                     { return true }
func (n *noopNode) SupportsRenderScale() bool                         { return true }
func (n *noopNode) Safety() effect.Safety                             { return effect.FullySafe }
func (n *noopNode) IsWriter() bool                                    { return false }
func (n *noopNode) IsReader() bool                                    { return true }
func (n *noopNode) SequentialPreference() effect.SequentialPreference { return effect.SequentialAny }
func (n *noopNode) BeginSequence(float64, float64, float64, bool, effect.RenderScale, int) {}
func (n *noopNode) EndSequence()                                                           {}
func (n *noopNode) MatrixTransform(float64) (effect.Matrix3, bool)                         { return effect.Matrix3{}, false }

type noopDevice struct{}

func (d *noopDevice) Deliver(float64, int, map[string]*rimage.Image) error { return nil }
func (d *noopDevice) TimelineStep(int)                                    {}
func (d *noopDevice) TimelineGoto(float64)                                {}
func (d *noopDevice) TimelineGetTime() float64                            { return 0 }
func (d *noopDevice) FrameRangeToRender() (float64, float64)              { return 0, 0 }
func (d *noopDevice) OnRenderStarted()                                    {}
func (d *noopDevice) OnRenderStopped(effect.StopReason)                   {}
func (d *noopDevice) ReportFPS(float64, float64)                          {}
func (d *noopDevice) ReportFrameRendered(float64)                         {}
func (d *noopDevice) ReportFailure(string)                                {}

func TestStartRenderRejectsDuplicateName(t *testing.T) {
	e := New(Config{ProjectFormat: geom.Rect{X1: 0, Y1: 0, X2: 64, Y2: 64}, MaxWorkers: 2})
	node := &noopNode{hash: 1}
	dev := &noopDevice{}

	sch, err := e.StartRender("main", node, dev, scheduler.StartArgs{
		FirstFrame: 1, LastFrame: 200, Step: 1, ThreadCount: 2,
		Planes: []imagekey.Plane{imagekey.ColorPlane},
	})
	if err != nil {
		t.Fatalf("first StartRender: %v", err)
	}

	if _, err := e.StartRender("main", node, dev, scheduler.StartArgs{}); err == nil {
		t.Fatal("expected starting an already-running render under the same name to error")
	}

	e.Abort("main", true)
	if sch.State() != scheduler.Idle {
		t.Fatalf("state = %v, want Idle after abort", sch.State())
	}
}

func TestQuitAllForgetsSchedulers(t *testing.T) {
	e := New(Config{ProjectFormat: geom.Rect{X1: 0, Y1: 0, X2: 64, Y2: 64}})
	node := &noopNode{hash: 1}
	dev := &noopDevice{}
	if _, err := e.StartRender("a", node, dev, scheduler.StartArgs{
		FirstFrame: 1, LastFrame: 5, Step: 1, ThreadCount: 1,
		Planes: []imagekey.Plane{imagekey.ColorPlane},
	}); err != nil {
		t.Fatal(err)
	}
	e.QuitAll()
	e.mu.Lock()
	n := len(e.schedulers)
	e.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no tracked schedulers after QuitAll, got %d", n)
	}
}
