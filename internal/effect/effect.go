// Package effect defines the capability set every node in the graph must
// implement (the "Effect interface") and the output-device interface
// consumed by the scheduler. Everything behind these interfaces — plugin
// ABI, parameter widgets, color management, actual pixel algorithms — is
// out of scope; the core only ever calls through them.
package effect

import (
	"github.com/nodeforge/compositor/internal/actioncache"
	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/rendercontext"
	"github.com/nodeforge/compositor/internal/rimage"
)

// Status is the outcome of an evaluation. Aborted and Failed are distinct:
// an abort must never set an image's render-failed flag.
type Status int

const (
	OK Status = iota
	Aborted
	Failed
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Safety declares how many concurrent render() calls a node tolerates.
type Safety int

const (
	Unsafe Safety = iota
	InstanceSafe
	FullySafe
	HostTiled
)

// SequentialPreference declares whether a node requires strictly ordered
// frame-by-frame invocation (writers with state, e.g. video encoders).
type SequentialPreference int

const (
	SequentialAny SequentialPreference = iota
	SequentialOnly
	SequentialNot
)

// FrameRange is an inclusive [First, Last] stepped by Step, as returned by
// FramesNeeded.
type FrameRange struct {
	First, Last, Step float64
}

// RenderScale is the scale at which an effect is asked to produce pixels;
// X and Y can differ under non-square pixel aspect ratios.
type RenderScale struct {
	X, Y float64
}

// RenderArgs bundles everything Render needs for one tile.
type RenderArgs struct {
	Time          float64
	View          int
	Scale         RenderScale
	Rect          geom.PixRect
	Planes        map[imagekey.Plane]*rimage.Image // filled in by the caller; Render writes pixels into these
	IsSequential  bool
	IsInteractive bool

	// Ctx is this worker's snapshot of the RenderContext, installed by the
	// dispatcher before Render runs. A node pulls its inputs by calling
	// rendercontext.GetImage(args.Ctx, inputIdx) rather than receiving them
	// as a call argument.
	Ctx *rendercontext.Context
}

// IdentityResult is the (input, time) pair a node may declare itself
// identical to. InputIdx == actioncache.SelfAtOtherTime denotes "this node,
// at a different time"; actioncache.None denotes "no identity".
type IdentityResult struct {
	InputIdx int
	Time     float64
}

// PlaneRouting is the result of NeededAndProducedPlanes: which planes each
// input must supply, which planes this node itself produces, and an
// optional pass-through (defer entirely to one input at a given time).
type PlaneRouting struct {
	NeededPerInput   map[int][]imagekey.Plane
	Produced         []imagekey.Plane
	PassthroughInput int // -1 if none
	PassthroughTime  float64
	PassthroughView  int
	HasPassthrough   bool
}

// Node is the capability set every graph node implements. A Node's
// NodeHash must fold in any knob/parameter state that would change its
// output.
type Node interface {
	// NodeHash returns the content hash of this node's current state.
	NodeHash() uint64

	// Inputs returns the connected upstream nodes; a nil entry means the
	// input is unconnected.
	Inputs() []Node

	RegionOfDefinition(time float64, view, mip int) (geom.Rect, error)
	RegionsOfInterest(time float64, view, mip int, outRect geom.Rect) map[int]geom.Rect
	FramesNeeded(time float64, view int) map[int]map[int][]FrameRange
	IsIdentity(time float64, view, mip int, rod geom.Rect) (IdentityResult, bool)
	TimeDomain() actioncache.TimeDomain

	AvailablePlanes(time float64) map[imagekey.Plane]bool
	NeededAndProducedPlanes(time float64, view int) PlaneRouting

	// Render draws into the images referenced by args.Planes, restricted to
	// args.Rect. Implementations must only write pixels inside args.Rect.
	Render(args RenderArgs) Status

	SupportsTiles() bool
	SupportsMultiresolution() bool
	SupportsRenderScale() bool
	Safety() Safety
	IsWriter() bool
	IsReader() bool
	SequentialPreference() SequentialPreference

	BeginSequence(first, last, step float64, interactive bool, scale RenderScale, view int)
	EndSequence()

	// MatrixTransform returns (matrix, true) if this node is a pure
	// matrix-only transform eligible for transform concatenation, else
	// (zero, false).
	MatrixTransform(time float64) (Matrix3, bool)
}

// Matrix3 is a 2D affine transform in row-major order, used only by the
// transform-concatenation optimization.
type Matrix3 [9]float64

// Identity3 is the 3x3 identity matrix.
var Identity3 = Matrix3{1, 0, 0, 0, 1, 0, 0, 0, 1}

// Multiply returns m * o (applying o first, then m).
func (m Matrix3) Multiply(o Matrix3) Matrix3 {
	var out Matrix3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += m[r*3+k] * o[k*3+c]
			}
			out[r*3+c] = sum
		}
	}
	return out
}

// Invert returns the inverse of an affine (last row [0 0 1]) matrix, or
// (zero, false) if singular.
func (m Matrix3) Invert() (Matrix3, bool) {
	det := m[0]*m[4] - m[1]*m[3]
	if det == 0 {
		return Matrix3{}, false
	}
	invDet := 1 / det
	a, b, c := m[0], m[1], m[2]
	d, e, f := m[3], m[4], m[5]
	return Matrix3{
		e * invDet, -b * invDet, (b*f - c*e) * invDet,
		-d * invDet, a * invDet, (c*d - a*f) * invDet,
		0, 0, 1,
	}, true
}

// ApplyToRect transforms a canonical rectangle's four corners by m and
// returns their axis-aligned bounding box.
func (m Matrix3) ApplyToRect(r geom.Rect) geom.Rect {
	xs := [4]float64{r.X1, r.X2, r.X1, r.X2}
	ys := [4]float64{r.Y1, r.Y1, r.Y2, r.Y2}
	out := geom.Rect{X1: geom.Inf, Y1: geom.Inf, X2: -geom.Inf, Y2: -geom.Inf}
	for i := 0; i < 4; i++ {
		x := m[0]*xs[i] + m[1]*ys[i] + m[2]
		y := m[3]*xs[i] + m[4]*ys[i] + m[5]
		if x < out.X1 {
			out.X1 = x
		}
		if x > out.X2 {
			out.X2 = x
		}
		if y < out.Y1 {
			out.Y1 = y
		}
		if y > out.Y2 {
			out.Y2 = y
		}
	}
	return out
}
