// Package demo provides a minimal, dependency-free effect.Node: a
// procedural color-bars generator. Loading a real project graph from an
// on-disk project file or script is outside this core's scope; this
// package stands in for that loader so cmd/rendercore has something
// concrete to drive end to end.
package demo

import (
	"github.com/nodeforge/compositor/internal/actioncache"
	"github.com/nodeforge/compositor/internal/effect"
	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/imagekey"
)

// Generator renders an animated color-bars pattern with no inputs. Its
// RegionOfDefinition is a fixed rectangle; its pixels vary with time so
// renders produce visibly distinct frames.
type Generator struct {
	Width, Height int
	First, Last   float64
}

// NodeHash folds in the only state that affects output: the frame size.
func (g *Generator) NodeHash() uint64 {
	return uint64(g.Width)<<32 | uint64(g.Height)
}

func (g *Generator) Inputs() []effect.Node { return nil }

func (g *Generator) RegionOfDefinition(time float64, view, mip int) (geom.Rect, error) {
	return geom.Rect{X1: 0, Y1: 0, X2: float64(g.Width), Y2: float64(g.Height)}, nil
}

func (g *Generator) RegionsOfInterest(time float64, view, mip int, outRect geom.Rect) map[int]geom.Rect {
	return nil
}

func (g *Generator) FramesNeeded(time float64, view int) map[int]map[int][]effect.FrameRange {
	return nil
}

func (g *Generator) IsIdentity(time float64, view, mip int, rod geom.Rect) (effect.IdentityResult, bool) {
	return effect.IdentityResult{}, false
}

func (g *Generator) TimeDomain() actioncache.TimeDomain {
	return actioncache.TimeDomain{First: g.First, Last: g.Last}
}

func (g *Generator) AvailablePlanes(time float64) map[imagekey.Plane]bool {
	return map[imagekey.Plane]bool{imagekey.ColorPlane: true}
}

func (g *Generator) NeededAndProducedPlanes(time float64, view int) effect.PlaneRouting {
	return effect.PlaneRouting{Produced: []imagekey.Plane{imagekey.ColorPlane}, PassthroughInput: -1}
}

// Render fills args.Rect with vertical color bars that cycle with time, into
// the color plane only.
func (g *Generator) Render(args effect.RenderArgs) effect.Status {
	img, ok := args.Planes[imagekey.ColorPlane]
	if !ok {
		return effect.Failed
	}
	pix, stride := img.Pix()
	if pix == nil {
		return effect.Failed
	}

	bars := [][3]byte{
		{255, 0, 0}, {255, 255, 0}, {0, 255, 0},
		{0, 255, 255}, {0, 0, 255}, {255, 0, 255},
	}
	shift := int(args.Time) % len(bars)
	bounds := img.Bounds()

	for y := args.Rect.Y1; y < args.Rect.Y2; y++ {
		if y < bounds.Y1 || y >= bounds.Y2 {
			continue
		}
		row := pix[(y-bounds.Y1)*stride:]
		for x := args.Rect.X1; x < args.Rect.X2; x++ {
			if x < bounds.X1 || x >= bounds.X2 {
				continue
			}
			barIdx := ((x-bounds.X1)*len(bars)/max(1, bounds.Width()) + shift) % len(bars)
			c := bars[barIdx]
			off := (x - bounds.X1) * 4
			row[off], row[off+1], row[off+2], row[off+3] = c[0], c[1], c[2], 255
		}
	}
	return effect.OK
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (g *Generator) SupportsTiles() bool           { return true }
func (g *Generator) SupportsMultiresolution() bool { return false }
func (g *Generator) SupportsRenderScale() bool      { return false }
func (g *Generator) Safety() effect.Safety          { return effect.FullySafe }
func (g *Generator) IsWriter() bool                 { return false }
func (g *Generator) IsReader() bool                 { return true }
func (g *Generator) SequentialPreference() effect.SequentialPreference {
	return effect.SequentialAny
}

func (g *Generator) BeginSequence(first, last, step float64, interactive bool, scale effect.RenderScale, view int) {
}
func (g *Generator) EndSequence() {}

func (g *Generator) MatrixTransform(time float64) (effect.Matrix3, bool) {
	return effect.Matrix3{}, false
}
