// Package imagekey defines the content-addressing key for cached images:
// a tuple of (node-hash, plane, time, view, mipmap-level, frame-varying).
package imagekey

import "fmt"

// PlaneKind distinguishes the color plane (which allows component
// conversion on a cache hit) from named auxiliary planes (which require an
// exact match).
type PlaneKind int

const (
	PlaneColor PlaneKind = iota
	PlaneAux
)

// Components is the set of channels making up an image's color plane.
type Components int

const (
	ComponentsNone Components = iota
	ComponentsAlpha
	ComponentsRGB
	ComponentsRGBA
)

// Count returns the number of channels.
func (c Components) Count() int {
	switch c {
	case ComponentsAlpha:
		return 1
	case ComponentsRGB:
		return 3
	case ComponentsRGBA:
		return 4
	default:
		return 0
	}
}

// Plane identifies a named channel group of an image: the color plane (with
// a component set) or a named auxiliary plane (e.g. "motion", "depth").
type Plane struct {
	Kind       PlaneKind
	Components Components // meaningful when Kind == PlaneColor
	Name       string      // meaningful when Kind == PlaneAux
}

// ColorPlane is the conventional RGBA color plane identifier.
var ColorPlane = Plane{Kind: PlaneColor, Components: ComponentsRGBA}

// Equal reports structural plane equality — the comparison cache lookups
// use before considering a conversion.
func (p Plane) Equal(o Plane) bool {
	return p.Kind == o.Kind && p.Components == o.Components && p.Name == o.Name
}

func (p Plane) String() string {
	if p.Kind == PlaneAux {
		return "aux:" + p.Name
	}
	return fmt.Sprintf("color:%d", p.Components)
}

// Key identifies a single plane at (node-hash, time, view, mipmap-level).
// Equality is structural. The NodeHash must fold in any knob/parameter
// state that would change the node's output, which is the caller's
// (the node's) responsibility to compute — this package only carries it.
type Key struct {
	NodeHash      uint64
	Plane         Plane
	Time          float64
	View          int
	MipLevel      int
	FrameVarying  bool
}

func (k Key) String() string {
	return fmt.Sprintf("%016x/%s/t=%g/v=%d/mip=%d", k.NodeHash, k.Plane, k.Time, k.View, k.MipLevel)
}

// Equal reports structural equality between two keys.
func (k Key) Equal(o Key) bool {
	return k.NodeHash == o.NodeHash && k.Plane.Equal(o.Plane) &&
		k.Time == o.Time && k.View == o.View && k.MipLevel == o.MipLevel &&
		k.FrameVarying == o.FrameVarying
}
