// Package geom provides the two coordinate spaces used throughout the
// render core: canonical (resolution-independent, floating point) and
// pixel (integer, tied to a mipmap level and pixel aspect ratio).
package geom

import "math"

// Rect is a canonical rectangle: resolution-independent, floating point,
// scale-invariant. X1/Y1 is the lower-left corner, X2/Y2 the upper-right.
type Rect struct {
	X1, Y1, X2, Y2 float64
}

// Infinite bounds used by effects that decline to bound their RoD on a side.
const Inf = math.MaxFloat64

// IsEmpty reports whether the rectangle contains no area.
func (r Rect) IsEmpty() bool {
	return r.X2 <= r.X1 || r.Y2 <= r.Y1
}

// IsInfinite reports whether any side is unbounded.
func (r Rect) IsInfinite() bool {
	return r.X1 <= -Inf || r.Y1 <= -Inf || r.X2 >= Inf || r.Y2 >= Inf
}

// Union returns the smallest rectangle containing both r and o. The union
// of an empty rectangle with a non-empty one is the non-empty one.
func (r Rect) Union(o Rect) Rect {
	if r.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return r
	}
	return Rect{
		X1: math.Min(r.X1, o.X1),
		Y1: math.Min(r.Y1, o.Y1),
		X2: math.Max(r.X2, o.X2),
		Y2: math.Max(r.Y2, o.Y2),
	}
}

// Intersect returns the overlap of r and o, or an empty rectangle if none.
func (r Rect) Intersect(o Rect) Rect {
	out := Rect{
		X1: math.Max(r.X1, o.X1),
		Y1: math.Max(r.Y1, o.Y1),
		X2: math.Min(r.X2, o.X2),
		Y2: math.Min(r.Y2, o.Y2),
	}
	if out.IsEmpty() {
		return Rect{}
	}
	return out
}

// Contains reports whether o is fully inside r.
func (r Rect) Contains(o Rect) bool {
	if o.IsEmpty() {
		return true
	}
	return o.X1 >= r.X1 && o.Y1 >= r.Y1 && o.X2 <= r.X2 && o.Y2 <= r.Y2
}

// PixRect is a pixel rectangle: integer, tied to a mipmap level and pixel
// aspect ratio. X1/Y1 inclusive, X2/Y2 exclusive (half-open), matching
// image.Rectangle conventions.
type PixRect struct {
	X1, Y1, X2, Y2 int
}

// IsEmpty reports whether the rectangle contains no pixels.
func (p PixRect) IsEmpty() bool {
	return p.X2 <= p.X1 || p.Y2 <= p.Y1
}

// Width returns the pixel width.
func (p PixRect) Width() int { return p.X2 - p.X1 }

// Height returns the pixel height.
func (p PixRect) Height() int { return p.Y2 - p.Y1 }

// Union returns the smallest pixel rectangle containing both p and o.
func (p PixRect) Union(o PixRect) PixRect {
	if p.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return p
	}
	return PixRect{
		X1: min(p.X1, o.X1),
		Y1: min(p.Y1, o.Y1),
		X2: max(p.X2, o.X2),
		Y2: max(p.Y2, o.Y2),
	}
}

// Intersect returns the overlap of p and o, or an empty rectangle if none.
func (p PixRect) Intersect(o PixRect) PixRect {
	out := PixRect{
		X1: max(p.X1, o.X1),
		Y1: max(p.Y1, o.Y1),
		X2: min(p.X2, o.X2),
		Y2: min(p.Y2, o.Y2),
	}
	if out.IsEmpty() {
		return PixRect{}
	}
	return out
}

// Contains reports whether o is fully inside p.
func (p PixRect) Contains(o PixRect) bool {
	if o.IsEmpty() {
		return true
	}
	return o.X1 >= p.X1 && o.Y1 >= p.Y1 && o.X2 <= p.X2 && o.Y2 <= p.Y2
}

// Subtract returns the list of rectangles covering p but not o (p minus o).
// Used to compute the still-unrendered portion of a requested rectangle
// against an already-rendered one. At most 4 pieces are produced.
func (p PixRect) Subtract(o PixRect) []PixRect {
	overlap := p.Intersect(o)
	if overlap.IsEmpty() {
		return []PixRect{p}
	}
	var out []PixRect
	if overlap.Y1 > p.Y1 {
		out = append(out, PixRect{p.X1, p.Y1, p.X2, overlap.Y1})
	}
	if overlap.Y2 < p.Y2 {
		out = append(out, PixRect{p.X1, overlap.Y2, p.X2, p.Y2})
	}
	if overlap.X1 > p.X1 {
		out = append(out, PixRect{p.X1, overlap.Y1, overlap.X1, overlap.Y2})
	}
	if overlap.X2 < p.X2 {
		out = append(out, PixRect{overlap.X2, overlap.Y1, p.X2, overlap.Y2})
	}
	return out
}

// Scale returns the canonical-to-pixel scale factor for a mipmap level:
// pixel scale is 2^-level.
func Scale(level int) float64 {
	return math.Ldexp(1, -level)
}

// ToPixelEnclosing converts a canonical rectangle to pixel space at the
// given mipmap level and pixel aspect ratio, always rounding outward so the
// pixel rectangle fully covers the canonical one.
func ToPixelEnclosing(r Rect, level int, pixelAspectRatio float64) PixRect {
	if r.IsEmpty() {
		return PixRect{}
	}
	s := Scale(level)
	x1 := r.X1 * s / pixelAspectRatio
	y1 := r.Y1 * s
	x2 := r.X2 * s / pixelAspectRatio
	y2 := r.Y2 * s
	return PixRect{
		X1: int(math.Floor(x1)),
		Y1: int(math.Floor(y1)),
		X2: int(math.Ceil(x2)),
		Y2: int(math.Ceil(y2)),
	}
}

// ToCanonical converts a pixel rectangle back to canonical coordinates at
// the given mipmap level and pixel aspect ratio. This is the exact inverse
// of the scale applied by ToPixelEnclosing (modulo the outward rounding,
// which is necessarily lossy).
func ToCanonical(p PixRect, level int, pixelAspectRatio float64) Rect {
	if p.IsEmpty() {
		return Rect{}
	}
	s := Scale(level)
	return Rect{
		X1: float64(p.X1) * pixelAspectRatio / s,
		Y1: float64(p.Y1) / s,
		X2: float64(p.X2) * pixelAspectRatio / s,
		Y2: float64(p.Y2) / s,
	}
}
