package rimage

import "github.com/nodeforge/compositor/internal/geom"

// CellState is one of the three tri-map states a tile bitmap cell may hold.
type CellState uint8

const (
	Unrendered CellState = iota
	Rendering
	Rendered
)

// defaultCellSize is the edge length, in pixels, of one tile-bitmap cell.
// It need not match any particular tile-dispatch granularity; it only
// bounds the precision of "already rendered" tracking.
const defaultCellSize = 64

// TileBitmap tracks, over an image's pixel bounds, which rectangular cells
// are unrendered, in-flight, or complete. It is owned by exactly one Image;
// callers needing cross-thread coordination go through the trimap package,
// which wraps a TileBitmap with condition-variable wait/wake.
type TileBitmap struct {
	bounds   geom.PixRect
	cellSize int
	cols     int
	rows     int
	cells    []CellState
	owners   []int64 // owner ID of the worker owning a Rendering cell, 0 if none
}

// NewTileBitmap creates a bitmap covering bounds with all cells Unrendered.
func NewTileBitmap(bounds geom.PixRect) *TileBitmap {
	return newTileBitmapSized(bounds, defaultCellSize)
}

func newTileBitmapSized(bounds geom.PixRect, cellSize int) *TileBitmap {
	if bounds.IsEmpty() {
		return &TileBitmap{bounds: bounds, cellSize: cellSize}
	}
	cols := (bounds.Width() + cellSize - 1) / cellSize
	rows := (bounds.Height() + cellSize - 1) / cellSize
	return &TileBitmap{
		bounds:   bounds,
		cellSize: cellSize,
		cols:     cols,
		rows:     rows,
		cells:    make([]CellState, cols*rows),
		owners:   make([]int64, cols*rows),
	}
}

// Bounds returns the rectangle the bitmap covers.
func (b *TileBitmap) Bounds() geom.PixRect { return b.bounds }

// cellRect returns the pixel rectangle of cell (cx, cy), clamped to bounds.
func (b *TileBitmap) cellRect(cx, cy int) geom.PixRect {
	x1 := b.bounds.X1 + cx*b.cellSize
	y1 := b.bounds.Y1 + cy*b.cellSize
	x2 := min(x1+b.cellSize, b.bounds.X2)
	y2 := min(y1+b.cellSize, b.bounds.Y2)
	return geom.PixRect{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// cellsOverlapping returns the cell index range [cx0,cx1) x [cy0,cy1)
// overlapping rect, clamped to the bitmap's extent. Returns ok=false if
// rect does not intersect the bitmap at all.
func (b *TileBitmap) cellsOverlapping(rect geom.PixRect) (cx0, cy0, cx1, cy1 int, ok bool) {
	overlap := b.bounds.Intersect(rect)
	if overlap.IsEmpty() || b.cellSize == 0 {
		return 0, 0, 0, 0, false
	}
	cx0 = (overlap.X1 - b.bounds.X1) / b.cellSize
	cy0 = (overlap.Y1 - b.bounds.Y1) / b.cellSize
	cx1 = (overlap.X2 - b.bounds.X1 + b.cellSize - 1) / b.cellSize
	cy1 = (overlap.Y2 - b.bounds.Y1 + b.cellSize - 1) / b.cellSize
	if cx1 > b.cols {
		cx1 = b.cols
	}
	if cy1 > b.rows {
		cy1 = b.rows
	}
	return cx0, cy0, cx1, cy1, true
}

func (b *TileBitmap) idx(cx, cy int) int { return cy*b.cols + cx }

// MarkRendering transitions every cell in rect from Unrendered to Rendering,
// tagging them with owner (the caller's owner ID). Cells already Rendering
// or Rendered are left untouched — callers must first compute the truly
// unrendered subset via Unrendered(rect).
func (b *TileBitmap) MarkRendering(rect geom.PixRect, owner int64) {
	cx0, cy0, cx1, cy1, ok := b.cellsOverlapping(rect)
	if !ok {
		return
	}
	for cy := cy0; cy < cy1; cy++ {
		for cx := cx0; cx < cx1; cx++ {
			i := b.idx(cx, cy)
			if b.cells[i] == Unrendered {
				b.cells[i] = Rendering
				b.owners[i] = owner
			}
		}
	}
}

// MarkRendered transitions cells in rect owned by owner (or any Unrendered
// cell, for direct writes that skip the Rendering step) to Rendered.
func (b *TileBitmap) MarkRendered(rect geom.PixRect, owner int64) {
	cx0, cy0, cx1, cy1, ok := b.cellsOverlapping(rect)
	if !ok {
		return
	}
	for cy := cy0; cy < cy1; cy++ {
		for cx := cx0; cx < cx1; cx++ {
			i := b.idx(cx, cy)
			if b.cells[i] == Rendering && b.owners[i] == owner {
				b.cells[i] = Rendered
				b.owners[i] = 0
			} else if b.cells[i] == Unrendered {
				b.cells[i] = Rendered
			}
		}
	}
}

// Clear reverts cells in rect owned by owner from Rendering back to
// Unrendered (used on render failure/abort unwind).
func (b *TileBitmap) Clear(rect geom.PixRect, owner int64) {
	cx0, cy0, cx1, cy1, ok := b.cellsOverlapping(rect)
	if !ok {
		return
	}
	for cy := cy0; cy < cy1; cy++ {
		for cx := cx0; cx < cx1; cx++ {
			i := b.idx(cx, cy)
			if b.cells[i] == Rendering && b.owners[i] == owner {
				b.cells[i] = Unrendered
				b.owners[i] = 0
			}
		}
	}
}

// Unrendered returns the sub-rectangles of rect still in state Unrendered,
// merged row-wise into PixRect spans. It does not consider Rendering cells
// "missing" — the caller must separately wait on those via the trimap.
func (b *TileBitmap) Unrendered(rect geom.PixRect) []geom.PixRect {
	return b.cellsInState(rect, Unrendered)
}

// RenderingOwnedByOther returns true if any cell in rect is Rendering under
// an owner different from self.
func (b *TileBitmap) RenderingOwnedByOther(rect geom.PixRect, self int64) bool {
	cx0, cy0, cx1, cy1, ok := b.cellsOverlapping(rect)
	if !ok {
		return false
	}
	for cy := cy0; cy < cy1; cy++ {
		for cx := cx0; cx < cx1; cx++ {
			i := b.idx(cx, cy)
			if b.cells[i] == Rendering && b.owners[i] != self {
				return true
			}
		}
	}
	return false
}

// StillMissing returns the sub-rectangles of rect that are neither Rendered
// nor Rendering under self — i.e. what remains for self to plan.
func (b *TileBitmap) StillMissing(rect geom.PixRect, self int64) []geom.PixRect {
	cx0, cy0, cx1, cy1, ok := b.cellsOverlapping(rect)
	if !ok {
		return []geom.PixRect{rect}
	}
	var out []geom.PixRect
	for cy := cy0; cy < cy1; cy++ {
		for cx := cx0; cx < cx1; cx++ {
			i := b.idx(cx, cy)
			if b.cells[i] == Rendered {
				continue
			}
			if b.cells[i] == Rendering && b.owners[i] == self {
				continue
			}
			out = append(out, b.cellRect(cx, cy))
		}
	}
	return mergeAdjacent(out)
}

func (b *TileBitmap) cellsInState(rect geom.PixRect, want CellState) []geom.PixRect {
	cx0, cy0, cx1, cy1, ok := b.cellsOverlapping(rect)
	if !ok {
		return nil
	}
	var out []geom.PixRect
	for cy := cy0; cy < cy1; cy++ {
		for cx := cx0; cx < cx1; cx++ {
			if b.cells[b.idx(cx, cy)] == want {
				out = append(out, b.cellRect(cx, cy))
			}
		}
	}
	return mergeAdjacent(out)
}

// Grow extends the bitmap to cover newBounds (a superset of the current
// bounds), preserving the state of all existing cells.
func (b *TileBitmap) Grow(newBounds geom.PixRect) {
	grown := b.bounds.Union(newBounds)
	if grown == b.bounds {
		return
	}
	fresh := newTileBitmapSized(grown, b.cellSize)
	// Copy old state: every old cell rect is re-marked in the fresh bitmap.
	for cy := 0; cy < b.rows; cy++ {
		for cx := 0; cx < b.cols; cx++ {
			i := b.idx(cx, cy)
			if b.cells[i] == Unrendered {
				continue
			}
			r := b.cellRect(cx, cy)
			fcx0, fcy0, fcx1, fcy1, ok := fresh.cellsOverlapping(r)
			if !ok {
				continue
			}
			for fcy := fcy0; fcy < fcy1; fcy++ {
				for fcx := fcx0; fcx < fcx1; fcx++ {
					fi := fresh.idx(fcx, fcy)
					fresh.cells[fi] = b.cells[i]
					fresh.owners[fi] = b.owners[i]
				}
			}
		}
	}
	*b = *fresh
}

// mergeAdjacent coalesces horizontally-adjacent same-row rectangles. It is a
// cheap, non-exhaustive merge (rows are not merged vertically) sufficient to
// avoid handing the dispatcher a cell per rectangle.
func mergeAdjacent(rects []geom.PixRect) []geom.PixRect {
	if len(rects) < 2 {
		return rects
	}
	out := make([]geom.PixRect, 0, len(rects))
	cur := rects[0]
	for _, r := range rects[1:] {
		if r.Y1 == cur.Y1 && r.Y2 == cur.Y2 && r.X1 == cur.X2 {
			cur.X2 = r.X2
			continue
		}
		out = append(out, cur)
		cur = r
	}
	return append(out, cur)
}
