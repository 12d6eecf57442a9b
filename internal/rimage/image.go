package rimage

import (
	"sync"
	"sync/atomic"

	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/imagekey"
)

// Params describes how to allocate an Image's pixel storage. Passed to
// ImageStore.GetOrCreate; ignored if an image under the same key already
// exists (first-writer-wins on shape).
type Params struct {
	Components       imagekey.Components
	BitDepth         int
	PixelAspectRatio float64
	RoD              geom.Rect
	Bounds           geom.PixRect
	MipLevel         int
	Tiled            bool // whether a tile bitmap should track rendering state
}

// Image is a plane instance: components, bit depth, PAR, region of
// definition, bounds, mipmap level, pixel buffer, and — optionally — a tile
// bitmap tracking per-cell rendering state. ImageStore owns the pixel
// buffer; every other component holds a plain *Image pointer, and the
// garbage collector keeps the image alive for as long as any holder does.
type Image struct {
	Key imagekey.Key

	Components       imagekey.Components
	BitDepth         int
	PixelAspectRatio float64
	MipLevel         int

	mu     sync.RWMutex
	rod    geom.Rect
	bounds geom.PixRect
	stride int
	pix    []byte

	allocated atomic.Bool
	allocOnce sync.Once

	Bitmap *TileBitmap // nil if this image does not track tile state

	// renderFailed is scoped to a render-age: set by a worker that observed
	// a tile failure so waiters exit rather than spin. RenderFailed treats
	// a failure recorded under a different age as cleared.
	renderFailed atomic.Bool
	failedAge    atomic.Int64

	// formatVersion records which project-format generation this image's
	// RoD was computed under, so the evaluator can evict entries whose
	// RoD depended on a project format that has since changed.
	formatVersion atomic.Int64
}

// New allocates an Image header (not yet backed by a pixel buffer — see
// Allocate) for the given key and parameters.
func New(key imagekey.Key, p Params) *Image {
	img := &Image{
		Key:              key,
		Components:       p.Components,
		BitDepth:         p.BitDepth,
		PixelAspectRatio: p.PixelAspectRatio,
		MipLevel:         p.MipLevel,
		rod:              p.RoD,
		bounds:           p.Bounds,
	}
	if p.Tiled {
		img.Bitmap = NewTileBitmap(p.Bounds)
	}
	return img
}

// RoD returns the region of definition.
func (img *Image) RoD() geom.Rect {
	img.mu.RLock()
	defer img.mu.RUnlock()
	return img.rod
}

// Bounds returns the pixel bounds, a subset of pixel_enclosing(RoD, mip).
func (img *Image) Bounds() geom.PixRect {
	img.mu.RLock()
	defer img.mu.RUnlock()
	return img.bounds
}

// bytesPerPixel is the storage width used for the raw pixel buffer.
// BitDepth is in bits per component; components come from Components.
func (img *Image) bytesPerPixel() int {
	n := img.Components.Count()
	if n == 0 {
		n = 1
	}
	bytesPerComp := (img.BitDepth + 7) / 8
	if bytesPerComp == 0 {
		bytesPerComp = 1
	}
	return n * bytesPerComp
}

// Allocate backs the image with a pixel buffer. Idempotent: the caller may
// race to call it, but exactly one goroutine performs the allocation.
func (img *Image) Allocate() {
	img.allocOnce.Do(func() {
		img.mu.Lock()
		defer img.mu.Unlock()
		bpp := img.bytesPerPixel()
		img.stride = img.bounds.Width() * bpp
		img.pix = make([]byte, img.stride*img.bounds.Height())
		img.allocated.Store(true)
	})
}

// Allocated reports whether the pixel buffer has been backed yet.
func (img *Image) Allocated() bool { return img.allocated.Load() }

// Pix returns the raw pixel buffer and stride. Callers must hold no
// expectation of stability across a concurrent EnsureBounds — take a
// snapshot (copy the slice header) before handing pixels to a worker.
func (img *Image) Pix() (pix []byte, stride int) {
	img.mu.RLock()
	defer img.mu.RUnlock()
	return img.pix, img.stride
}

// EnsureBounds grows the buffer and bitmap to cover bounds ∪ newBounds,
// preserving existing pixel values. It never shrinks.
func (img *Image) EnsureBounds(newBounds geom.PixRect) {
	img.mu.Lock()
	defer img.mu.Unlock()

	grown := img.bounds.Union(newBounds)
	if grown == img.bounds {
		return
	}

	if img.allocated.Load() {
		bpp := img.bytesPerPixel()
		newStride := grown.Width() * bpp
		newPix := make([]byte, newStride*grown.Height())
		// Copy each existing row into its new position.
		oldStride := img.stride
		rowBytes := img.bounds.Width() * bpp
		offX := (img.bounds.X1 - grown.X1) * bpp
		offY := img.bounds.Y1 - grown.Y1
		for y := 0; y < img.bounds.Height(); y++ {
			srcOff := y * oldStride
			dstOff := (y+offY)*newStride + offX
			copy(newPix[dstOff:dstOff+rowBytes], img.pix[srcOff:srcOff+rowBytes])
		}
		img.pix = newPix
		img.stride = newStride
	}
	img.bounds = grown

	if img.Bitmap != nil {
		img.Bitmap.Grow(grown)
	}
}

// SetRenderFailed marks the image as failed for the given render-age so
// trimap waiters stop waiting rather than spin indefinitely.
func (img *Image) SetRenderFailed(age int64) {
	img.failedAge.Store(age)
	img.renderFailed.Store(true)
}

// RenderFailed reports whether the image is marked failed for the given
// render-age. A failure recorded under a different (older) age is treated
// as cleared — the image was freshly re-entered under a new render.
func (img *Image) RenderFailed(age int64) bool {
	return img.renderFailed.Load() && img.failedAge.Load() == age
}

// ClearRenderFailed resets the failure flag, called when an image is
// freshly re-entered under a new render-age.
func (img *Image) ClearRenderFailed() {
	img.renderFailed.Store(false)
}

// FormatVersion returns the project-format generation this image's RoD was
// computed under.
func (img *Image) FormatVersion() int64 { return img.formatVersion.Load() }

// SetFormatVersion records the project-format generation in effect when
// this image's RoD was computed.
func (img *Image) SetFormatVersion(v int64) { img.formatVersion.Store(v) }
