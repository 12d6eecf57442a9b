package rimage

import (
	"testing"

	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/imagekey"
)

func newTestImage(bounds geom.PixRect) *Image {
	return New(imagekey.Key{}, Params{
		Components: imagekey.ComponentsRGBA,
		BitDepth:   8,
		Bounds:     bounds,
		Tiled:      true,
	})
}

func TestEnsureBoundsPreservesPixels(t *testing.T) {
	img := newTestImage(geom.PixRect{X1: 0, Y1: 0, X2: 4, Y2: 4})
	img.Allocate()
	pix, stride := img.Pix()
	// Write a recognizable value into pixel (1,1).
	off := 1*stride + 1*4
	pix[off] = 42

	img.EnsureBounds(geom.PixRect{X1: -2, Y1: -2, X2: 6, Y2: 6})

	newPix, newStride := img.Pix()
	bounds := img.Bounds()
	if bounds != (geom.PixRect{X1: -2, Y1: -2, X2: 6, Y2: 6}) {
		t.Fatalf("bounds = %v, want [-2,-2,6,6]", bounds)
	}
	// Original pixel (1,1) is now at (1-(-2), 1-(-2)) = (3,3).
	newOff := 3*newStride + 3*4
	if newPix[newOff] != 42 {
		t.Fatalf("pixel not preserved after EnsureBounds: got %d, want 42", newPix[newOff])
	}
}

func TestEnsureBoundsNeverShrinks(t *testing.T) {
	img := newTestImage(geom.PixRect{X1: 0, Y1: 0, X2: 10, Y2: 10})
	img.EnsureBounds(geom.PixRect{X1: 2, Y1: 2, X2: 5, Y2: 5})
	if got := img.Bounds(); got != (geom.PixRect{X1: 0, Y1: 0, X2: 10, Y2: 10}) {
		t.Fatalf("bounds shrank: %v", got)
	}
}

func TestEnsureBoundsUnionEquivalence(t *testing.T) {
	a := newTestImage(geom.PixRect{X1: 0, Y1: 0, X2: 4, Y2: 4})
	b := newTestImage(geom.PixRect{X1: 0, Y1: 0, X2: 4, Y2: 4})

	b1 := geom.PixRect{X1: -3, Y1: 0, X2: 4, Y2: 4}
	b2 := geom.PixRect{X1: 0, Y1: -5, X2: 8, Y2: 4}

	a.EnsureBounds(b1)
	a.EnsureBounds(b2)

	b.EnsureBounds(b1.Union(b2))

	if a.Bounds() != b.Bounds() {
		t.Fatalf("sequential ensure_bounds != union ensure_bounds: %v vs %v", a.Bounds(), b.Bounds())
	}
}

func TestAllocateIdempotent(t *testing.T) {
	img := newTestImage(geom.PixRect{X1: 0, Y1: 0, X2: 4, Y2: 4})
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			img.Allocate()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	pix, _ := img.Pix()
	if pix == nil {
		t.Fatal("expected allocated pixel buffer")
	}
}

func TestRenderFailedScopedToAge(t *testing.T) {
	img := newTestImage(geom.PixRect{X1: 0, Y1: 0, X2: 4, Y2: 4})
	img.SetRenderFailed(1)
	if !img.RenderFailed(1) {
		t.Fatal("expected failed for age 1")
	}
	if img.RenderFailed(2) {
		t.Fatal("expected not failed for a different age")
	}
}
