package filewriter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nodeforge/compositor/internal/effect"
	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/rimage"
)

func makeImage(t *testing.T) *rimage.Image {
	t.Helper()
	key := imagekey.Key{NodeHash: 1, Plane: imagekey.ColorPlane}
	img := rimage.New(key, rimage.Params{
		Components: imagekey.ComponentsRGBA, BitDepth: 8, PixelAspectRatio: 1,
		RoD:    geom.Rect{X1: 0, Y1: 0, X2: 2, Y2: 2},
		Bounds: geom.PixRect{X1: 0, Y1: 0, X2: 2, Y2: 2},
	})
	img.Allocate()
	pix, _ := img.Pix()
	for i := range pix {
		pix[i] = 0xAB
	}
	return img
}

func TestDeliverWritesOneFilePerFrame(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Dir: dir, Format: "png", FirstFrame: 1, LastFrame: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	planes := map[string]*rimage.Image{imagekey.ColorPlane.String(): makeImage(t)}
	for i := 0; i < 3; i++ {
		if err := w.Deliver(float64(i+1), 0, planes); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 files, got %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != ".png" {
		t.Fatalf("expected a .png file, got %s", entries[0].Name())
	}
}

func TestDeliverVerifiesEncodedDimensions(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Dir: dir, Format: "png", Verify: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	planes := map[string]*rimage.Image{imagekey.ColorPlane.String(): makeImage(t)}
	if err := w.Deliver(1, 0, planes); err != nil {
		t.Fatalf("Deliver with Verify: %v", err)
	}
}

func TestDeliverMissingColorPlaneErrors(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Dir: dir, Format: "png"})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Deliver(1, 0, map[string]*rimage.Image{}); err == nil {
		t.Fatal("expected an error when the color plane is missing")
	}
}

func TestOnRenderStoppedSignalsWait(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Dir: dir, Format: "png"})
	if err != nil {
		t.Fatal(err)
	}
	go w.OnRenderStopped(effect.StopFinished)
	if got := w.Wait(); got != effect.StopFinished {
		t.Fatalf("Wait = %v, want StopFinished", got)
	}
}
