package diskcache

import (
	"testing"
	"time"

	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/rimage"
)

func waitForEntry(t *testing.T, c *Cache, key imagekey.Key) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.RLock()
		_, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for diskcache entry to be written")
}

func TestPutGetRoundTrip(t *testing.T) {
	c := New(Config{Dir: t.TempDir()})
	defer c.Close()

	key := imagekey.Key{NodeHash: 42, Plane: imagekey.ColorPlane, Time: 3.5, View: 0, MipLevel: 1}
	img := rimage.New(key, rimage.Params{
		Components: imagekey.ComponentsRGBA, BitDepth: 8, PixelAspectRatio: 1.0,
		RoD: geom.Rect{X1: 0, Y1: 0, X2: 4, Y2: 4}, Bounds: geom.PixRect{X1: 0, Y1: 0, X2: 4, Y2: 4},
	})
	img.Allocate()
	pix, _ := img.Pix()
	for i := range pix {
		pix[i] = byte(i)
	}

	c.Put(key, img)
	waitForEntry(t, c, key)

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected a cache hit after Put")
	}
	gotPix, _ := got.Pix()
	if len(gotPix) != len(pix) {
		t.Fatalf("pixel length mismatch: got %d, want %d", len(gotPix), len(pix))
	}
	for i := range pix {
		if gotPix[i] != pix[i] {
			t.Fatalf("pixel %d mismatch: got %d, want %d", i, gotPix[i], pix[i])
		}
	}
	if got.Key.Time != key.Time || got.Key.NodeHash != key.NodeHash {
		t.Fatalf("key mismatch: got %+v, want %+v", got.Key, key)
	}
	if got.RoD() != (geom.Rect{X1: 0, Y1: 0, X2: 4, Y2: 4}) {
		t.Fatalf("RoD mismatch: got %+v", got.RoD())
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := New(Config{Dir: t.TempDir()})
	defer c.Close()

	if _, ok := c.Get(imagekey.Key{NodeHash: 1}); ok {
		t.Fatal("expected a miss on an empty cache")
	}
}

func TestEvictUntilUnderLimitDropsLeastRecentlyUsed(t *testing.T) {
	c := New(Config{Dir: t.TempDir(), SizeLimitBytes: 1})
	defer c.Close()

	keyOld := imagekey.Key{NodeHash: 1, Plane: imagekey.ColorPlane}
	keyNew := imagekey.Key{NodeHash: 2, Plane: imagekey.ColorPlane}
	mkImg := func(k imagekey.Key) *rimage.Image {
		img := rimage.New(k, rimage.Params{
			Components: imagekey.ComponentsRGBA, BitDepth: 8, PixelAspectRatio: 1.0,
			RoD: geom.Rect{X1: 0, Y1: 0, X2: 2, Y2: 2}, Bounds: geom.PixRect{X1: 0, Y1: 0, X2: 2, Y2: 2},
		})
		img.Allocate()
		return img
	}

	c.Put(keyOld, mkImg(keyOld))
	waitForEntry(t, c, keyOld)
	c.Put(keyNew, mkImg(keyNew))
	waitForEntry(t, c, keyNew)

	// With a 1-byte size limit, every write triggers eviction down to (at
	// most) the most recently written entry.
	time.Sleep(10 * time.Millisecond)
	c.mu.RLock()
	_, hasOld := c.entries[keyOld]
	_, hasNew := c.entries[keyNew]
	c.mu.RUnlock()
	if hasOld {
		t.Fatal("expected the older entry to be evicted under the size limit")
	}
	if !hasNew {
		t.Fatal("expected the newest entry to survive eviction")
	}
}
