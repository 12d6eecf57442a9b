package store

import (
	"sync"
	"testing"

	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/rimage"
)

func TestGetOrCreateRaceAllocatesOnce(t *testing.T) {
	s := New()
	key := imagekey.Key{NodeHash: 1, Plane: imagekey.ColorPlane}
	params := rimage.Params{Bounds: geom.PixRect{X1: 0, Y1: 0, X2: 8, Y2: 8}}

	var wg sync.WaitGroup
	results := make([]*rimage.Image, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			img, _ := s.GetOrCreate(key, params)
			results[i] = img
		}(i)
	}
	wg.Wait()

	first := results[0]
	for _, r := range results {
		if r != first {
			t.Fatal("expected every caller to observe the same Image handle")
		}
	}
	if s.Len() != 1 {
		t.Fatalf("expected exactly one stored image, got %d", s.Len())
	}
}

func TestGetOrCreateIgnoresParamsOnHit(t *testing.T) {
	s := New()
	key := imagekey.Key{NodeHash: 1}
	first, created := s.GetOrCreate(key, rimage.Params{MipLevel: 0})
	if !created {
		t.Fatal("expected first call to create")
	}
	second, created := s.GetOrCreate(key, rimage.Params{MipLevel: 3})
	if created {
		t.Fatal("expected second call to be a hit, not a create")
	}
	if second != first || second.MipLevel != 0 {
		t.Fatal("expected the existing image's params to win over the second call's")
	}
}

func TestEvictAllWithHash(t *testing.T) {
	s := New()
	s.GetOrCreate(imagekey.Key{NodeHash: 1, View: 0}, rimage.Params{})
	s.GetOrCreate(imagekey.Key{NodeHash: 1, View: 1}, rimage.Params{})
	s.GetOrCreate(imagekey.Key{NodeHash: 2, View: 0}, rimage.Params{})

	s.EvictAllWithHash(1)

	if s.Len() != 1 {
		t.Fatalf("expected only hash-2 entry to remain, got %d entries", s.Len())
	}
	if _, ok := s.Get(imagekey.Key{NodeHash: 2, View: 0}); !ok {
		t.Fatal("expected hash-2 entry to survive eviction")
	}
}
