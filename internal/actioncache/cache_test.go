package actioncache

import (
	"testing"

	"github.com/nodeforge/compositor/internal/geom"
)

func TestRoDFirstWriteWins(t *testing.T) {
	c := New(7)
	r1 := geom.Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}
	r2 := geom.Rect{X1: 0, Y1: 0, X2: 99, Y2: 99}

	c.SetRoD(7, 1, 0, 0, r1)
	c.SetRoD(7, 1, 0, 0, r2) // should be ignored

	got, ok := c.GetRoD(7, 1, 0, 0)
	if !ok || got != r1 {
		t.Fatalf("GetRoD = %v, %v; want %v, true (first write should win)", got, ok, r1)
	}
}

func TestIdentityOverwritePermitted(t *testing.T) {
	c := New(7)
	c.SetIdentity(7, 1, 0, 0, Identity{InputIdx: 0, Time: 1})
	c.SetIdentity(7, 1, 0, 0, Identity{InputIdx: 1, Time: 2})

	got, ok := c.GetIdentity(7, 1, 0, 0)
	if !ok || got.InputIdx != 1 || got.Time != 2 {
		t.Fatalf("GetIdentity = %v, %v; want the second write to win", got, ok)
	}
}

func TestStaleTagMisses(t *testing.T) {
	c := New(7)
	c.SetRoD(7, 1, 0, 0, geom.Rect{X1: 0, Y1: 0, X2: 1, Y2: 1})

	if _, ok := c.GetRoD(8, 1, 0, 0); ok {
		t.Fatal("expected a miss when querying with a stale/different tag")
	}
}

func TestInvalidateAllClearsAndRetags(t *testing.T) {
	c := New(7)
	c.SetRoD(7, 1, 0, 0, geom.Rect{X1: 0, Y1: 0, X2: 1, Y2: 1})
	c.SetTimeDomain(7, 1, 100)

	c.InvalidateAll(8)

	if _, ok := c.GetRoD(7, 1, 0, 0); ok {
		t.Fatal("expected old-tag entries gone after invalidate")
	}
	if _, ok := c.GetRoD(8, 1, 0, 0); ok {
		t.Fatal("expected the table cleared, not merely re-tagged")
	}
	if c.Tag() != 8 {
		t.Fatalf("Tag() = %d, want 8", c.Tag())
	}
}

func TestMonotonicityWithinHash(t *testing.T) {
	c := New(1)
	r := geom.Rect{X1: 0, Y1: 0, X2: 5, Y2: 5}
	c.SetRoD(1, 1, 0, 0, r)
	for i := 0; i < 5; i++ {
		got, ok := c.GetRoD(1, 1, 0, 0)
		if !ok || got != r {
			t.Fatalf("iteration %d: GetRoD = %v, %v; want stable %v", i, got, ok, r)
		}
	}
}
