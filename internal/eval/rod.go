package eval

import (
	"fmt"

	"github.com/nodeforge/compositor/internal/actioncache"
	"github.com/nodeforge/compositor/internal/effect"
	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/rendercontext"
)

// resolveRoD implements step 4: obtain the region of definition, through
// ActionCache unless the caller precomputed it, and apply the infinity
// heuristic when any side is unbounded.
func (e *Evaluator) resolveRoD(ctx *rendercontext.Context, node effect.Node, cache *actioncache.Cache, hash uint64, args Args) (geom.Rect, effect.Status) {
	var rod geom.Rect
	if args.PrecomputedRoD != nil {
		rod = *args.PrecomputedRoD
	} else if cached, ok := cache.GetRoD(hash, ctx.Time, ctx.View, ctx.MipLevel); ok {
		rod = cached
	} else {
		groupKey := fmt.Sprintf("%d:%g:%d:%d", hash, ctx.Time, ctx.View, ctx.MipLevel)
		v, err, _ := e.rodGroup.Do(groupKey, func() (interface{}, error) {
			return node.RegionOfDefinition(ctx.Time, ctx.View, ctx.MipLevel)
		})
		if err != nil {
			return geom.Rect{}, effect.Failed
		}
		r := v.(geom.Rect)
		cache.SetRoD(hash, ctx.Time, ctx.View, ctx.MipLevel, r)
		rod = r
	}

	if rod.IsInfinite() {
		rod = e.clipInfiniteRoD(ctx, node, rod)
	}
	return rod, effect.OK
}

// clipInfiniteRoD replaces unbounded sides with the union of the node's
// upstream RoDs, falling back to the project default format for sides
// still unbounded after that.
func (e *Evaluator) clipInfiniteRoD(ctx *rendercontext.Context, node effect.Node, rod geom.Rect) geom.Rect {
	union := geom.Rect{}
	for _, input := range node.Inputs() {
		if input == nil {
			continue
		}
		r, err := input.RegionOfDefinition(ctx.Time, ctx.View, ctx.MipLevel)
		if err != nil || r.IsInfinite() {
			continue
		}
		union = union.Union(r)
	}
	if union.IsEmpty() {
		union = e.ProjectFormat
	}

	clipped := rod
	if clipped.X1 <= -geom.Inf {
		clipped.X1 = union.X1
	}
	if clipped.Y1 <= -geom.Inf {
		clipped.Y1 = union.Y1
	}
	if clipped.X2 >= geom.Inf {
		clipped.X2 = union.X2
	}
	if clipped.Y2 >= geom.Inf {
		clipped.Y2 = union.Y2
	}
	return clipped
}
