package eval

import (
	"github.com/nodeforge/compositor/internal/actioncache"
	"github.com/nodeforge/compositor/internal/effect"
	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/rendercontext"
)

// checkIdentity implements step 5, through the ActionCache.
func (e *Evaluator) checkIdentity(cache *actioncache.Cache, hash uint64, ctx *rendercontext.Context, node effect.Node, rod geom.Rect) (actioncache.Identity, bool) {
	if cached, ok := cache.GetIdentity(hash, ctx.Time, ctx.View, ctx.MipLevel); ok {
		if cached.InputIdx == actioncache.None {
			return actioncache.Identity{}, false
		}
		return cached, true
	}

	result, ok := node.IsIdentity(ctx.Time, ctx.View, ctx.MipLevel, rod)
	if !ok {
		cache.SetIdentity(hash, ctx.Time, ctx.View, ctx.MipLevel, actioncache.Identity{InputIdx: actioncache.None})
		return actioncache.Identity{}, false
	}
	id := actioncache.Identity{InputIdx: result.InputIdx, Time: result.Time}
	cache.SetIdentity(hash, ctx.Time, ctx.View, ctx.MipLevel, id)
	return id, true
}
