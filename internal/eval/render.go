package eval

import (
	"github.com/nodeforge/compositor/internal/dispatch"
	"github.com/nodeforge/compositor/internal/effect"
	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/rendercontext"
	"github.com/nodeforge/compositor/internal/rimage"
)

// renderOwnPlane implements steps 8-16 of render_region for a single plane
// this node itself produces (as opposed to one spliced in from an upstream
// producer in step 6). On success it writes the rendered image into out
// and returns effect.OK.
func (e *Evaluator) renderOwnPlane(
	ctx *rendercontext.Context,
	node effect.Node,
	hash uint64,
	mip int,
	needsDownscale bool,
	plane imagekey.Plane,
	rod geom.Rect,
	requested geom.PixRect,
	roi geom.Rect,
	args Args,
	out map[imagekey.Plane]*rimage.Image,
) effect.Status {
	renderMip := mip
	if needsDownscale {
		renderMip = 0
	}

	key := imagekey.Key{NodeHash: hash, Plane: plane, Time: ctx.Time, View: ctx.View, MipLevel: renderMip}

	// Step 8: cache lookup.
	img, matched := e.lookupCache(key, plane, args)

	renderBounds := requested
	if needsDownscale {
		renderBounds = geom.ToPixelEnclosing(rod, 0, 1.0)
	}

	if !matched {
		newImg, _ := e.Store.GetOrCreate(key, rimage.Params{
			Components:       plane.Components,
			BitDepth:         args.BitDepth,
			PixelAspectRatio: 1.0,
			RoD:              rod,
			Bounds:           renderBounds,
			MipLevel:         renderMip,
			Tiled:            true,
		})
		newImg.SetFormatVersion(e.FormatVersion.Load())
		img = newImg
	}
	img.Allocate()
	img.EnsureBounds(renderBounds)

	// Step 9: plan tiles, consulting the tri-map so peers' in-flight work
	// is waited on rather than re-rendered.
	owner := e.nextOwnerID()
	underPressure := e.MemoryPressure != nil && e.MemoryPressure()

	waitRect := renderBounds
	if !underPressure {
		waitRect = img.Bounds().Intersect(renderBounds)
		if waitRect.IsEmpty() {
			waitRect = renderBounds
		}
	}

	waitResult := e.Coordinator.WaitUntilDoneElsewhere(img, waitRect, owner, ctx.RenderAge, ctx.Aborted)
	if waitResult.Aborted {
		return effect.Aborted
	}
	missing := waitResult.Missing
	if !node.SupportsTiles() || underPressure {
		if len(missing) > 0 {
			missing = []geom.PixRect{renderBounds}
		}
	}

	if len(missing) > 0 {
		// Step 10: recursive input fetch for the region actually needed.
		held := e.fetchInputs(ctx, node, roi, args)
		ctx.SetInputImages(held)

		hostTiled := node.Safety() == effect.HostTiled
		var tiles []geom.PixRect
		for _, m := range missing {
			tiles = append(tiles, dispatch.PlanTiles(m, hostTiled || !node.SupportsTiles())...)
		}

		if node.SequentialPreference() == effect.SequentialOnly {
			node.BeginSequence(ctx.FirstFrame, ctx.LastFrame, 1, ctx.Interactive, effect.RenderScale{X: 1, Y: 1}, ctx.View)
			defer node.EndSequence()
		}

		err := e.Dispatcher.Dispatch(ctx, dispatch.Request{
			Node:    node,
			Image:   img,
			Plane:   plane,
			Tiles:   tiles,
			OwnerID: owner,
			Args: effect.RenderArgs{
				Time:          ctx.Time,
				View:          ctx.View,
				Scale:         effect.RenderScale{X: geom.Scale(renderMip), Y: geom.Scale(renderMip)},
				IsSequential:  ctx.Sequential,
				IsInteractive: ctx.Interactive,
			},
		})
		if err != nil {
			return effect.Failed
		}
		if ctx.Aborted() {
			return effect.Aborted
		}
	}

	// Step 15: post-process (downscale / bit-depth conversion).
	final := e.postProcess(img, plane, args, mip, renderMip)
	out[plane] = final
	return effect.OK
}

// lookupCache applies the cache-match policies of step 8 to the image
// stored under key: bypass_cache, stale project-format eviction, and a
// component check (exact, or a superset for the color plane). Only key
// itself is looked up, so a cached image at a finer mipmap level is never
// used as a downscale source.
func (e *Evaluator) lookupCache(key imagekey.Key, plane imagekey.Plane, args Args) (*rimage.Image, bool) {
	if args.BypassCache {
		e.Store.Evict(key)
		return nil, false
	}

	img, ok := e.Store.Get(key)
	if !ok {
		return nil, false
	}

	if img.FormatVersion() != e.FormatVersion.Load() {
		e.Store.Evict(key)
		return nil, false
	}

	if img.Components == plane.Components {
		return img, true
	}

	// Color plane: a component mismatch is acceptable if the cached image
	// carries no fewer channels than requested (a convertible superset).
	if plane.Kind == imagekey.PlaneColor && img.Components.Count() >= plane.Components.Count() {
		return img, true
	}

	return nil, false
}

// fetchInputs implements step 10: learn each input's required region via
// RegionsOfInterest, then recursively render_region it at each time
// FramesNeeded declares for the current view (the current time if none is
// declared). The last image rendered for each input is kept, keyed by
// input index so the node's Render call can retrieve it via
// rendercontext.GetImage.
func (e *Evaluator) fetchInputs(ctx *rendercontext.Context, node effect.Node, roi geom.Rect, args Args) map[int]*rimage.Image {
	inputs := node.Inputs()
	if len(inputs) == 0 {
		return nil
	}

	rois := node.RegionsOfInterest(ctx.Time, ctx.View, ctx.MipLevel, roi)
	frames := node.FramesNeeded(ctx.Time, ctx.View)

	held := make(map[int]*rimage.Image, len(inputs))
	for idx, input := range inputs {
		if input == nil {
			continue
		}
		inputRoI, hasRoI := rois[idx]
		if !hasRoI {
			inputRoI = roi
		}
		inputRect := geom.ToPixelEnclosing(inputRoI, ctx.MipLevel, 1.0)

		times := []float64{ctx.Time}
		if byView, ok := frames[idx]; ok {
			if ranges, ok := byView[ctx.View]; ok && len(ranges) > 0 {
				times = times[:0]
				for _, r := range ranges {
					if r.Step <= 0 {
						times = append(times, r.First)
						continue
					}
					for t := r.First; t <= r.Last; t += r.Step {
						times = append(times, t)
					}
				}
			}
		}

		var last *rimage.Image
		for _, t := range times {
			res := e.RenderRegion(ctx.WithTime(t).WithRoI(inputRoI), input, Args{
				Time: t, View: ctx.View, MipLevel: ctx.MipLevel,
				Rect: inputRect, Planes: args.Planes, BitDepth: args.BitDepth, Held: args.Held,
			})
			if res.Status != effect.OK {
				continue
			}
			for _, img := range res.Planes {
				last = img
			}
		}
		if last != nil {
			held[idx] = last
		}
	}
	return held
}
