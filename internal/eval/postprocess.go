package eval

import (
	stdimage "image"

	"golang.org/x/image/draw"

	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/rimage"
)

// postProcess implements step 15: downscale a full-scale render to the
// caller's requested mipmap level if the node could only work at level 0,
// and convert bit depth if what was rendered differs from what was
// requested. Returns img unchanged if neither is needed. The component
// layout is never converted: plane is not consulted, and the result keeps
// img's components.
func (e *Evaluator) postProcess(img *rimage.Image, plane imagekey.Plane, args Args, requestedMip, renderedMip int) *rimage.Image {
	result := img
	if requestedMip != renderedMip {
		result = downscaleImage(result, requestedMip)
	}
	if args.BitDepth != 0 && args.BitDepth != result.BitDepth {
		result = convertBitDepth(result, args.BitDepth)
	}
	return result
}

// downscaleImage produces a new Image at targetMip from a level-0 render,
// using golang.org/x/image/draw's bilinear scaler on the 8-bit RGBA fast
// path; other bit depths fall back to a nearest-pixel copy over raw bytes,
// since draw.Scaler works in terms of color.Color and would lose precision
// round-tripping through it for higher bit depths.
func downscaleImage(src *rimage.Image, targetMip int) *rimage.Image {
	scale := geom.Scale(targetMip)
	srcBounds := src.Bounds()
	dstBounds := geom.PixRect{
		X1: int(float64(srcBounds.X1) * scale),
		Y1: int(float64(srcBounds.Y1) * scale),
		X2: int(float64(srcBounds.X2) * scale),
		Y2: int(float64(srcBounds.Y2) * scale),
	}
	if dstBounds.IsEmpty() {
		return src
	}

	dst := rimage.New(src.Key, rimage.Params{
		Components:       src.Components,
		BitDepth:         src.BitDepth,
		PixelAspectRatio: src.PixelAspectRatio,
		RoD:              src.RoD(),
		Bounds:           dstBounds,
		MipLevel:         targetMip,
	})
	dst.Allocate()

	if src.BitDepth == 8 && src.Components == imagekey.ComponentsRGBA {
		downscaleRGBA8(src, dst)
		return dst
	}
	downscaleBoxFilter(src, dst)
	return dst
}

func downscaleRGBA8(src, dst *rimage.Image) {
	srcPix, srcStride := src.Pix()
	srcB := src.Bounds()
	srcImg := &stdimage.RGBA{
		Pix:    srcPix,
		Stride: srcStride,
		Rect:   stdimage.Rect(0, 0, srcB.Width(), srcB.Height()),
	}

	dstPix, dstStride := dst.Pix()
	dstB := dst.Bounds()
	dstImg := &stdimage.RGBA{
		Pix:    dstPix,
		Stride: dstStride,
		Rect:   stdimage.Rect(0, 0, dstB.Width(), dstB.Height()),
	}

	draw.ApproxBiLinear.Scale(dstImg, dstImg.Rect, srcImg, srcImg.Rect, draw.Over, nil)
}

// downscaleBoxFilter handles non-8bit-RGBA planes (auxiliary planes, higher
// bit depths) by copying, for each destination pixel, the raw bytes of the
// one source pixel it maps to; no averaging is done.
func downscaleBoxFilter(src, dst *rimage.Image) {
	srcPix, srcStride := src.Pix()
	dstPix, dstStride := dst.Pix()
	srcB, dstB := src.Bounds(), dst.Bounds()
	if dstB.Width() == 0 || dstB.Height() == 0 {
		return
	}
	bpp := len(dstPix) / max(1, dstB.Width()*dstB.Height())
	if bpp == 0 {
		return
	}
	xRatio := float64(srcB.Width()) / float64(dstB.Width())
	yRatio := float64(srcB.Height()) / float64(dstB.Height())

	for dy := 0; dy < dstB.Height(); dy++ {
		sy := int(float64(dy) * yRatio)
		if sy >= srcB.Height() {
			sy = srcB.Height() - 1
		}
		for dx := 0; dx < dstB.Width(); dx++ {
			sx := int(float64(dx) * xRatio)
			if sx >= srcB.Width() {
				sx = srcB.Width() - 1
			}
			srcOff := sy*srcStride + sx*bpp
			dstOff := dy*dstStride + dx*bpp
			if srcOff+bpp <= len(srcPix) && dstOff+bpp <= len(dstPix) {
				copy(dstPix[dstOff:dstOff+bpp], srcPix[srcOff:srcOff+bpp])
			}
		}
	}
}

// convertBitDepth produces a copy of src scaled to a different bit depth
// per component. Only the common 8<->16 bit widening/narrowing used by the
// image formats this core targets is implemented; anything else is
// returned unconverted (documented limitation, not silently wrong data —
// callers compare BitDepth themselves before trusting the result).
func convertBitDepth(src *rimage.Image, targetBitDepth int) *rimage.Image {
	if targetBitDepth != 8 && targetBitDepth != 16 {
		return src
	}
	dst := rimage.New(src.Key, rimage.Params{
		Components:       src.Components,
		BitDepth:         targetBitDepth,
		PixelAspectRatio: src.PixelAspectRatio,
		RoD:              src.RoD(),
		Bounds:           src.Bounds(),
		MipLevel:         src.MipLevel,
	})
	dst.Allocate()

	srcPix, _ := src.Pix()
	dstPix, _ := dst.Pix()
	srcBytesPerComp := (src.BitDepth + 7) / 8
	dstBytesPerComp := (targetBitDepth + 7) / 8
	n := len(dstPix) / dstBytesPerComp
	for i := 0; i < n && i*srcBytesPerComp+srcBytesPerComp <= len(srcPix); i++ {
		switch {
		case srcBytesPerComp == 1 && dstBytesPerComp == 2:
			v := uint16(srcPix[i]) * 257 // 8-bit -> 16-bit full-range scale
			dstPix[i*2] = byte(v >> 8)
			dstPix[i*2+1] = byte(v)
		case srcBytesPerComp == 2 && dstBytesPerComp == 1:
			v := uint16(srcPix[i*2])<<8 | uint16(srcPix[i*2+1])
			dstPix[i] = byte(v / 257)
		default:
			copy(dstPix[i*dstBytesPerComp:(i+1)*dstBytesPerComp], srcPix[i*srcBytesPerComp:(i+1)*srcBytesPerComp])
		}
	}
	return dst
}
