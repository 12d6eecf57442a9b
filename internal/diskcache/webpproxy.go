// webpproxy.go holds a small in-memory tier of WebP-compressed proxies for
// images the primary cache has evicted. It is a last resort: a proxy hit
// returns a lossy reconstruction (rather than forcing the caller back to a
// full upstream re-render) at a fraction of the raw entry's byte cost.
package diskcache

import (
	"errors"
	"image"
	"sync"

	"github.com/nodeforge/compositor/internal/encode"
	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/rimage"
)

var errEmptyImage = errors.New("diskcache: empty image")

// proxyEntry is one WebP-encoded stand-in for an evicted image.
type proxyEntry struct {
	data   []byte
	key    imagekey.Key
	params rimage.Params
}

// proxyTier retains WebP proxies of evicted images under a separate, much
// smaller byte budget than the primary spill file. Eviction is FIFO: a
// proxy is already a degraded last resort, so the extra bookkeeping of a
// second LRU list buys nothing the primary cache's LRU doesn't already
// capture for genuinely hot entries.
type proxyTier struct {
	mu        sync.Mutex
	order     []imagekey.Key
	entries   map[imagekey.Key]proxyEntry
	enc       encode.Encoder
	sizeBytes int64
	limit     int64
}

func newProxyTier(quality int, limitBytes int64) *proxyTier {
	if quality <= 0 {
		quality = 60
	}
	enc, err := encode.NewEncoder("webp", quality)
	if err != nil {
		// No CGO libwebp available in this build; proxies are simply
		// disabled rather than failing the cache.
		return &proxyTier{entries: make(map[imagekey.Key]proxyEntry), limit: limitBytes}
	}
	return &proxyTier{entries: make(map[imagekey.Key]proxyEntry), enc: enc, limit: limitBytes}
}

// store WebP-encodes img and retains it, evicting the oldest proxies to
// stay under the configured byte budget. A no-op if WebP encoding is
// unavailable or fails (proxies are strictly best-effort).
func (t *proxyTier) store(key imagekey.Key, img *rimage.Image) {
	if t.enc == nil || t.limit <= 0 {
		return
	}
	rgba, err := imageToNRGBA(img)
	if err != nil {
		return
	}
	data, err := t.enc.Encode(rgba)
	if err != nil {
		return
	}

	bounds := img.Bounds()
	params := rimage.Params{
		Components: img.Components, BitDepth: img.BitDepth,
		PixelAspectRatio: img.PixelAspectRatio, RoD: img.RoD(),
		Bounds: bounds, MipLevel: img.MipLevel,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, exists := t.entries[key]; exists {
		t.sizeBytes -= int64(len(old.data))
	} else {
		t.order = append(t.order, key)
	}
	t.entries[key] = proxyEntry{data: data, key: key, params: params}
	t.sizeBytes += int64(len(data))

	for t.sizeBytes > t.limit && len(t.order) > 0 {
		oldest := t.order[0]
		t.order = t.order[1:]
		if e, ok := t.entries[oldest]; ok {
			t.sizeBytes -= int64(len(e.data))
			delete(t.entries, oldest)
		}
	}
}

// get reconstructs a lossy *rimage.Image from a retained proxy, or
// (nil, false) if none is held for key.
func (t *proxyTier) get(key imagekey.Key) (*rimage.Image, bool) {
	t.mu.Lock()
	e, ok := t.entries[key]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}

	decoded, err := encode.DecodeImage(e.data, "webp")
	if err != nil {
		return nil, false
	}

	img := rimage.New(key, e.params)
	img.Allocate()
	pix, stride := img.Pix()
	b := decoded.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, a := decoded.At(b.Min.X+x, b.Min.Y+y).RGBA()
			off := y*stride + x*4
			if off+4 > len(pix) {
				continue
			}
			pix[off], pix[off+1], pix[off+2], pix[off+3] = byte(r>>8), byte(g>>8), byte(bl>>8), byte(a>>8)
		}
	}
	return img, true
}

// imageToNRGBA converts a rendered plane's raw buffer to an *image.NRGBA
// for WebP encoding. Color-space math is out of scope here — this is a
// direct channel copy, not a conversion.
func imageToNRGBA(img *rimage.Image) (*image.NRGBA, error) {
	bounds := img.Bounds()
	w, h := bounds.Width(), bounds.Height()
	pix, stride := img.Pix()
	if pix == nil || w <= 0 || h <= 0 {
		return nil, errEmptyImage
	}

	n := img.Components.Count()
	if n == 0 {
		n = 1
	}
	bytesPerComp := (img.BitDepth + 7) / 8
	if bytesPerComp == 0 {
		bytesPerComp = 1
	}
	bpp := n * bytesPerComp

	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		srcRow := pix[y*stride:]
		dstRow := out.Pix[y*out.Stride:]
		for x := 0; x < w; x++ {
			src := srcRow[x*bpp:]
			dst := dstRow[x*4 : x*4+4]
			channel := func(i int) byte { return src[i*bytesPerComp] }
			switch img.Components {
			case imagekey.ComponentsRGBA:
				dst[0], dst[1], dst[2], dst[3] = channel(0), channel(1), channel(2), channel(3)
			case imagekey.ComponentsRGB:
				dst[0], dst[1], dst[2], dst[3] = channel(0), channel(1), channel(2), 255
			case imagekey.ComponentsAlpha:
				v := channel(0)
				dst[0], dst[1], dst[2], dst[3] = v, v, v, 255
			default:
				dst[0], dst[1], dst[2], dst[3] = 0, 0, 0, 255
			}
		}
	}
	return out, nil
}
