// Package filewriter implements effect.OutputDevice by encoding each
// delivered frame's color plane to an image file, one file per frame. It
// reuses the internal/encode tile encoder abstraction for the actual byte
// encoding, generalized from "one encoded tile per zoom/x/y" to "one
// encoded frame per render-core delivery".
package filewriter

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/nodeforge/compositor/internal/effect"
	"github.com/nodeforge/compositor/internal/encode"
	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/metrics"
	"github.com/nodeforge/compositor/internal/rimage"
)

// Config configures a Writer.
type Config struct {
	Dir        string // output directory; created if missing
	Format     string // "png", "jpeg", "webp" — see internal/encode
	Quality    int    // encoder quality, where applicable
	NamePrefix string // filename prefix; default "frame"
	FirstFrame, LastFrame float64
	Reporter   *metrics.Reporter // optional; nil disables progress reporting

	// Verify, if true, decodes each frame immediately after writing it and
	// checks its dimensions against the source plane — catching a corrupt
	// encode before the run otherwise reports success.
	Verify bool
}

// Writer drains a scheduler's delivered frames to disk. One Writer instance
// is the OutputDevice passed to engine.RenderEngine.StartRender.
type Writer struct {
	dir     string
	enc     encode.Encoder
	prefix  string
	first, last float64
	reporter *metrics.Reporter
	verify   bool

	frameNo atomic.Int64

	mu       sync.Mutex
	lastErr  error
	stopCh   chan effect.StopReason
	doneOnce sync.Once
}

// New creates a Writer. It returns an error if the format is unsupported or
// the output directory cannot be created.
func New(cfg Config) (*Writer, error) {
	enc, err := encode.NewEncoder(cfg.Format, cfg.Quality)
	if err != nil {
		return nil, fmt.Errorf("filewriter: %w", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("filewriter: creating output dir: %w", err)
	}
	prefix := cfg.NamePrefix
	if prefix == "" {
		prefix = "frame"
	}
	return &Writer{
		dir: cfg.Dir, enc: enc, prefix: prefix,
		first: cfg.FirstFrame, last: cfg.LastFrame,
		reporter: cfg.Reporter, verify: cfg.Verify,
		stopCh: make(chan effect.StopReason, 1),
	}, nil
}

// Wait blocks until the render this Writer is driving stops, returning why.
func (w *Writer) Wait() effect.StopReason {
	return <-w.stopCh
}

// LastError returns the most recent failure reported via ReportFailure, if
// any.
func (w *Writer) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Deliver encodes the color plane of the frame and writes it to disk.
func (w *Writer) Deliver(time float64, view int, planes map[string]*rimage.Image) error {
	img, ok := planes[imagekey.ColorPlane.String()]
	if !ok {
		return fmt.Errorf("filewriter: frame at t=%g view=%d has no color plane", time, view)
	}

	rgba, err := toRGBA(img)
	if err != nil {
		return fmt.Errorf("filewriter: t=%g: %w", time, err)
	}

	data, err := w.enc.Encode(rgba)
	if err != nil {
		return fmt.Errorf("filewriter: encoding t=%g: %w", time, err)
	}

	n := w.frameNo.Add(1)
	name := fmt.Sprintf("%s.%05d%s", w.prefix, n, w.enc.FileExtension())
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("filewriter: writing %s: %w", path, err)
	}

	if w.verify {
		if err := verifyWritten(data, w.enc.Format(), rgba.Bounds().Dx(), rgba.Bounds().Dy()); err != nil {
			return fmt.Errorf("filewriter: verifying %s: %w", path, err)
		}
	}

	if w.reporter != nil {
		w.reporter.FrameDelivered()
	}
	return nil
}

func (w *Writer) TimelineStep(direction int)   {}
func (w *Writer) TimelineGoto(time float64)    {}
func (w *Writer) TimelineGetTime() float64     { return 0 }

// FrameRangeToRender reports the range this Writer was configured to drive.
func (w *Writer) FrameRangeToRender() (first, last float64) { return w.first, w.last }

func (w *Writer) OnRenderStarted() {}

// OnRenderStopped finalizes the progress reporter (if any) and signals any
// Wait caller.
func (w *Writer) OnRenderStopped(reason effect.StopReason) {
	if w.reporter != nil {
		w.reporter.Finish()
	}
	w.doneOnce.Do(func() { w.stopCh <- reason })
}

func (w *Writer) ReportFPS(actual, desired float64) {
	if w.reporter != nil {
		w.reporter.ReportFPS(actual, desired)
	}
}

func (w *Writer) ReportFrameRendered(time float64) {}

// ReportFailure records the most recent render failure so a CLI caller can
// surface it after the run winds down.
func (w *Writer) ReportFailure(message string) {
	w.mu.Lock()
	w.lastErr = fmt.Errorf("%s", message)
	w.mu.Unlock()
	if w.reporter != nil {
		w.reporter.FrameFailed()
	}
}

// verifyWritten decodes a just-encoded frame back and checks its dimensions
// against the source, catching a corrupt encode before the run reports
// success (webp and jpeg are lossy, so pixel values are not compared).
func verifyWritten(data []byte, format string, wantW, wantH int) error {
	decoded, err := encode.DecodeImage(data, format)
	if err != nil {
		return err
	}
	b := decoded.Bounds()
	if b.Dx() != wantW || b.Dy() != wantH {
		return fmt.Errorf("decoded size %dx%d != encoded size %dx%d", b.Dx(), b.Dy(), wantW, wantH)
	}
	return nil
}

// toRGBA converts a rendered plane's raw pixel buffer to an *image.RGBA,
// best-effort across component layouts. Color-space math is out of scope
// here — this is a direct channel copy, not a conversion.
func toRGBA(img *rimage.Image) (*image.RGBA, error) {
	bounds := img.Bounds()
	w, h := bounds.Width(), bounds.Height()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("empty bounds %v", bounds)
	}
	pix, stride := img.Pix()
	if pix == nil {
		return nil, fmt.Errorf("image not allocated")
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	n := img.Components.Count()
	if n == 0 {
		n = 1
	}
	bytesPerComp := (img.BitDepth + 7) / 8
	if bytesPerComp == 0 {
		bytesPerComp = 1
	}
	bpp := n * bytesPerComp

	for y := 0; y < h; y++ {
		srcRow := pix[y*stride:]
		dstRow := out.Pix[y*out.Stride:]
		for x := 0; x < w; x++ {
			src := srcRow[x*bpp:]
			dst := dstRow[x*4 : x*4+4]
			// Each channel occupies bytesPerComp bytes; take the first
			// (most-significant, for the big-endian sample layout raw
			// pixels are stored in) byte of each channel's run.
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
