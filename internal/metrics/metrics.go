// Package metrics reports rendering throughput to the terminal: frames
// delivered, actual vs. desired FPS, and elapsed time, refreshed on a
// ticker rather than on every delivery so a fast render doesn't thrash
// the terminal with redraws.
package metrics

import (
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Reporter prints an in-place terminal line tracking a render's progress.
// Safe for concurrent use: Report methods may be called from any producer
// or consumer goroutine.
type Reporter struct {
	label    string
	total    int64 // 0 if unknown (interactive/looping playback)
	start    time.Time
	done     chan struct{}
	doneOnce sync.Once

	delivered    atomic.Int64
	failures     atomic.Int64
	lastActualFPS atomic.Uint64 // math.Float64bits
	lastDesiredFPS atomic.Uint64

	mu sync.Mutex
}

// New creates a Reporter and starts its refresh loop. total is the frame
// count if known, or 0 for an unbounded/interactive run.
func New(label string, total int64) *Reporter {
	r := &Reporter{
		label: label,
		total: total,
		start: time.Now(),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// FrameDelivered records one frame handed to the output device.
func (r *Reporter) FrameDelivered() {
	r.delivered.Add(1)
}

// FrameFailed records one frame that failed to render.
func (r *Reporter) FrameFailed() {
	r.failures.Add(1)
}

// ReportFPS records the most recent actual-vs-desired frame rate, as
// reported by a Scheduler.
func (r *Reporter) ReportFPS(actual, desired float64) {
	r.lastActualFPS.Store(math.Float64bits(actual))
	r.lastDesiredFPS.Store(math.Float64bits(desired))
}

// Finish stops the refresh loop and prints the final line.
func (r *Reporter) Finish() {
	r.doneOnce.Do(func() { close(r.done) })
	r.draw()
	fmt.Fprint(os.Stderr, "\n")
}

func (r *Reporter) run() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.draw()
		}
	}
}

func (r *Reporter) draw() {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := r.delivered.Load()
	failed := r.failures.Load()
	elapsed := time.Since(r.start)
	actual := math.Float64frombits(r.lastActualFPS.Load())

	var progress string
	if r.total > 0 {
		frac := float64(delivered) / float64(r.total) * 100
		if frac > 100 {
			frac = 100
		}
		progress = fmt.Sprintf("%3.0f%%  %d/%d frames", frac, delivered, r.total)
	} else {
		progress = fmt.Sprintf("%d frames", delivered)
	}

	msg := fmt.Sprintf("\r%s [%s]  %.1f fps  %s", r.label, progress, actual, formatDuration(elapsed))
	if failed > 0 {
		msg += fmt.Sprintf("  %d failed", failed)
	}
	fmt.Fprint(os.Stderr, msg+"\033[K")
}

// formatDuration formats a duration concisely (e.g. "1m23s", "45s").
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) - m*60
	return fmt.Sprintf("%dm%02ds", m, s)
}
