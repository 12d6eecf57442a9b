// Package scheduler implements the OutputScheduler: a producer/consumer
// pipeline that renders a frame range through the Evaluator and delivers
// frames to an OutputDevice in strict order, regulating FPS and applying
// backpressure when the consumer falls behind. The park/wake backpressure
// follows a separate-mutex condition-variable shape, generalized from
// "wait for memory to free up" to "wait for buffer space to free up".
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodeforge/compositor/internal/effect"
	"github.com/nodeforge/compositor/internal/eval"
	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/rendercontext"
	"github.com/nodeforge/compositor/internal/rimage"
)

// State is one of the OutputScheduler's five states.
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Quitting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Quitting:
		return "quitting"
	default:
		return "unknown"
	}
}

// Direction is the playback direction.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// PlaybackMode names what happens when the frame range is exhausted. The
// Scheduler does not read StartArgs.Mode: every run delivers its range
// once and returns to Idle, whatever the mode.
type PlaybackMode int

const (
	Once PlaybackMode = iota
	Loop
	Bounce
)

// StartArgs parameterizes one run.
type StartArgs struct {
	FirstFrame, LastFrame float64
	Step                  float64 // frame increment; defaults to 1 if zero
	Direction             Direction
	TargetFPS             float64 // 0 disables FPS regulation
	Mode                  PlaybackMode
	BufferCapacity        int
	ThreadCount           int
	View                  int
	MipLevel              int
	Planes                []imagekey.Plane
	Sequential            bool
	Interactive           bool
}

// frameEntry is one rendered frame awaiting delivery, keyed by its
// position in the buffer's expected-order sequence.
type frameEntry struct {
	time   float64
	result eval.Result
}

// Scheduler drives one Evaluator/Node/OutputDevice triple through a
// render. A RenderEngine owns one Scheduler per concurrently running
// render.
type Scheduler struct {
	evaluator *eval.Evaluator
	node      effect.Node
	device    effect.OutputDevice

	mu    sync.Mutex
	state State
	args  StartArgs

	renderAge atomic.Int64
	runCtx    *rendercontext.Context

	// cursor is the next frame index (0-based, relative to FirstFrame) to
	// dispatch to a producer; pickNextFrame claims indices off it.
	cursor atomic.Int64
	// frameCount is the total number of frames in the current run.
	frameCount int64

	// bufMu/bufCond guard the ordered delivery buffer and the
	// park/wake backpressure protocol; held only around buffer access,
	// never across a render_region call or a device.Deliver call.
	bufMu      sync.Mutex
	bufCond    *sync.Cond
	buf        map[int64]frameEntry
	expected   int64 // next buffer index the consumer will deliver
	bufferFull bool

	wg       sync.WaitGroup
	doneCh   chan struct{}
	failOnce sync.Once
	failMsg  string
	stopRsn  effect.StopReason
}

// New creates an idle Scheduler over the given Evaluator/node/device.
func New(evaluator *eval.Evaluator, node effect.Node, device effect.OutputDevice) *Scheduler {
	s := &Scheduler{evaluator: evaluator, node: node, device: device, state: Idle}
	s.bufCond = sync.NewCond(&s.bufMu)
	return s
}

// State returns the scheduler's current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start transitions idle→starting→running: computes the effective frame
// range, spins up the producer pool, and returns once producers are
// dispatching.
func (s *Scheduler) Start(args StartArgs) {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return
	}
	s.state = Starting
	s.args = args
	if s.args.Step == 0 {
		s.args.Step = 1
	}
	if s.args.ThreadCount <= 0 {
		s.args.ThreadCount = 1
	}
	if s.args.BufferCapacity <= 0 {
		s.args.BufferCapacity = s.args.ThreadCount * 2
	}
	s.frameCount = framesInRange(args.FirstFrame, args.LastFrame, s.args.Step)
	s.cursor.Store(0)
	s.renderAge.Add(1)
	s.runCtx = rendercontext.New(args.FirstFrame, args.View, args.MipLevel, s.renderAge.Load(), args.Sequential, args.Interactive, true)
	s.runCtx.FirstFrame, s.runCtx.LastFrame = args.FirstFrame, args.LastFrame

	s.buf = make(map[int64]frameEntry, s.args.BufferCapacity)
	s.expected = 0
	s.bufferFull = false
	s.doneCh = make(chan struct{})

	s.state = Running
	s.mu.Unlock()

	s.device.OnRenderStarted()

	for w := 0; w < s.args.ThreadCount; w++ {
		s.wg.Add(1)
		go s.produce()
	}
	s.wg.Add(1)
	go s.consume()

	go func() {
		s.wg.Wait()
		close(s.doneCh)
	}()
}

// pickNextFrame claims the next frame index for a producer to render, or
// ok=false if the range is exhausted or the scheduler has been asked to
// stop. Claims are gated to a sliding window of at most BufferCapacity
// frames past expected: a producer that would claim further ahead parks
// here instead, so producers racing ahead of whichever one owns the
// expected frame can never fill the buffer with future frames and leave
// every producer parked on backpressure with nothing left to drain it.
func (s *Scheduler) pickNextFrame() (idx int64, frameTime float64, ok bool) {
	s.bufMu.Lock()
	for {
		if s.State() != Running {
			s.bufMu.Unlock()
			return 0, 0, false
		}
		i := s.cursor.Load()
		if i >= s.frameCount {
			s.bufMu.Unlock()
			return 0, 0, false
		}
		if i >= s.expected+int64(s.args.BufferCapacity) {
			s.bufCond.Wait()
			continue
		}
		s.cursor.Store(i + 1)
		s.bufMu.Unlock()

		step := s.args.Step
		if s.args.Direction == Backward {
			return i, s.args.LastFrame - float64(i)*step, true
		}
		return i, s.args.FirstFrame + float64(i)*step, true
	}
}

func framesInRange(first, last, step float64) int64 {
	if step <= 0 {
		return 0
	}
	n := int64((last-first)/step) + 1
	if n < 0 {
		return 0
	}
	return n
}

// produce is one producer: claim frames, render them, append to the
// ordered buffer, park on backpressure.
func (s *Scheduler) produce() {
	defer s.wg.Done()
	for {
		idx, t, ok := s.pickNextFrame()
		if !ok {
			return
		}
		if s.runCtx.Aborted() {
			return
		}

		frameCtx := s.runCtx.WithTime(t)
		res := s.evaluator.RenderRegion(frameCtx, s.node, eval.Args{
			Time: t, View: s.args.View, MipLevel: s.args.MipLevel, Planes: s.args.Planes,
		})
		if res.Status == effect.Failed {
			s.notifyRenderFailure("render failed at frame " + timeLabel(t))
			return
		}
		if res.Status == effect.Aborted {
			return
		}

		s.notifyFrameRendered(t)
		s.append(idx, frameEntry{time: t, result: res})
	}
}

func timeLabel(t float64) string {
	return time.Duration(t * float64(time.Second)).String()
}

// append inserts a rendered frame into the ordered buffer. The capacity
// wait below is a backstop only: pickNextFrame's sliding window already
// keeps at most BufferCapacity frames claimed-but-undelivered at a time,
// so a well-behaved caller never actually blocks here.
func (s *Scheduler) append(idx int64, entry frameEntry) {
	s.bufMu.Lock()
	for int64(len(s.buf)) >= int64(s.args.BufferCapacity) && s.State() == Running {
		s.bufferFull = true
		s.bufCond.Wait()
	}
	s.bufferFull = false
	s.buf[idx] = entry
	s.bufMu.Unlock()
	s.bufCond.Broadcast()
}

// consume is the dedicated delivery task: pulls the lowest-expected frame
// in buffer order, delivers it, advances, and regulates FPS.
func (s *Scheduler) consume() {
	defer s.wg.Done()
	var lastDeliver time.Time
	for {
		s.bufMu.Lock()
		for {
			if s.expected >= s.frameCount {
				s.bufMu.Unlock()
				s.finishRun()
				return
			}
			if s.runCtx.Aborted() || s.State() != Running {
				s.bufMu.Unlock()
				s.finishRun()
				return
			}
			if entry, ok := s.buf[s.expected]; ok {
				delete(s.buf, s.expected)
				s.bufMu.Unlock()
				s.bufCond.Broadcast() // wake any producer parked on backpressure

				if s.args.TargetFPS > 0 {
					s.regulateFPS(&lastDeliver)
				}

				s.deliver(entry)
				s.bufMu.Lock()
				s.expected++
				s.bufMu.Unlock()
				break
			}
			s.bufCond.Wait()
		}
	}
}

// regulateFPS sleeps as needed so deliveries don't outrun args.TargetFPS,
// then reports the achieved rate back to the device.
func (s *Scheduler) regulateFPS(last *time.Time) {
	if last.IsZero() {
		*last = time.Now()
		s.device.ReportFPS(s.args.TargetFPS, s.args.TargetFPS)
		return
	}
	target := time.Duration(float64(time.Second) / s.args.TargetFPS)
	elapsed := time.Since(*last)
	if elapsed < target {
		time.Sleep(target - elapsed)
		elapsed = target
	}
	s.device.ReportFPS(float64(time.Second)/float64(elapsed), s.args.TargetFPS)
	*last = time.Now()
}

// deliver hands one rendered frame to the device.
func (s *Scheduler) deliver(entry frameEntry) {
	planes := make(map[string]*rimage.Image, len(entry.result.Planes))
	for p, img := range entry.result.Planes {
		planes[p.String()] = img
	}
	if err := s.device.Deliver(entry.time, s.args.View, planes); err != nil {
		s.notifyRenderFailure(err.Error())
	}
}

func (s *Scheduler) notifyFrameRendered(t float64) {
	s.device.ReportFrameRendered(t)
}

func (s *Scheduler) notifyRenderFailure(msg string) {
	s.failOnce.Do(func() {
		s.failMsg = msg
		s.device.ReportFailure(msg)
	})
	s.requestStop(effect.StopFailed)
}

// requestStop moves Running to Stopping so producers and the consumer
// wind down without a further frame being picked or delivered.
func (s *Scheduler) requestStop(reason effect.StopReason) {
	s.mu.Lock()
	if s.state == Running {
		s.state = Stopping
		s.stopRsn = reason
	}
	s.mu.Unlock()
	s.bufMu.Lock()
	s.bufCond.Broadcast()
	s.bufMu.Unlock()
}

// finishRun transitions stopping/running back to idle once every frame has
// been delivered or the run has been stopped or aborted, and notifies the
// device.
func (s *Scheduler) finishRun() {
	s.mu.Lock()
	reason := s.stopRsn
	if s.state == Running {
		reason = effect.StopFinished
	}
	if s.state != Quitting {
		s.state = Idle
	}
	s.stopRsn = effect.StopFinished
	s.mu.Unlock()
	s.device.OnRenderStopped(reason)
}

// Abort stops the current run. If blocking is true, Abort waits for every
// producer and the consumer to exit before returning; it must never be
// called from a producer or consumer goroutine itself, since that would
// deadlock waiting on its own exit.
func (s *Scheduler) Abort(blocking bool) {
	if s.runCtx != nil {
		s.runCtx.Abort()
	}
	s.requestStop(effect.StopAborted)
	if blocking {
		<-s.doneCh
	}
}

// Quit permanently retires the scheduler: it aborts any in-flight run and
// marks the terminal Quitting state, after which Start refuses further
// work.
func (s *Scheduler) Quit() {
	s.Abort(true)
	s.mu.Lock()
	s.state = Quitting
	s.mu.Unlock()
}
