package effect

import "github.com/nodeforge/compositor/internal/rimage"

// StopReason explains why a scheduler stopped delivering to a device.
type StopReason int

const (
	StopFinished StopReason = iota
	StopAborted
	StopFailed
)

// OutputDevice is the sink a rendered sequence is delivered to (a writer
// node, a viewer, a timeline). The scheduler drives it; it never calls
// back into the scheduler.
type OutputDevice interface {
	// Deliver hands off one fully rendered frame, in display order.
	Deliver(time float64, view int, planes map[string]*rimage.Image) error

	// TimelineStep/TimelineGoto/TimelineGetTime let an interactive device
	// drive playback; non-interactive writers may no-op them.
	TimelineStep(direction int)
	TimelineGoto(time float64)
	TimelineGetTime() float64

	// FrameRangeToRender reports the [first, last] the device wants
	// rendered this run.
	FrameRangeToRender() (first, last float64)

	OnRenderStarted()
	OnRenderStopped(reason StopReason)

	ReportFPS(actual, desired float64)
	ReportFrameRendered(time float64)
	ReportFailure(message string)
}
