// Package engine provides RenderEngine, the top-level facade a host
// embeds: it owns the shared Evaluator subsystems and hands out one
// Scheduler per concurrently running output device.
package engine

import (
	"fmt"
	"sync"

	"github.com/nodeforge/compositor/internal/dispatch"
	"github.com/nodeforge/compositor/internal/effect"
	"github.com/nodeforge/compositor/internal/eval"
	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/scheduler"
	"github.com/nodeforge/compositor/internal/store"
	"github.com/nodeforge/compositor/internal/trimap"
)

// Config configures the shared subsystems a RenderEngine owns.
type Config struct {
	ProjectFormat geom.Rect
	MaxWorkers    int
	MemoryPressure func() bool
}

// RenderEngine owns the single ImageStore, tri-map Coordinator, and
// TileDispatcher shared by every render this process runs, and tracks the
// Scheduler driving each currently running output device.
type RenderEngine struct {
	Evaluator *eval.Evaluator

	mu         sync.Mutex
	schedulers map[string]*scheduler.Scheduler
}

// New builds a RenderEngine with a fresh Store/Coordinator/Dispatcher.
func New(cfg Config) *RenderEngine {
	st := store.New()
	coord := trimap.New()
	disp := dispatch.New(coord, cfg.MaxWorkers)
	ev := eval.New(st, coord, disp, cfg.ProjectFormat)
	ev.MemoryPressure = cfg.MemoryPressure
	return &RenderEngine{Evaluator: ev, schedulers: make(map[string]*scheduler.Scheduler)}
}

// BumpFormatVersion marks every cached RoD computed under the previous
// project format as stale, so the next lookup against it misses and
// recomputes.
func (e *RenderEngine) BumpFormatVersion() {
	e.Evaluator.FormatVersion.Add(1)
}

// StartRender begins rendering root through device under name, creating a
// Scheduler for it if one doesn't already exist. Starting a render under a
// name whose Scheduler is not Idle returns that Scheduler together with an
// error and starts nothing, mirroring Scheduler.Start refusing to leave
// Idle twice.
func (e *RenderEngine) StartRender(name string, root effect.Node, device effect.OutputDevice, args scheduler.StartArgs) (*scheduler.Scheduler, error) {
	e.mu.Lock()
	sch, ok := e.schedulers[name]
	if !ok {
		sch = scheduler.New(e.Evaluator, root, device)
		e.schedulers[name] = sch
	}
	e.mu.Unlock()

	if sch.State() != scheduler.Idle {
		return sch, fmt.Errorf("engine: render %q already running (state %v)", name, sch.State())
	}
	sch.Start(args)
	return sch, nil
}

// Abort stops the named render. blocking waits for it to fully wind down.
func (e *RenderEngine) Abort(name string, blocking bool) error {
	e.mu.Lock()
	sch, ok := e.schedulers[name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: no render named %q", name)
	}
	sch.Abort(blocking)
	return nil
}

// AbortAll stops every currently tracked render, waiting for each to wind
// down before returning.
func (e *RenderEngine) AbortAll() {
	e.mu.Lock()
	scheds := make([]*scheduler.Scheduler, 0, len(e.schedulers))
	for _, s := range e.schedulers {
		scheds = append(scheds, s)
	}
	e.mu.Unlock()
	for _, s := range scheds {
		s.Abort(true)
	}
}

// Quit retires the named render permanently and forgets it.
func (e *RenderEngine) Quit(name string) {
	e.mu.Lock()
	sch, ok := e.schedulers[name]
	if ok {
		delete(e.schedulers, name)
	}
	e.mu.Unlock()
	if ok {
		sch.Quit()
	}
}

// QuitAll retires every tracked render.
func (e *RenderEngine) QuitAll() {
	e.mu.Lock()
	scheds := make([]*scheduler.Scheduler, 0, len(e.schedulers))
	for _, s := range e.schedulers {
		scheds = append(scheds, s)
	}
	e.schedulers = make(map[string]*scheduler.Scheduler)
	e.mu.Unlock()
	for _, s := range scheds {
		s.Quit()
	}
}
