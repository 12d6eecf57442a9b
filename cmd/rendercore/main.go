// Command rendercore drives a node graph's writer through a frame range
// and reports completion via a fixed exit code: 0 on full completion, 1
// on abort, 2 on a writer failure.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"

	"github.com/nodeforge/compositor/internal/config"
	"github.com/nodeforge/compositor/internal/demo"
	"github.com/nodeforge/compositor/internal/effect"
	"github.com/nodeforge/compositor/internal/engine"
	"github.com/nodeforge/compositor/internal/filewriter"
	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/metrics"
	"github.com/nodeforge/compositor/internal/scheduler"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("%v", err)
	}

	if cfg.ShowVersion {
		fmt.Printf("rendercore %s (commit %s, built %s)\n", config.Version, config.Commit, config.BuildDate)
		os.Exit(0)
	}

	if cfg.CPUProfile != "" {
		f, err := os.Create(cfg.CPUProfile)
		if err != nil {
			log.Fatalf("Creating CPU profile: %v", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatalf("Starting CPU profile: %v", err)
		}
		defer pprof.StopCPUProfile()
	}
	if cfg.MemProfile != "" {
		defer func() {
			f, err := os.Create(cfg.MemProfile)
			if err != nil {
				log.Fatalf("Creating memory profile: %v", err)
			}
			defer f.Close()
			runtime.GC()
			if err := pprof.WriteHeapProfile(f); err != nil {
				log.Fatalf("Writing memory profile: %v", err)
			}
		}()
	}

	if cfg.Verbose {
		fmt.Print(cfg.Summary())
	}

	threads := cfg.ThreadCount
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	// Loading a real project graph from cfg.ProjectPath is outside this
	// core's scope; rendercore drives a procedural stand-in
	// graph of fixed 640x360 size, timed from the CLI's frame-range override
	// (frames 1-48 without one), so the engine, scheduler, metrics and file
	// writer run end to end against a concrete project path argument. No
	// disk cache is set up here.
	first, last := 1.0, 48.0
	if cfg.HasFrameRange {
		first, last = cfg.FirstFrame, cfg.LastFrame
	}
	root := &demo.Generator{Width: 640, Height: 360, First: first, Last: last}

	eng := engine.New(engine.Config{
		ProjectFormat: geom.Rect{X1: 0, Y1: 0, X2: float64(root.Width), Y2: float64(root.Height)},
		MaxWorkers:    threads,
	})

	outputName := "rendercore-output"
	if len(cfg.Writers) > 0 {
		outputName = cfg.Writers[0]
	}

	outDir := cfg.ProjectPath
	if ext := filepath.Ext(outDir); ext != "" {
		outDir = outDir[:len(outDir)-len(ext)]
	}
	outDir += "." + outputName

	var reporter *metrics.Reporter
	if !cfg.Background {
		reporter = metrics.New(outputName, int64(last-first)+1)
	}

	writer, err := filewriter.New(filewriter.Config{
		Dir: outDir, Format: "png", NamePrefix: outputName,
		FirstFrame: first, LastFrame: last, Reporter: reporter,
		Verify: cfg.VerifyWrites,
	})
	if err != nil {
		log.Fatalf("Setting up writer %q: %v", outputName, err)
	}

	_, err = eng.StartRender(outputName, root, writer, scheduler.StartArgs{
		FirstFrame: first, LastFrame: last, Step: 1,
		ThreadCount: threads, Planes: []imagekey.Plane{imagekey.ColorPlane},
		Interactive: !cfg.Background,
	})
	if err != nil {
		log.Fatalf("Starting render: %v", err)
	}

	reason := writer.Wait()
	eng.Quit(outputName)

	switch reason {
	case effect.StopFinished:
		fmt.Printf("Done: wrote frames to %s\n", outDir)
		os.Exit(0)
	case effect.StopAborted:
		os.Exit(1)
	case effect.StopFailed:
		if lastErr := writer.LastError(); lastErr != nil {
			fmt.Fprintf(os.Stderr, "render failed: %v\n", lastErr)
		}
		os.Exit(2)
	}
}
