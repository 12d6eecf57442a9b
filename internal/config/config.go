// Package config parses the render core's CLI surface: a project or
// script path, an optional writer-name filter, an optional frame-range
// override, an optional worker-thread override, and background mode. It
// follows the same flag-driven shape as cmd/geotiff2pmtiles/main.go
// (one flat flag.FlagSet, a -version flag resolved against ldflags-injected
// build info, and a printed settings summary).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Config is the resolved CLI surface for one rendercore invocation.
type Config struct {
	ProjectPath string // project file or script path (positional arg)

	Writers []string // optional writer-name filter; empty means "all writers"

	FirstFrame, LastFrame float64
	HasFrameRange         bool // whether -frames was supplied

	ThreadCount int // 0 means "use the node graph's/runtime's default"

	Background bool

	CacheRoot  string // opaque to the core; passed through to a disk cache
	OCIOConfig string // opaque to the core; passed through to color management

	Verbose     bool
	ShowVersion bool
	VerifyWrites bool

	CPUProfile string
	MemProfile string
}

// Parse parses args (typically os.Args[1:]) into a Config. It does not call
// os.Exit; callers check ShowVersion and handle usage errors themselves,
// mirroring how main wires flag.Parse + flag.Usage.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("rendercore", flag.ContinueOnError)

	var (
		writers     string
		frameRange  string
		threads     int
		background  bool
		cacheRoot   string
		ocioConfig  string
		verbose      bool
		showVersion  bool
		verifyWrites bool
		cpuProfile   string
		memProfile   string
	)

	fs.StringVar(&writers, "writers", "", "Comma-separated writer-name filter (default: all writers)")
	fs.StringVar(&frameRange, "frames", "", "Frame range override \"first-last\" (default: each writer's own range)")
	fs.IntVar(&threads, "threads", 0, "Worker-thread count override (default: runtime.NumCPU)")
	fs.BoolVar(&background, "background", false, "Run without an interactive timeline device")
	fs.StringVar(&cacheRoot, "cache-root", "", "Disk cache root directory (opaque to the core)")
	fs.StringVar(&ocioConfig, "ocio-config", "", "OCIO configuration path (opaque to the core)")
	fs.BoolVar(&verbose, "verbose", false, "Verbose progress output")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVar(&verifyWrites, "verify-writes", false, "Decode each written frame back and check its dimensions")
	fs.StringVar(&cpuProfile, "cpuprofile", "", "Write CPU profile to file")
	fs.StringVar(&memProfile, "memprofile", "", "Write memory profile to file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rendercore [flags] <project-or-script>\n\n")
		fmt.Fprintf(os.Stderr, "Render a node graph's writer nodes over a frame range.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		ThreadCount: threads,
		Background:  background,
		CacheRoot:   cacheRoot,
		OCIOConfig:  ocioConfig,
		Verbose:      verbose,
		ShowVersion:  showVersion,
		VerifyWrites: verifyWrites,
		CPUProfile:   cpuProfile,
		MemProfile:   memProfile,
	}

	if showVersion {
		return cfg, nil
	}

	if writers != "" {
		for _, w := range strings.Split(writers, ",") {
			w = strings.TrimSpace(w)
			if w != "" {
				cfg.Writers = append(cfg.Writers, w)
			}
		}
	}

	if frameRange != "" {
		first, last, err := parseFrameRange(frameRange)
		if err != nil {
			return nil, fmt.Errorf("invalid -frames: %w", err)
		}
		cfg.FirstFrame, cfg.LastFrame = first, last
		cfg.HasFrameRange = true
	}

	rest := fs.Args()
	if len(rest) != 1 {
		fs.Usage()
		return nil, fmt.Errorf("expected exactly one project-or-script argument, got %d", len(rest))
	}
	cfg.ProjectPath = rest[0]

	return cfg, nil
}

// parseFrameRange parses "first-last", allowing a leading '-' on first for
// negative frame numbers (e.g. "-10-20").
func parseFrameRange(s string) (first, last float64, err error) {
	idx := strings.LastIndex(s, "-")
	if idx <= 0 {
		return 0, 0, fmt.Errorf("expected \"first-last\", got %q", s)
	}
	firstStr, lastStr := s[:idx], s[idx+1:]
	first, err = strconv.ParseFloat(firstStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing first frame %q: %w", firstStr, err)
	}
	last, err = strconv.ParseFloat(lastStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing last frame %q: %w", lastStr, err)
	}
	return first, last, nil
}

// Summary returns a one-line-per-field settings summary as a string, matching the
// printed settings block in cmd/geotiff2pmtiles/main.go.
func (c *Config) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rendercore %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	fmt.Fprintf(&b, "  %-14s %s\n", "Project:", c.ProjectPath)
	if len(c.Writers) > 0 {
		fmt.Fprintf(&b, "  %-14s %s\n", "Writers:", strings.Join(c.Writers, ", "))
	} else {
		fmt.Fprintf(&b, "  %-14s %s\n", "Writers:", "all")
	}
	if c.HasFrameRange {
		fmt.Fprintf(&b, "  %-14s %g - %g\n", "Frames:", c.FirstFrame, c.LastFrame)
	} else {
		fmt.Fprintf(&b, "  %-14s %s\n", "Frames:", "per-writer default")
	}
	if c.ThreadCount > 0 {
		fmt.Fprintf(&b, "  %-14s %d\n", "Threads:", c.ThreadCount)
	} else {
		fmt.Fprintf(&b, "  %-14s %s\n", "Threads:", "auto")
	}
	if c.Background {
		fmt.Fprintf(&b, "  %-14s %s\n", "Mode:", "background")
	}
	if c.CacheRoot != "" {
		fmt.Fprintf(&b, "  %-14s %s\n", "Cache root:", c.CacheRoot)
	}
	if c.OCIOConfig != "" {
		fmt.Fprintf(&b, "  %-14s %s\n", "OCIO config:", c.OCIOConfig)
	}
	return b.String()
}
