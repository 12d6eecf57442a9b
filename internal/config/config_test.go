package config

import "testing"

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse([]string{"scene.rproj"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ProjectPath != "scene.rproj" {
		t.Fatalf("ProjectPath = %q, want scene.rproj", cfg.ProjectPath)
	}
	if len(cfg.Writers) != 0 {
		t.Fatalf("expected no writer filter, got %v", cfg.Writers)
	}
	if cfg.HasFrameRange {
		t.Fatal("expected no frame-range override")
	}
}

func TestParseFrameRangeAndWriters(t *testing.T) {
	cfg, err := Parse([]string{"-writers=beauty,depth", "-frames=1-48", "-threads=8", "scene.rproj"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Writers) != 2 || cfg.Writers[0] != "beauty" || cfg.Writers[1] != "depth" {
		t.Fatalf("Writers = %v", cfg.Writers)
	}
	if !cfg.HasFrameRange || cfg.FirstFrame != 1 || cfg.LastFrame != 48 {
		t.Fatalf("frame range = %v, %v/%v", cfg.HasFrameRange, cfg.FirstFrame, cfg.LastFrame)
	}
	if cfg.ThreadCount != 8 {
		t.Fatalf("ThreadCount = %d, want 8", cfg.ThreadCount)
	}
}

func TestParseNegativeFrameRange(t *testing.T) {
	cfg, err := Parse([]string{"-frames=-10-20", "scene.rproj"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.FirstFrame != -10 || cfg.LastFrame != 20 {
		t.Fatalf("frame range = %v/%v, want -10/20", cfg.FirstFrame, cfg.LastFrame)
	}
}

func TestParseRejectsMissingProject(t *testing.T) {
	if _, err := Parse([]string{"-threads=4"}); err == nil {
		t.Fatal("expected an error when no project path is given")
	}
}

func TestParseVersionSkipsProjectRequirement(t *testing.T) {
	cfg, err := Parse([]string{"-version"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.ShowVersion {
		t.Fatal("expected ShowVersion to be true")
	}
}
