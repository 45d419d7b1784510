package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crfactory.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  name: myproject
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pipeline.Name != "myproject" {
		t.Errorf("Name = %q, want myproject", cfg.Pipeline.Name)
	}
	if cfg.Pipeline.Defaults.Timeout != "30m" {
		t.Errorf("default timeout = %q, want 30m", cfg.Pipeline.Defaults.Timeout)
	}
	if cfg.Pipeline.Defaults.Retries != 2 {
		t.Errorf("default retries = %d, want 2", cfg.Pipeline.Defaults.Retries)
	}
	if cfg.Pipeline.TDD.MaxIterations != 4 {
		t.Errorf("default tdd max_iterations = %d, want 4", cfg.Pipeline.TDD.MaxIterations)
	}
	if len(cfg.Pipeline.Reviewers) != 3 {
		t.Errorf("default reviewers = %v, want three", cfg.Pipeline.Reviewers)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("defaulted config should validate, got %v", errs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := writeConfig(t, "pipeline: [not: a: map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStageTimeout(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  name: p
  defaults:
    timeout: 10m
  stages:
    - id: tdd
      timeout: 45m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.StageTimeout("tdd"); got != 45*time.Minute {
		t.Errorf("StageTimeout(tdd) = %v, want 45m", got)
	}
	if got := cfg.StageTimeout("review"); got != 10*time.Minute {
		t.Errorf("StageTimeout(review) = %v, want the 10m default", got)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	cfg.Pipeline.Defaults.Timeout = "soon"
	cfg.Pipeline.Defaults.RetryBackoff = "2s"
	cfg.Pipeline.Defaults.Retries = 0
	cfg.Pipeline.TDD.MaxIterations = 1
	cfg.Pipeline.TDD.Command = "go test ./..."
	cfg.Pipeline.Reviewers = []string{"security", "security"}
	cfg.Pipeline.Stages = []Stage{
		{ID: "tdd", Timeout: "bad"},
		{ID: "no_such_stage"},
	}

	errs := Validate(cfg)

	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, want := range []string{
		"pipeline.name",
		"pipeline.defaults.timeout",
		"pipeline.defaults.retries",
		"pipeline.reviewers[1]",
		"pipeline.stages[0].timeout",
		"pipeline.stages[1].id",
	} {
		if !fields[want] {
			t.Errorf("missing validation error for %s (got %v)", want, errs)
		}
	}
}

func TestValidateRejectsUnknownStage(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Pipeline.Stages = []Stage{{ID: "deploy_to_mars"}}

	errs := Validate(cfg)
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(errs), errs)
	}
	if errs[0].Field != "pipeline.stages[0].id" {
		t.Errorf("Field = %q", errs[0].Field)
	}
}

func TestLoadDefaultWithoutFiles(t *testing.T) {
	// Run from an empty directory with HOME pointed somewhere empty so no
	// config file is found and built-in defaults apply.
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(cwd) })

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}
	if cfg.Pipeline.Name != "crfactory" {
		t.Errorf("Name = %q, want crfactory", cfg.Pipeline.Name)
	}
}
