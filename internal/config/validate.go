package config

import (
	"fmt"
	"time"

	"github.com/lucasnoah/crfactory/internal/pipeline"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	p := cfg.Pipeline

	if p.Name == "" {
		errs = append(errs, ValidationError{Field: "pipeline.name", Message: "is required"})
	}

	if _, err := time.ParseDuration(p.Defaults.Timeout); err != nil {
		errs = append(errs, ValidationError{
			Field:   "pipeline.defaults.timeout",
			Message: fmt.Sprintf("invalid duration %q", p.Defaults.Timeout),
		})
	}
	if _, err := time.ParseDuration(p.Defaults.RetryBackoff); err != nil {
		errs = append(errs, ValidationError{
			Field:   "pipeline.defaults.retry_backoff",
			Message: fmt.Sprintf("invalid duration %q", p.Defaults.RetryBackoff),
		})
	}
	if p.Defaults.Retries < 1 {
		errs = append(errs, ValidationError{Field: "pipeline.defaults.retries", Message: "must be at least 1"})
	}

	if p.TDD.MaxIterations < 1 {
		errs = append(errs, ValidationError{Field: "pipeline.tdd.max_iterations", Message: "must be at least 1"})
	}
	if p.TDD.Command == "" {
		errs = append(errs, ValidationError{Field: "pipeline.tdd.command", Message: "is required"})
	}

	if len(p.Reviewers) == 0 {
		errs = append(errs, ValidationError{Field: "pipeline.reviewers", Message: "at least one reviewer is required"})
	}
	seenReviewer := make(map[string]bool)
	for i, r := range p.Reviewers {
		if r == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.reviewers[%d]", i),
				Message: "must not be empty",
			})
			continue
		}
		if seenReviewer[r] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.reviewers[%d]", i),
				Message: fmt.Sprintf("duplicate reviewer %q", r),
			})
		}
		seenReviewer[r] = true
	}

	// Stage entries may only tune known stages; the order itself is fixed.
	seenStage := make(map[string]bool)
	for i, s := range p.Stages {
		prefix := fmt.Sprintf("pipeline.stages[%d]", i)
		if pipeline.StageIndex(s.ID) < 0 {
			errs = append(errs, ValidationError{
				Field:   prefix + ".id",
				Message: fmt.Sprintf("unknown stage %q", s.ID),
			})
			continue
		}
		if seenStage[s.ID] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".id",
				Message: fmt.Sprintf("duplicate stage %q", s.ID),
			})
		}
		seenStage[s.ID] = true
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				errs = append(errs, ValidationError{
					Field:   prefix + ".timeout",
					Message: fmt.Sprintf("invalid duration %q", s.Timeout),
				})
			}
		}
	}

	return errs
}
