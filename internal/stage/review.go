package stage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lucasnoah/crfactory/internal/event"
	"github.com/lucasnoah/crfactory/internal/pipeline"
)

// Finding is a reviewer-produced issue.
type Finding struct {
	Reviewer string `json:"reviewer"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
}

var severityRank = map[string]int{
	"critical": 0,
	"major":    1,
	"minor":    2,
	"info":     3,
}

// Blocking reports whether the finding fails the review gate.
func (f Finding) Blocking() bool {
	return f.Severity == "critical" || f.Severity == "major"
}

// Review fans out to the configured reviewer roles concurrently, emits each
// finding as it arrives, then fans in: the stage passes only when no finding
// is critical or major, unless a review_passed override short-circuits the
// judgment. Merged findings are kept in the stage artifacts regardless of
// the outcome, ordered by severity then arrival.
type Review struct{}

func (*Review) Name() string { return pipeline.StageReview }

func (*Review) Run(ctx context.Context, sc *Context) (*Result, error) {
	if sc.Overrides.Is(pipeline.OverrideReviewPassed) {
		// Keep whatever findings a previous run accumulated.
		findings, _ := sc.Artifact(pipeline.StageReview, "findings")
		if findings == nil {
			findings = []any{}
		}
		return &Result{Artifacts: map[string]any{
			"findings":   findings,
			"overridden": true,
		}}, nil
	}

	input := baseInput(sc)
	input["worktree_path"] = sc.StringArtifact(pipeline.StageWorktreeSetup, "worktree_path")
	if behaviours, ok := sc.Artifact(pipeline.StageBehaviourTranslation, "behaviours"); ok {
		input["behaviours"] = behaviours
	}

	type arrived struct {
		finding Finding
		order   int
	}

	var (
		mu      sync.Mutex
		results []arrived
		errs    []error
		next    int
		wg      sync.WaitGroup
	)

	// Each reviewer owns its result buffer; the shared slice is only touched
	// under the mutex at completion, and the fan-in below is the single merge
	// point.
	for _, reviewer := range sc.Reviewers {
		wg.Add(1)
		go func(reviewer string) {
			defer wg.Done()
			label := fmt.Sprintf("%s:%s", pipeline.StageReview, reviewer)

			// Reviewers receive a copy of the shared input so concurrent
			// executors never share mutable state.
			in := make(map[string]any, len(input)+1)
			for k, v := range input {
				in[k] = v
			}
			in["reviewer"] = reviewer

			res, err := sc.Agents.Invoke(ctx, sc.CR.ID, label, reviewer, in)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("reviewer %s: %w", reviewer, err))
				mu.Unlock()
				return
			}

			found := parseFindings(reviewer, res.Payload)
			mu.Lock()
			for _, f := range found {
				sc.Bus.Publish(event.Event{
					CR:    sc.CR.ID,
					Type:  event.TypeReviewFinding,
					Stage: label,
					Data: map[string]any{
						"reviewer": f.Reviewer,
						"severity": f.Severity,
						"message":  f.Message,
						"file":     f.File,
						"line":     f.Line,
					},
				})
				results = append(results, arrived{finding: f, order: next})
				next++
			}
			mu.Unlock()
		}(reviewer)
	}
	wg.Wait()

	if len(errs) > 0 {
		return nil, Recoverable(pipeline.StageReview, "%d of %d reviewers failed: %v", len(errs), len(sc.Reviewers), errs[0])
	}

	// Deterministic merge for a fixed finding set: severity, then arrival.
	sort.SliceStable(results, func(i, j int) bool {
		ri, rj := rankOf(results[i].finding.Severity), rankOf(results[j].finding.Severity)
		if ri != rj {
			return ri < rj
		}
		return results[i].order < results[j].order
	})

	merged := make([]any, 0, len(results))
	blocking := 0
	for _, r := range results {
		if r.finding.Blocking() {
			blocking++
		}
		merged = append(merged, map[string]any{
			"reviewer": r.finding.Reviewer,
			"severity": r.finding.Severity,
			"message":  r.finding.Message,
			"file":     r.finding.File,
			"line":     r.finding.Line,
		})
	}

	if blocking > 0 {
		f := Recoverable(pipeline.StageReview, "review found %d blocking finding(s)", blocking)
		f.Artifacts = map[string]any{"findings": merged}
		return nil, f
	}
	return &Result{Artifacts: map[string]any{"findings": merged}}, nil
}

func rankOf(severity string) int {
	if r, ok := severityRank[severity]; ok {
		return r
	}
	return len(severityRank)
}

// parseFindings extracts findings from an agent payload. Unknown severities
// are kept but rank below the known ones.
func parseFindings(reviewer string, payload map[string]any) []Finding {
	raw, _ := payload["findings"].([]any)
	out := make([]Finding, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		f := Finding{Reviewer: reviewer}
		f.Severity, _ = m["severity"].(string)
		f.Message, _ = m["message"].(string)
		f.File, _ = m["file"].(string)
		if line, ok := m["line"].(float64); ok {
			f.Line = int(line)
		}
		if f.Severity == "" {
			f.Severity = "info"
		}
		out = append(out, f)
	}
	return out
}
