package stage

import (
	"context"
	"fmt"

	"github.com/lucasnoah/crfactory/internal/event"
	"github.com/lucasnoah/crfactory/internal/pipeline"
)

// TDDLoop drives the bounded red/green sub-loop: test-writer, code-writer,
// then the test command, repeated until the tests pass or the iteration
// budget runs out. Budget exhaustion pauses the pipeline; a human may resume
// with the tdd_passed override to force the stage through.
type TDDLoop struct{}

func (*TDDLoop) Name() string { return pipeline.StageTDD }

func (*TDDLoop) Run(ctx context.Context, sc *Context) (*Result, error) {
	if sc.Overrides.Is(pipeline.OverrideTDDPassed) {
		return &Result{Artifacts: map[string]any{
			"passed":     true,
			"overridden": true,
			"iterations": sc.State.Iterations[pipeline.StageTDD],
		}}, nil
	}

	worktree := sc.StringArtifact(pipeline.StageWorktreeSetup, "worktree_path")
	repoURL := sc.StringArtifact(pipeline.StageRepoID, "repo_url")
	if worktree == "" {
		return nil, Unrecoverable(pipeline.StageTDD, "no worktree_path artifact")
	}

	input := baseInput(sc)
	input["worktree_path"] = worktree
	if behaviours, ok := sc.Artifact(pipeline.StageBehaviourTranslation, "behaviours"); ok {
		input["behaviours"] = behaviours
	}

	var lastOutput string
	for iteration := 1; iteration <= sc.TDD.MaxIterations; iteration++ {
		label := fmt.Sprintf("%s:iteration-%d", pipeline.StageTDD, iteration)
		input["iteration"] = iteration
		if lastOutput != "" {
			input["previous_test_output"] = tail(lastOutput, sc.TDD.OutputTail)
		}

		if _, err := sc.Agents.Invoke(ctx, sc.CR.ID, label, RoleTestWriter, input); err != nil {
			return nil, err
		}
		if _, err := sc.Agents.Invoke(ctx, sc.CR.ID, label, RoleCodeWriter, input); err != nil {
			return nil, err
		}

		run, err := sc.Tests.Run(ctx, sc.TDD.Command, worktree)
		if err != nil {
			return nil, err
		}
		lastOutput = run.Output

		sc.Bus.Publish(event.Event{
			CR:    sc.CR.ID,
			Type:  event.TypeTestRun,
			Stage: label,
			Data: map[string]any{
				"iteration":   iteration,
				"passed":      run.Passed,
				"output_tail": tail(run.Output, sc.TDD.OutputTail),
				"repo":        repoURL,
			},
		})

		if run.Passed {
			return &Result{
				Artifacts: map[string]any{
					"passed":      true,
					"iterations":  iteration,
					"output_tail": tail(run.Output, sc.TDD.OutputTail),
				},
				Iterations: map[string]int{pipeline.StageTDD: iteration},
			}, nil
		}
	}

	f := Recoverable(pipeline.StageTDD, "tests still failing after %d iterations", sc.TDD.MaxIterations)
	f.Artifacts = map[string]any{
		"passed":      false,
		"iterations":  sc.TDD.MaxIterations,
		"output_tail": tail(lastOutput, sc.TDD.OutputTail),
	}
	return nil, f
}

func tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
