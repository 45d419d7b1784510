package stage

import (
	"context"
	"strings"

	"github.com/lucasnoah/crfactory/internal/pipeline"
)

// Agent role names.
const (
	RoleRepoIdentifier      = "repo_identifier"
	RoleBehaviourTranslator = "behaviour_translator"
	RoleBehaviourVerifier   = "behaviour_verifier"
	RoleTestWriter          = "test_writer"
	RoleCodeWriter          = "code_writer"
	RoleRebaser             = "rebaser"
	RoleReleaser            = "releaser"
	RoleRetrospective       = "retrospective"
)

// baseInput assembles the advisory context shared by every agent invocation:
// the CR summary plus any instructions drained at stage entry.
func baseInput(sc *Context) map[string]any {
	input := map[string]any{
		"title":       sc.CR.Title,
		"description": sc.CR.Description,
	}
	if len(sc.Instructions) > 0 {
		input["instructions"] = sc.Instructions
	}
	return input
}

// Intake validates the incoming change request. A CR without a title or
// description cannot be worked on and fails the pipeline outright.
type Intake struct{}

func (*Intake) Name() string { return pipeline.StageIntake }

func (*Intake) Run(_ context.Context, sc *Context) (*Result, error) {
	if strings.TrimSpace(sc.CR.Title) == "" {
		return nil, Unrecoverable(pipeline.StageIntake, "change request has no title")
	}
	if strings.TrimSpace(sc.CR.Description) == "" {
		return nil, Unrecoverable(pipeline.StageIntake, "change request has no description")
	}
	return &Result{Artifacts: map[string]any{
		"title":  sc.CR.Title,
		"source": sc.CR.Source,
	}}, nil
}

// RepoID asks the repo_identifier agent which repository the change targets.
type RepoID struct{}

func (*RepoID) Name() string { return pipeline.StageRepoID }

func (*RepoID) Run(ctx context.Context, sc *Context) (*Result, error) {
	res, err := sc.Agents.Invoke(ctx, sc.CR.ID, pipeline.StageRepoID, RoleRepoIdentifier, baseInput(sc))
	if err != nil {
		return nil, err
	}
	repoURL, _ := res.Payload["repo_url"].(string)
	if repoURL == "" {
		return nil, Unrecoverable(pipeline.StageRepoID, "agent could not identify a target repository")
	}
	return &Result{Artifacts: map[string]any{"repo_url": repoURL}}, nil
}

// WorktreeSetup prepares an isolated worktree on a fresh branch.
type WorktreeSetup struct{}

func (*WorktreeSetup) Name() string { return pipeline.StageWorktreeSetup }

func (*WorktreeSetup) Run(ctx context.Context, sc *Context) (*Result, error) {
	repoURL := sc.StringArtifact(pipeline.StageRepoID, "repo_url")
	if repoURL == "" {
		return nil, Unrecoverable(pipeline.StageWorktreeSetup, "no repo_url artifact from repo_id")
	}
	branch := branchName(sc.CR.ID)
	path, err := sc.Worktrees.Prepare(ctx, repoURL, branch)
	if err != nil {
		return nil, Unrecoverable(pipeline.StageWorktreeSetup, "prepare worktree: %v", err)
	}
	return &Result{Artifacts: map[string]any{
		"worktree_path": path,
		"branch":        branch,
	}}, nil
}

func branchName(crID string) string {
	short := crID
	if len(short) > 8 {
		short = short[:8]
	}
	return "cr/" + short
}

// BehaviourTranslation turns the CR description into behaviour specs.
type BehaviourTranslation struct{}

func (*BehaviourTranslation) Name() string { return pipeline.StageBehaviourTranslation }

func (*BehaviourTranslation) Run(ctx context.Context, sc *Context) (*Result, error) {
	res, err := sc.Agents.Invoke(ctx, sc.CR.ID, pipeline.StageBehaviourTranslation, RoleBehaviourTranslator, baseInput(sc))
	if err != nil {
		return nil, err
	}
	behaviours := res.Payload["behaviours"]
	if behaviours == nil {
		behaviours = res.Output
	}
	return &Result{Artifacts: map[string]any{"behaviours": behaviours}}, nil
}

// BehaviourVerification checks the translated behaviours against the CR
// intent; a rejected translation pauses the pipeline for human direction.
type BehaviourVerification struct{}

func (*BehaviourVerification) Name() string { return pipeline.StageBehaviourVerification }

func (*BehaviourVerification) Run(ctx context.Context, sc *Context) (*Result, error) {
	input := baseInput(sc)
	if behaviours, ok := sc.Artifact(pipeline.StageBehaviourTranslation, "behaviours"); ok {
		input["behaviours"] = behaviours
	}
	res, err := sc.Agents.Invoke(ctx, sc.CR.ID, pipeline.StageBehaviourVerification, RoleBehaviourVerifier, input)
	if err != nil {
		return nil, err
	}
	verified, _ := res.Payload["verified"].(bool)
	if !verified {
		reason, _ := res.Payload["reason"].(string)
		if reason == "" {
			reason = "behaviour specs do not match the change request intent"
		}
		return nil, Recoverable(pipeline.StageBehaviourVerification, "%s", reason)
	}
	return &Result{Artifacts: map[string]any{"verified": true}}, nil
}

// Rebase brings the branch up to date with its base. Conflicts the rebaser
// agent cannot resolve pause the pipeline; a rebase_clean override asserts a
// human already resolved them.
type Rebase struct{}

func (*Rebase) Name() string { return pipeline.StageRebase }

func (*Rebase) Run(ctx context.Context, sc *Context) (*Result, error) {
	if sc.Overrides.Is(pipeline.OverrideRebaseClean) {
		return &Result{Artifacts: map[string]any{
			"conflicts":  []any{},
			"overridden": true,
		}}, nil
	}

	input := baseInput(sc)
	input["worktree_path"] = sc.StringArtifact(pipeline.StageWorktreeSetup, "worktree_path")
	input["branch"] = sc.StringArtifact(pipeline.StageWorktreeSetup, "branch")

	res, err := sc.Agents.Invoke(ctx, sc.CR.ID, pipeline.StageRebase, RoleRebaser, input)
	if err != nil {
		return nil, err
	}
	conflicts, _ := res.Payload["conflicts"].([]any)
	if len(conflicts) > 0 {
		f := Recoverable(pipeline.StageRebase, "%d rebase conflicts need human resolution", len(conflicts))
		f.Artifacts = map[string]any{"conflicts": conflicts}
		return nil, f
	}
	return &Result{Artifacts: map[string]any{"conflicts": []any{}}}, nil
}

// Delivery commits and pushes the finished branch.
type Delivery struct{}

func (*Delivery) Name() string { return pipeline.StageDelivery }

func (*Delivery) Run(ctx context.Context, sc *Context) (*Result, error) {
	path := sc.StringArtifact(pipeline.StageWorktreeSetup, "worktree_path")
	if path == "" {
		return nil, Unrecoverable(pipeline.StageDelivery, "no worktree_path artifact")
	}
	ref, err := sc.Worktrees.Push(ctx, path)
	if err != nil {
		return nil, Recoverable(pipeline.StageDelivery, "push: %v", err)
	}
	return &Result{Artifacts: map[string]any{"ref": ref}}, nil
}

// ReleaseGate never completes on its own: it pauses the pipeline until a
// human approves via resume with the release_approved override.
type ReleaseGate struct{}

func (*ReleaseGate) Name() string { return pipeline.StageReleaseGate }

func (*ReleaseGate) Run(_ context.Context, sc *Context) (*Result, error) {
	if sc.Overrides.Is(pipeline.OverrideReleaseApproved) {
		return &Result{Artifacts: map[string]any{"approved": true}}, nil
	}
	return nil, Recoverable(pipeline.StageReleaseGate, "awaiting human release approval")
}

// Release performs the release through the releaser agent.
type Release struct{}

func (*Release) Name() string { return pipeline.StageRelease }

func (*Release) Run(ctx context.Context, sc *Context) (*Result, error) {
	input := baseInput(sc)
	input["ref"] = sc.StringArtifact(pipeline.StageDelivery, "ref")
	res, err := sc.Agents.Invoke(ctx, sc.CR.ID, pipeline.StageRelease, RoleReleaser, input)
	if err != nil {
		return nil, err
	}
	notes := res.Payload["release"]
	if notes == nil {
		notes = res.Output
	}
	return &Result{Artifacts: map[string]any{"release": notes}}, nil
}

// Retrospective summarizes the run for later analysis.
type Retrospective struct{}

func (*Retrospective) Name() string { return pipeline.StageRetrospective }

func (*Retrospective) Run(ctx context.Context, sc *Context) (*Result, error) {
	input := baseInput(sc)
	input["completed_stages"] = append([]string{}, sc.State.CompletedStages...)
	res, err := sc.Agents.Invoke(ctx, sc.CR.ID, pipeline.StageRetrospective, RoleRetrospective, input)
	if err != nil {
		return nil, err
	}
	summary := res.Payload["summary"]
	if summary == nil {
		summary = res.Output
	}
	return &Result{Artifacts: map[string]any{"summary": summary}}, nil
}
