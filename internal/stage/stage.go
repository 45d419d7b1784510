// Package stage implements the per-stage executors of the change request
// pipeline. Each executor wraps calls to external agent/tool collaborators
// and returns a success payload or a typed Failure; the engine owns state,
// checkpoints, and event emission around them.
package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/lucasnoah/crfactory/internal/agent"
	"github.com/lucasnoah/crfactory/internal/config"
	"github.com/lucasnoah/crfactory/internal/event"
	"github.com/lucasnoah/crfactory/internal/pipeline"
)

// Failure is a typed stage failure carrying its pipeline-level
// classification. Recoverable failures pause the pipeline for a human
// resume; unrecoverable ones fail it. Artifacts, when set, are merged into
// stage artifacts even though the stage did not succeed (e.g. review
// findings are retained for audit regardless of the gate outcome).
type Failure struct {
	Stage       string
	Reason      string
	Recoverable bool
	Artifacts   map[string]any
}

func (f *Failure) Error() string {
	kind := "unrecoverable"
	if f.Recoverable {
		kind = "recoverable"
	}
	return fmt.Sprintf("stage %s: %s failure: %s", f.Stage, kind, f.Reason)
}

// Recoverable builds a failure that pauses the pipeline.
func Recoverable(stage, format string, args ...any) *Failure {
	return &Failure{Stage: stage, Reason: fmt.Sprintf(format, args...), Recoverable: true}
}

// Unrecoverable builds a failure that fails the pipeline.
func Unrecoverable(stage, format string, args ...any) *Failure {
	return &Failure{Stage: stage, Reason: fmt.Sprintf(format, args...), Recoverable: false}
}

// AsFailure extracts a typed Failure from an error chain, or nil.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// Context carries everything an executor may consult during one stage run.
// Executors read State but never mutate it; mutations flow back through
// Result and are applied by the engine.
type Context struct {
	CR           *pipeline.ChangeRequest
	State        *pipeline.PipelineState
	Instructions []string
	Overrides    pipeline.Overrides
	Agents       *Agents
	Worktrees    agent.WorktreeManager
	Tests        agent.TestRunner
	Bus          *event.Bus
	TDD          config.TDD
	Reviewers    []string
}

// Artifact returns a value previously stored by an earlier stage.
func (c *Context) Artifact(stage, key string) (any, bool) {
	payload, ok := c.State.Artifacts[stage]
	if !ok {
		return nil, false
	}
	v, ok := payload[key]
	return v, ok
}

// StringArtifact returns a string artifact, or "".
func (c *Context) StringArtifact(stage, key string) string {
	v, ok := c.Artifact(stage, key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Result is a stage's success payload.
type Result struct {
	Artifacts  map[string]any
	Iterations map[string]int
}

// Executor runs one named stage.
type Executor interface {
	Name() string
	Run(ctx context.Context, sc *Context) (*Result, error)
}

// All returns one executor per stage, in pipeline order.
func All() []Executor {
	return []Executor{
		&Intake{},
		&RepoID{},
		&WorktreeSetup{},
		&BehaviourTranslation{},
		&BehaviourVerification{},
		&TDDLoop{},
		&Review{},
		&Rebase{},
		&Delivery{},
		&ReleaseGate{},
		&Release{},
		&Retrospective{},
	}
}
