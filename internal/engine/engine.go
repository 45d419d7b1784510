// Package engine drives change requests through the fixed stage sequence:
// it owns pipeline state, checkpoints every transition, consults the
// intervention inbox at stage boundaries, and publishes lifecycle events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/crfactory/internal/agent"
	"github.com/lucasnoah/crfactory/internal/config"
	"github.com/lucasnoah/crfactory/internal/cost"
	"github.com/lucasnoah/crfactory/internal/event"
	"github.com/lucasnoah/crfactory/internal/intervene"
	"github.com/lucasnoah/crfactory/internal/pipeline"
	"github.com/lucasnoah/crfactory/internal/stage"
)

// Engine is the pipeline state machine. Each CR's pipeline runs as one
// goroutine with a single active stage at a time; the only intra-CR
// concurrency is the review fan-out inside its executor. State is mutated
// exclusively by that goroutine and published to readers via checkpoints.
type Engine struct {
	store         *pipeline.Store
	bus           *event.Bus
	costs         *cost.Accumulator
	interventions *intervene.Registry
	invoker       agent.Invoker
	worktrees     agent.WorktreeManager
	tests         agent.TestRunner
	cfg           *config.Config
	executors     map[string]stage.Executor

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an Engine. The cost accumulator is created internally so every
// agent invocation reports through the same ledger.
func New(store *pipeline.Store, bus *event.Bus, interventions *intervene.Registry,
	invoker agent.Invoker, worktrees agent.WorktreeManager, tests agent.TestRunner,
	cfg *config.Config) *Engine {

	executors := make(map[string]stage.Executor)
	for _, ex := range stage.All() {
		executors[ex.Name()] = ex
	}
	return &Engine{
		store:         store,
		bus:           bus,
		costs:         cost.New(store, bus),
		interventions: interventions,
		invoker:       invoker,
		worktrees:     worktrees,
		tests:         tests,
		cfg:           cfg,
		executors:     executors,
		active:        make(map[string]context.CancelFunc),
	}
}

// TriggerRequest is a raw incoming change request.
type TriggerRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Source      string `json:"source"`
	ExternalID  string `json:"external_id,omitempty"`
}

// Trigger creates a CR and starts its pipeline asynchronously, returning the
// assigned cr_id.
func (e *Engine) Trigger(req TriggerRequest) (string, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	cr := &pipeline.ChangeRequest{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		Source:      req.Source,
		ExternalID:  req.ExternalID,
		Status:      pipeline.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateCR(cr); err != nil {
		return "", fmt.Errorf("create change request: %w", err)
	}

	e.bus.Publish(event.Event{
		CR:   cr.ID,
		Type: event.TypePipelineStarted,
		Data: map[string]any{"title": cr.Title, "source": cr.Source},
	})

	if err := e.start(cr.ID, pipeline.NewState(cr.ID), pipeline.Stages[0]); err != nil {
		return "", err
	}
	return cr.ID, nil
}

// Resume re-enters a paused or failed pipeline at the stage its latest
// checkpoint was taken for, with the given overrides merged in. It is
// rejected, without mutating state, for any other status.
func (e *Engine) Resume(crID string, rawOverrides map[string]any) error {
	cr, err := e.store.GetCR(crID)
	if err != nil {
		return err
	}
	if !cr.Status.Resumable() {
		return fmt.Errorf("cannot resume change request %s with status %q", crID, cr.Status)
	}

	overrides, err := pipeline.ParseOverrides(rawOverrides)
	if err != nil {
		return err
	}

	cp, err := e.store.LatestCheckpoint(crID)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("change request %s has no checkpoint to resume from", crID)
	}

	st := cp.State.Clone()
	st.PendingOverrides = st.PendingOverrides.Merge(overrides)

	// A checkpoint taken for a completed stage means the pipeline stopped
	// between stages; continue with the next one. A pause/failure checkpoint
	// re-enters the tagged stage so its decision logic runs again with the
	// new overrides in scope.
	from := cp.Stage
	if st.Completed(cp.Stage) {
		from = pipeline.NextStage(cp.Stage)
		if from == "" {
			return fmt.Errorf("change request %s has no stage left to resume", crID)
		}
	}

	if err := e.store.UpdateCR(crID, func(cr *pipeline.ChangeRequest) {
		cr.Status = pipeline.StatusRunning
		cr.Error = ""
	}); err != nil {
		return err
	}

	e.bus.Publish(event.Event{
		CR:    crID,
		Type:  event.TypePipelineResumed,
		Stage: from,
		Data:  map[string]any{"overrides": overrideKeys(overrides)},
	})

	return e.start(crID, st, from)
}

// Intervene records a nudge or instruction for a CR. Resume interventions go
// through Resume, which enforces the status precondition.
func (e *Engine) Intervene(crID string, nudge *intervene.Nudge, instruction *intervene.Instruction) error {
	if _, err := e.store.GetCR(crID); err != nil {
		return err
	}
	switch {
	case nudge != nil:
		if nudge.Role == "" || nudge.Message == "" {
			return fmt.Errorf("nudge requires a role and a message")
		}
		e.interventions.AddNudge(crID, *nudge)
		e.bus.Publish(event.Event{
			CR:   crID,
			Type: event.TypeInterventionSet,
			Data: map[string]any{"kind": "nudge", "role": nudge.Role, "message": nudge.Message},
		})
	case instruction != nil:
		if instruction.Text == "" {
			return fmt.Errorf("instruction requires text")
		}
		e.interventions.AddInstruction(crID, *instruction)
		e.bus.Publish(event.Event{
			CR:   crID,
			Type: event.TypeInterventionSet,
			Data: map[string]any{"kind": "instruction", "text": instruction.Text},
		})
	default:
		return fmt.Errorf("intervention must carry a nudge or an instruction")
	}
	return nil
}

// Status returns a snapshot of the change request.
func (e *Engine) Status(crID string) (*pipeline.ChangeRequest, error) {
	return e.store.GetCR(crID)
}

// StatusAll returns snapshots of all change requests.
func (e *Engine) StatusAll() ([]pipeline.ChangeRequest, error) {
	return e.store.ListCRs("")
}

// Conversation returns the ordered transcript for an agent role key, read
// from the latest checkpoint so it never races the live state.
func (e *Engine) Conversation(crID, key string) ([]pipeline.ConversationEntry, error) {
	cp, err := e.store.LatestCheckpoint(crID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		if _, err := e.store.GetCR(crID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return cp.State.Conversations[key], nil
}

// Subscribe returns the replay-then-stream event channel for a CR.
func (e *Engine) Subscribe(crID string) (<-chan event.Event, func()) {
	return e.bus.Subscribe(crID)
}

// History returns the recorded event history for a CR.
func (e *Engine) History(crID string) []event.Event {
	return e.bus.History(crID)
}

// Abort cancels a running pipeline without touching its last committed
// checkpoint; a later resume re-enters at the interrupted stage.
func (e *Engine) Abort(crID string) error {
	e.mu.Lock()
	cancel, ok := e.active[crID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("change request %s is not running", crID)
	}
	cancel()
	return nil
}

// Wait blocks until all running pipelines finish. Used by serve shutdown
// and tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// start launches the stage loop goroutine for one CR.
func (e *Engine) start(crID string, st *pipeline.PipelineState, from string) error {
	e.mu.Lock()
	if _, running := e.active[crID]; running {
		e.mu.Unlock()
		return fmt.Errorf("change request %s is already running", crID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.active[crID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, crID)
			e.mu.Unlock()
			cancel()
		}()
		e.run(ctx, crID, st, from)
	}()
	return nil
}

// run executes stages in order starting at from. It is the single writer of
// the CR's pipeline state.
func (e *Engine) run(ctx context.Context, crID string, st *pipeline.PipelineState, from string) {
	_ = e.store.UpdateCR(crID, func(cr *pipeline.ChangeRequest) {
		if cr.Status == pipeline.StatusPending {
			cr.Status = pipeline.StatusRunning
		}
	})

	agents := stage.NewAgents(e.invoker, e.bus, e.costs, e.interventions,
		e.cfg.Pipeline.Defaults.Retries, e.cfg.RetryBackoff())

	for idx := pipeline.StageIndex(from); idx >= 0 && idx < len(pipeline.Stages); idx++ {
		name := pipeline.Stages[idx]
		if st.Completed(name) {
			// Already checkpointed; never re-execute.
			continue
		}
		if !e.runStage(ctx, crID, st, agents, name) {
			return
		}
	}

	_ = e.store.UpdateCR(crID, func(cr *pipeline.ChangeRequest) {
		cr.Status = pipeline.StatusCompleted
	})
	e.bus.Publish(event.Event{CR: crID, Type: event.TypePipelineCompleted})
}

// runStage executes one stage through the per-stage protocol. It returns
// false when the pipeline must stop (pause, failure, or abort).
func (e *Engine) runStage(ctx context.Context, crID string, st *pipeline.PipelineState, agents *stage.Agents, name string) bool {
	cr, err := e.store.GetCR(crID)
	if err != nil {
		e.fail(crID, st, name, fmt.Sprintf("load change request: %v", err))
		return false
	}

	st.CurrentStage = name
	e.bus.Publish(event.Event{CR: crID, Type: event.TypeStageEntered, Stage: name})

	var instructions []string
	for _, in := range e.interventions.DrainInstructions(crID) {
		instructions = append(instructions, in.Text)
	}

	overrides := st.PendingOverrides
	sc := &stage.Context{
		CR:           cr,
		State:        st,
		Instructions: instructions,
		Overrides:    overrides,
		Agents:       agents,
		Worktrees:    e.worktrees,
		Tests:        e.tests,
		Bus:          e.bus,
		TDD:          e.cfg.Pipeline.TDD,
		Reviewers:    e.cfg.Pipeline.Reviewers,
	}

	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout(name))
	res, runErr := e.executors[name].Run(stageCtx, sc)
	cancel()

	// Overrides are consumed by the first stage decision after a resume.
	st.PendingOverrides = nil

	for _, entry := range agents.DrainTranscript() {
		st.AppendConversation(entry)
	}

	if runErr != nil {
		if ctx.Err() == context.Canceled {
			// Operator abort: stop waiting without superseding the last
			// committed checkpoint; resume re-enters this stage.
			_ = e.store.UpdateCR(crID, func(cr *pipeline.ChangeRequest) {
				cr.Status = pipeline.StatusPaused
			})
			e.bus.Publish(event.Event{
				CR: crID, Type: event.TypePipelinePaused, Stage: name,
				Data: map[string]any{"reason": "aborted by operator"},
			})
			return false
		}
		e.classifyFailure(crID, st, name, stageCtx, runErr)
		return false
	}

	st.MergeArtifacts(name, res.Artifacts)
	for k, v := range res.Iterations {
		if st.Iterations == nil {
			st.Iterations = make(map[string]int)
		}
		st.Iterations[k] = v
	}
	st.CompletedStages = append(st.CompletedStages, name)

	if _, err := e.store.SaveCheckpoint(crID, name, pipeline.StatusRunning, st); err != nil {
		e.fail(crID, st, name, fmt.Sprintf("write checkpoint: %v", err))
		return false
	}

	e.bus.Publish(event.Event{
		CR:    crID,
		Type:  event.TypeStageCompleted,
		Stage: name,
		Data:  res.Artifacts,
	})
	return true
}

// classifyFailure applies the failure taxonomy: typed recoverable failures
// and timeouts pause the pipeline, escalated transient errors pause it,
// anything else fails it.
func (e *Engine) classifyFailure(crID string, st *pipeline.PipelineState, name string, stageCtx context.Context, runErr error) {
	f := stage.AsFailure(runErr)
	recoverable := false
	reason := runErr.Error()

	switch {
	case f != nil:
		recoverable = f.Recoverable
		reason = f.Reason
		if len(f.Artifacts) > 0 {
			st.MergeArtifacts(name, f.Artifacts)
		}
	case errors.Is(runErr, context.DeadlineExceeded), stageCtx.Err() == context.DeadlineExceeded:
		recoverable = true
		reason = fmt.Sprintf("stage timed out after %s", e.cfg.StageTimeout(name))
	case agent.IsTransient(runErr):
		// Local retries exhausted; escalate as human-actionable.
		recoverable = true
	}

	if recoverable {
		e.pause(crID, st, name, reason)
	} else {
		e.fail(crID, st, name, reason)
	}
}

// pause checkpoints at the failing stage and parks the pipeline for resume.
func (e *Engine) pause(crID string, st *pipeline.PipelineState, name, reason string) {
	if _, err := e.store.SaveCheckpoint(crID, name, pipeline.StatusPaused, st); err != nil {
		e.fail(crID, st, name, fmt.Sprintf("write pause checkpoint: %v", err))
		return
	}
	_ = e.store.UpdateCR(crID, func(cr *pipeline.ChangeRequest) {
		cr.Status = pipeline.StatusPaused
	})
	e.bus.Publish(event.Event{
		CR: crID, Type: event.TypeError, Stage: name,
		Data: map[string]any{"reason": reason, "recoverable": true},
	})
	e.bus.Publish(event.Event{
		CR: crID, Type: event.TypePipelinePaused, Stage: name,
		Data: map[string]any{"reason": reason},
	})
}

// fail records an unrecoverable failure. The CR keeps its checkpoint, so an
// operator can still resume with corrected overrides.
func (e *Engine) fail(crID string, st *pipeline.PipelineState, name, reason string) {
	_, _ = e.store.SaveCheckpoint(crID, name, pipeline.StatusFailed, st)
	_ = e.store.UpdateCR(crID, func(cr *pipeline.ChangeRequest) {
		cr.Status = pipeline.StatusFailed
		cr.Error = reason
	})
	e.bus.Publish(event.Event{
		CR: crID, Type: event.TypeError, Stage: name,
		Data: map[string]any{"reason": reason, "recoverable": false},
	})
	e.bus.Publish(event.Event{
		CR: crID, Type: event.TypePipelineFailed, Stage: name,
		Data: map[string]any{"reason": reason},
	})
}

func overrideKeys(o pipeline.Overrides) []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, string(k))
	}
	return keys
}
