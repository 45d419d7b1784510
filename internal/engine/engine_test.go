package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/crfactory/internal/agent"
	"github.com/lucasnoah/crfactory/internal/config"
	"github.com/lucasnoah/crfactory/internal/event"
	"github.com/lucasnoah/crfactory/internal/intervene"
	"github.com/lucasnoah/crfactory/internal/pipeline"
)

// roleInvoker scripts agent results per role. Roles without a handler get an
// empty successful result.
type roleInvoker struct {
	mu       sync.Mutex
	handlers map[string]func(agent.Invocation) (*agent.Result, error)
	calls    []agent.Invocation
}

func newRoleInvoker() *roleInvoker {
	return &roleInvoker{handlers: make(map[string]func(agent.Invocation) (*agent.Result, error))}
}

func (r *roleInvoker) reply(role string, payload map[string]any) {
	r.handlers[role] = func(agent.Invocation) (*agent.Result, error) {
		return &agent.Result{Payload: payload, Output: "done"}, nil
	}
}

func (r *roleInvoker) Invoke(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, inv)
	fn := r.handlers[inv.Role]
	r.mu.Unlock()
	if fn == nil {
		fn = func(agent.Invocation) (*agent.Result, error) {
			return &agent.Result{Payload: map[string]any{}, Output: "ok"}, nil
		}
	}
	res, err := fn(inv)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return res, err
}

type stubWorktrees struct{}

func (stubWorktrees) Prepare(_ context.Context, _, branch string) (string, error) {
	return "/tmp/wt-" + branch[strings.LastIndex(branch, "/")+1:], nil
}

func (stubWorktrees) Push(_ context.Context, _ string) (string, error) {
	return "deadbeef", nil
}

type passingTests struct{}

func (passingTests) Run(_ context.Context, _, _ string) (*agent.TestResult, error) {
	return &agent.TestResult{Passed: true, Output: "ok"}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Pipeline.Name = "test"
	cfg.Pipeline.Defaults.Timeout = "30s"
	cfg.Pipeline.Defaults.Retries = 2
	cfg.Pipeline.Defaults.RetryBackoff = "1ms"
	cfg.Pipeline.TDD.MaxIterations = 3
	cfg.Pipeline.TDD.Command = "true"
	cfg.Pipeline.TDD.OutputTail = 200
	cfg.Pipeline.Reviewers = []string{"security", "quality"}
	return cfg
}

type harness struct {
	eng   *Engine
	store *pipeline.Store
	bus   *event.Bus
	inv   *roleInvoker
	queue *intervene.Registry
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	store := pipeline.NewStore(t.TempDir())
	bus := event.NewBus(nil)
	inv := newRoleInvoker()
	inv.reply("repo_identifier", map[string]any{"repo_url": "https://example.com/org/repo"})
	inv.reply("behaviour_verifier", map[string]any{"verified": true})
	queue := intervene.NewRegistry()

	eng := New(store, bus, queue, inv, stubWorktrees{}, passingTests{}, cfg)
	return &harness{eng: eng, store: store, bus: bus, inv: inv, queue: queue}
}

func (h *harness) triggerAndWait(t *testing.T) string {
	t.Helper()
	crID, err := h.eng.Trigger(TriggerRequest{
		Title:       "Add feature",
		Description: "Make the thing work",
		Source:      "test",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	h.eng.Wait()
	return crID
}

func (h *harness) status(t *testing.T, crID string) *pipeline.ChangeRequest {
	t.Helper()
	cr, err := h.eng.Status(crID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return cr
}

func (h *harness) eventTypes(crID string) []event.Type {
	var out []event.Type
	for _, e := range h.bus.History(crID) {
		out = append(out, e.Type)
	}
	return out
}

func TestPipelinePausesAtReleaseGate(t *testing.T) {
	h := newHarness(t, nil)
	crID := h.triggerAndWait(t)

	cr := h.status(t, crID)
	if cr.Status != pipeline.StatusPaused {
		t.Fatalf("Status = %q, want paused at the release gate", cr.Status)
	}

	cp, err := h.store.LatestCheckpoint(crID)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if cp.Stage != pipeline.StageReleaseGate {
		t.Errorf("checkpoint stage = %q, want release_gate", cp.Stage)
	}
	if cp.Status != pipeline.StatusPaused {
		t.Errorf("checkpoint status = %q, want paused", cp.Status)
	}

	// Everything before the gate completed, in order.
	want := pipeline.Stages[:pipeline.StageIndex(pipeline.StageReleaseGate)]
	if len(cp.State.CompletedStages) != len(want) {
		t.Fatalf("completed stages = %v, want %v", cp.State.CompletedStages, want)
	}
	for i, s := range want {
		if cp.State.CompletedStages[i] != s {
			t.Errorf("completed[%d] = %s, want %s", i, cp.State.CompletedStages[i], s)
		}
	}

	types := h.eventTypes(crID)
	if types[0] != event.TypePipelineStarted {
		t.Errorf("first event = %s, want pipeline_started", types[0])
	}
	if types[len(types)-1] != event.TypePipelinePaused {
		t.Errorf("last event = %s, want pipeline_paused", types[len(types)-1])
	}
}

func TestResumeWithApprovalCompletes(t *testing.T) {
	h := newHarness(t, nil)
	crID := h.triggerAndWait(t)

	if err := h.eng.Resume(crID, map[string]any{"release_approved": true}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.eng.Wait()

	cr := h.status(t, crID)
	if cr.Status != pipeline.StatusCompleted {
		t.Fatalf("Status = %q, want completed", cr.Status)
	}

	cp, _ := h.store.LatestCheckpoint(crID)
	if len(cp.State.CompletedStages) != len(pipeline.Stages) {
		t.Errorf("completed %d stages, want all %d", len(cp.State.CompletedStages), len(pipeline.Stages))
	}
	if got := cp.State.Artifacts[pipeline.StageReleaseGate]["approved"]; got != true {
		t.Errorf("release_gate approved artifact = %v, want true", got)
	}

	types := h.eventTypes(crID)
	if types[len(types)-1] != event.TypePipelineCompleted {
		t.Errorf("last event = %s, want pipeline_completed", types[len(types)-1])
	}
	var resumed bool
	for _, typ := range types {
		if typ == event.TypePipelineResumed {
			resumed = true
		}
	}
	if !resumed {
		t.Error("no pipeline_resumed event recorded")
	}
}

func TestResumeDoesNotReExecuteCompletedStages(t *testing.T) {
	h := newHarness(t, nil)
	crID := h.triggerAndWait(t)

	before := len(h.inv.calls)
	if err := h.eng.Resume(crID, map[string]any{"release_approved": true}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.eng.Wait()

	// Only release and retrospective invoke agents after the gate.
	var after []string
	h.inv.mu.Lock()
	for _, c := range h.inv.calls[before:] {
		after = append(after, c.Role)
	}
	h.inv.mu.Unlock()

	if len(after) != 2 || after[0] != "releaser" || after[1] != "retrospective" {
		t.Errorf("post-resume roles = %v, want [releaser retrospective]", after)
	}
}

func TestResumeRejectedWhenCompleted(t *testing.T) {
	h := newHarness(t, nil)
	crID := h.triggerAndWait(t)

	if err := h.eng.Resume(crID, map[string]any{"release_approved": true}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.eng.Wait()

	if err := h.eng.Resume(crID, nil); err == nil {
		t.Fatal("resume of a completed pipeline should be rejected")
	}
}

func TestResumeUnknownOverrideRejectedWithoutMutation(t *testing.T) {
	h := newHarness(t, nil)
	crID := h.triggerAndWait(t)

	err := h.eng.Resume(crID, map[string]any{"skip_reviews_forever": true})
	if err == nil {
		t.Fatal("expected rejection of unknown override key")
	}
	if !strings.Contains(err.Error(), "skip_reviews_forever") {
		t.Errorf("error should name the bad key: %v", err)
	}

	cr := h.status(t, crID)
	if cr.Status != pipeline.StatusPaused {
		t.Errorf("Status = %q after rejected resume, want still paused", cr.Status)
	}
}

func TestUnrecoverableFailureFailsPipeline(t *testing.T) {
	h := newHarness(t, nil)
	h.inv.reply("repo_identifier", map[string]any{}) // no repo_url

	crID := h.triggerAndWait(t)

	cr := h.status(t, crID)
	if cr.Status != pipeline.StatusFailed {
		t.Fatalf("Status = %q, want failed", cr.Status)
	}
	if cr.Error == "" {
		t.Error("failed CR should carry an error summary")
	}

	types := h.eventTypes(crID)
	if types[len(types)-1] != event.TypePipelineFailed {
		t.Errorf("last event = %s, want pipeline_failed", types[len(types)-1])
	}

	// Failed pipelines stay resumable.
	if !cr.Status.Resumable() {
		t.Error("failed status should accept resume")
	}
}

func TestRecoverableFailurePausesAndRetainsArtifacts(t *testing.T) {
	h := newHarness(t, nil)
	h.inv.reply("security", map[string]any{
		"findings": []any{map[string]any{"severity": "critical", "message": "injection risk"}},
	})

	crID := h.triggerAndWait(t)

	cr := h.status(t, crID)
	if cr.Status != pipeline.StatusPaused {
		t.Fatalf("Status = %q, want paused on blocking review", cr.Status)
	}

	cp, _ := h.store.LatestCheckpoint(crID)
	if cp.Stage != pipeline.StageReview {
		t.Errorf("checkpoint stage = %q, want review", cp.Stage)
	}
	findings, _ := cp.State.Artifacts[pipeline.StageReview]["findings"].([]any)
	if len(findings) != 1 {
		t.Errorf("findings not retained in checkpoint: %v", cp.State.Artifacts[pipeline.StageReview])
	}

	// Human accepts the risk and resumes past review.
	if err := h.eng.Resume(crID, map[string]any{"review_passed": true}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.eng.Wait()

	cr = h.status(t, crID)
	if cr.Status != pipeline.StatusPaused {
		t.Fatalf("Status = %q, want paused again at the release gate", cr.Status)
	}
	cp, _ = h.store.LatestCheckpoint(crID)
	if cp.Stage != pipeline.StageReleaseGate {
		t.Errorf("checkpoint stage = %q, want release_gate", cp.Stage)
	}
	if got := cp.State.Artifacts[pipeline.StageReview]["overridden"]; got != true {
		t.Errorf("review artifacts overridden = %v, want true", got)
	}
}

func TestOverridesConsumedOnce(t *testing.T) {
	h := newHarness(t, nil)
	crID := h.triggerAndWait(t)

	if err := h.eng.Resume(crID, map[string]any{"release_approved": true}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.eng.Wait()

	cp, _ := h.store.LatestCheckpoint(crID)
	if len(cp.State.PendingOverrides) != 0 {
		t.Errorf("overrides still pending after consumption: %v", cp.State.PendingOverrides)
	}
}

func TestStageTimeoutPauses(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.Stages = []config.Stage{{ID: pipeline.StageRepoID, Timeout: "30ms"}}

	h := newHarness(t, cfg)
	h.inv.handlers["repo_identifier"] = func(agent.Invocation) (*agent.Result, error) {
		time.Sleep(time.Second)
		return &agent.Result{Payload: map[string]any{"repo_url": "x"}}, nil
	}

	crID := h.triggerAndWait(t)

	cr := h.status(t, crID)
	if cr.Status != pipeline.StatusPaused {
		t.Fatalf("Status = %q, want paused after stage timeout", cr.Status)
	}
	cp, _ := h.store.LatestCheckpoint(crID)
	if cp.Stage != pipeline.StageRepoID {
		t.Errorf("checkpoint stage = %q, want repo_id", cp.Stage)
	}
}

func TestAbortPausesWithoutSupersedingCheckpoint(t *testing.T) {
	h := newHarness(t, nil)

	block := make(chan struct{})
	h.inv.handlers["repo_identifier"] = func(agent.Invocation) (*agent.Result, error) {
		<-block
		return &agent.Result{Payload: map[string]any{"repo_url": "https://example.com/org/repo"}}, nil
	}

	crID, err := h.eng.Trigger(TriggerRequest{Title: "t", Description: "d", Source: "test"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if err := h.eng.Abort(crID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	close(block)
	h.eng.Wait()

	cr := h.status(t, crID)
	if cr.Status != pipeline.StatusPaused {
		t.Fatalf("Status = %q, want paused after abort", cr.Status)
	}

	// The interrupted stage writes no checkpoint; the last committed one is
	// intake's, so resume re-enters repo_id.
	cp, _ := h.store.LatestCheckpoint(crID)
	if cp.Stage != pipeline.StageIntake {
		t.Errorf("checkpoint stage = %q, want intake", cp.Stage)
	}

	if err := h.eng.Abort(crID); err == nil {
		t.Error("abort of an idle pipeline should be rejected")
	}

	if err := h.eng.Resume(crID, nil); err != nil {
		t.Fatalf("Resume after abort: %v", err)
	}
	h.eng.Wait()
	if got := h.status(t, crID).Status; got != pipeline.StatusPaused {
		t.Errorf("Status after resume = %q, want paused at the release gate", got)
	}
}

func TestInterveneQueuesAndEmits(t *testing.T) {
	h := newHarness(t, nil)
	crID := h.triggerAndWait(t)

	if err := h.eng.Intervene(crID, &intervene.Nudge{Role: "releaser", Message: "tag carefully"}, nil); err != nil {
		t.Fatalf("Intervene nudge: %v", err)
	}
	if err := h.eng.Intervene(crID, nil, &intervene.Instruction{Text: "mention the migration"}); err != nil {
		t.Fatalf("Intervene instruction: %v", err)
	}
	if err := h.eng.Intervene(crID, nil, nil); err == nil {
		t.Error("empty intervention should be rejected")
	}
	if err := h.eng.Intervene("missing", nil, &intervene.Instruction{Text: "x"}); err == nil {
		t.Error("intervention on unknown CR should be rejected")
	}

	var set int
	for _, typ := range h.eventTypes(crID) {
		if typ == event.TypeInterventionSet {
			set++
		}
	}
	if set != 2 {
		t.Errorf("intervention_set events = %d, want 2", set)
	}

	// The queued nudge reaches the releaser on resume.
	if err := h.eng.Resume(crID, map[string]any{"release_approved": true}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.eng.Wait()

	var releaserNudges []string
	h.inv.mu.Lock()
	for _, c := range h.inv.calls {
		if c.Role == "releaser" {
			releaserNudges = c.Nudges
		}
	}
	h.inv.mu.Unlock()
	if len(releaserNudges) != 1 || releaserNudges[0] != "tag carefully" {
		t.Errorf("releaser nudges = %v, want [tag carefully]", releaserNudges)
	}
}

func TestTranscriptRecordedInCheckpoint(t *testing.T) {
	h := newHarness(t, nil)
	crID := h.triggerAndWait(t)

	entries, err := h.eng.Conversation(crID, "repo_identifier")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("repo_identifier transcript = %d entries, want 1", len(entries))
	}
	if entries[0].Stage != pipeline.StageRepoID {
		t.Errorf("entry stage = %q, want repo_id", entries[0].Stage)
	}
}

func TestCheckpointPerStage(t *testing.T) {
	h := newHarness(t, nil)
	crID := h.triggerAndWait(t)

	cps, err := h.store.Checkpoints(crID)
	if err != nil {
		t.Fatalf("Checkpoints: %v", err)
	}
	// Nine completed stages plus the pause checkpoint at the gate.
	if len(cps) != pipeline.StageIndex(pipeline.StageReleaseGate)+1 {
		t.Errorf("checkpoint count = %d, want %d", len(cps), pipeline.StageIndex(pipeline.StageReleaseGate)+1)
	}
	for i, cp := range cps {
		if cp.Seq != i+1 {
			t.Errorf("checkpoint %d seq = %d, want %d", i, cp.Seq, i+1)
		}
	}
}
