package stage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/crfactory/internal/agent"
	"github.com/lucasnoah/crfactory/internal/config"
	"github.com/lucasnoah/crfactory/internal/cost"
	"github.com/lucasnoah/crfactory/internal/event"
	"github.com/lucasnoah/crfactory/internal/intervene"
	"github.com/lucasnoah/crfactory/internal/pipeline"
)

// fakeInvoker routes invocations to per-role handlers and records every call.
type fakeInvoker struct {
	mu       sync.Mutex
	handlers map[string]func(agent.Invocation) (*agent.Result, error)
	calls    []agent.Invocation
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{handlers: make(map[string]func(agent.Invocation) (*agent.Result, error))}
}

func (f *fakeInvoker) on(role string, fn func(agent.Invocation) (*agent.Result, error)) {
	f.handlers[role] = fn
}

func (f *fakeInvoker) reply(role string, payload map[string]any) {
	f.on(role, func(agent.Invocation) (*agent.Result, error) {
		return &agent.Result{Payload: payload, Output: "done"}, nil
	})
}

func (f *fakeInvoker) Invoke(_ context.Context, inv agent.Invocation) (*agent.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	fn := f.handlers[inv.Role]
	f.mu.Unlock()
	if fn == nil {
		return &agent.Result{Payload: map[string]any{}, Output: "ok"}, nil
	}
	return fn(inv)
}

func (f *fakeInvoker) callsFor(role string) []agent.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []agent.Invocation
	for _, c := range f.calls {
		if c.Role == role {
			out = append(out, c)
		}
	}
	return out
}

// fakeTestRunner returns scripted results in order, repeating the last one.
type fakeTestRunner struct {
	mu      sync.Mutex
	results []*agent.TestResult
	runs    int
}

func (f *fakeTestRunner) Run(_ context.Context, _, _ string) (*agent.TestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	i := f.runs - 1
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i], nil
}

type fixture struct {
	sc      *Context
	inv     *fakeInvoker
	runner  *fakeTestRunner
	bus     *event.Bus
	store   *pipeline.Store
	queue   *intervene.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := pipeline.NewStore(t.TempDir())
	now := time.Now().UTC().Format(time.RFC3339)
	cr := &pipeline.ChangeRequest{
		ID: "cr-test", Title: "Add feature", Description: "Make it work", Source: "test",
		Status: pipeline.StatusRunning, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateCR(cr); err != nil {
		t.Fatalf("CreateCR: %v", err)
	}

	bus := event.NewBus(nil)
	inv := newFakeInvoker()
	runner := &fakeTestRunner{results: []*agent.TestResult{{Passed: true, Output: "ok"}}}
	queue := intervene.NewRegistry()
	agents := NewAgents(inv, bus, cost.New(store, bus), queue, 2, time.Millisecond)

	st := pipeline.NewState(cr.ID)
	st.MergeArtifacts(pipeline.StageWorktreeSetup, map[string]any{
		"worktree_path": "/tmp/wt",
		"branch":        "cr/test",
	})
	st.MergeArtifacts(pipeline.StageRepoID, map[string]any{"repo_url": "https://example.com/org/repo"})

	return &fixture{
		sc: &Context{
			CR:        cr,
			State:     st,
			Agents:    agents,
			Tests:     runner,
			Bus:       bus,
			TDD:       config.TDD{MaxIterations: 3, Command: "go test ./...", OutputTail: 200},
			Reviewers: []string{"security", "quality", "spec_compliance"},
		},
		inv:    inv,
		runner: runner,
		bus:    bus,
		store:  store,
		queue:  queue,
	}
}

// eventsOfType filters the recorded bus history.
func (f *fixture) eventsOfType(typ event.Type) []event.Event {
	var out []event.Event
	for _, e := range f.bus.History(f.sc.CR.ID) {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
