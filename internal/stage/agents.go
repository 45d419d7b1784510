package stage

import (
	"context"
	"sync"
	"time"

	"github.com/lucasnoah/crfactory/internal/agent"
	"github.com/lucasnoah/crfactory/internal/cost"
	"github.com/lucasnoah/crfactory/internal/event"
	"github.com/lucasnoah/crfactory/internal/intervene"
	"github.com/lucasnoah/crfactory/internal/pipeline"
)

// outputSnippet bounds the agent output carried on agent_output events.
const outputSnippet = 2000

// Agents is the instrumented path to the external agent invoker. Every call
// drains pending nudges for the role, emits the agent lifecycle events,
// feeds the cost accumulator, retries transient failures, and records the
// exchange in a transcript buffer the engine folds into pipeline state.
//
// Safe for concurrent use; review fan-out invokes reviewers in parallel.
type Agents struct {
	inv           agent.Invoker
	bus           *event.Bus
	costs         *cost.Accumulator
	interventions *intervene.Registry
	retries       int
	backoff       time.Duration

	mu         sync.Mutex
	transcript []pipeline.ConversationEntry
}

// NewAgents wires the instrumented invoker for one CR run.
func NewAgents(inv agent.Invoker, bus *event.Bus, costs *cost.Accumulator, interventions *intervene.Registry, retries int, backoff time.Duration) *Agents {
	return &Agents{
		inv:           inv,
		bus:           bus,
		costs:         costs,
		interventions: interventions,
		retries:       retries,
		backoff:       backoff,
	}
}

// Invoke calls an agent role on behalf of a stage. stageLabel may carry a
// ":substage" suffix (e.g. "review:security", "tdd:iteration-2").
func (a *Agents) Invoke(ctx context.Context, crID, stageLabel, role string, input map[string]any) (*agent.Result, error) {
	var nudges []string
	for _, n := range a.interventions.DrainNudges(crID, role) {
		nudges = append(nudges, n.Message)
		a.bus.Publish(event.Event{
			CR:    crID,
			Type:  event.TypeAgentNudge,
			Stage: stageLabel,
			Data:  map[string]any{"role": role, "message": n.Message},
		})
	}

	a.bus.Publish(event.Event{
		CR:    crID,
		Type:  event.TypeAgentStarted,
		Stage: stageLabel,
		Data:  map[string]any{"role": role},
	})

	start := time.Now()
	res, err := agent.InvokeWithRetry(ctx, a.inv, agent.Invocation{
		CR:      crID,
		Stage:   stageLabel,
		Role:    role,
		Context: input,
		Nudges:  nudges,
	}, a.retries, a.backoff)
	if err != nil {
		return nil, err
	}

	if res.CostUSD > 0 {
		a.costs.Add(crID, stageLabel, res.CostUSD)
	}

	// Agents report tool usage in their payload; surface each call as its
	// own event for the dashboard timeline.
	if calls, ok := res.Payload["tool_calls"].([]any); ok {
		for _, call := range calls {
			a.bus.Publish(event.Event{
				CR:    crID,
				Type:  event.TypeAgentToolCall,
				Stage: stageLabel,
				Data:  map[string]any{"role": role, "call": call},
			})
		}
	}

	if res.Output != "" {
		a.bus.Publish(event.Event{
			CR:    crID,
			Type:  event.TypeAgentOutput,
			Stage: stageLabel,
			Data:  map[string]any{"role": role, "output": head(res.Output, outputSnippet)},
		})
	}

	a.bus.Publish(event.Event{
		CR:    crID,
		Type:  event.TypeAgentCompleted,
		Stage: stageLabel,
		Data: map[string]any{
			"role":        role,
			"cost_usd":    res.CostUSD,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})

	a.mu.Lock()
	a.transcript = append(a.transcript, pipeline.ConversationEntry{
		Role:    role,
		Stage:   stageLabel,
		Message: res.Output,
		At:      time.Now().UTC().Format(time.RFC3339),
	})
	a.mu.Unlock()

	return res, nil
}

// DrainTranscript returns and clears the buffered conversation entries. The
// engine calls this after each stage, from the single-writer goroutine, and
// merges the entries into pipeline state before checkpointing.
func (a *Agents) DrainTranscript() []pipeline.ConversationEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.transcript
	a.transcript = nil
	return out
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
