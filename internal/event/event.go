package event

import "time"

// Type identifies the kind of pipeline event.
type Type string

const (
	TypePipelineStarted   Type = "pipeline_started"
	TypePipelineResumed   Type = "pipeline_resumed"
	TypePipelineCompleted Type = "pipeline_completed"
	TypePipelineFailed    Type = "pipeline_failed"
	TypePipelinePaused    Type = "pipeline_paused"
	TypeStageEntered      Type = "stage_entered"
	TypeStageCompleted    Type = "stage_completed"
	TypeAgentStarted      Type = "agent_started"
	TypeAgentCompleted    Type = "agent_completed"
	TypeAgentToolCall     Type = "agent_tool_call"
	TypeAgentOutput       Type = "agent_output"
	TypeAgentNudge        Type = "agent_nudge"
	TypeTestRun           Type = "test_run"
	TypeReviewFinding     Type = "review_finding"
	TypeInterventionSet   Type = "intervention_set"
	TypeCostUpdate        Type = "cost_update"
	TypeError             Type = "error"
)

// Event is a single immutable entry in a change request's event history.
// Events are an observational projection of pipeline state, never the source
// of truth. Stage may carry a ":substage" suffix for nested activity such as
// a TDD iteration or a specific reviewer.
type Event struct {
	CR        string         `json:"cr_id"`
	Seq       int64          `json:"seq"`
	Type      Type           `json:"event_type"`
	Stage     string         `json:"stage,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
