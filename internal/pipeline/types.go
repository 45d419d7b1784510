package pipeline

// Status is the lifecycle status of a change request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Resumable reports whether a resume operation is valid for this status.
// Both "paused" and "failed" accept resume; the distinction between them is
// severity and reporting, not recoverability.
func (s Status) Resumable() bool {
	return s == StatusPaused || s == StatusFailed
}

// Stage names, in execution order.
const (
	StageIntake                = "intake"
	StageRepoID                = "repo_id"
	StageWorktreeSetup         = "worktree_setup"
	StageBehaviourTranslation  = "behaviour_translation"
	StageBehaviourVerification = "behaviour_verification"
	StageTDD                   = "tdd"
	StageReview                = "review"
	StageRebase                = "rebase"
	StageDelivery              = "delivery"
	StageReleaseGate           = "release_gate"
	StageRelease               = "release"
	StageRetrospective         = "retrospective"
)

// Stages is the fixed stage order. The state machine never reorders or skips
// entries; overrides only alter a stage's internal decision.
var Stages = []string{
	StageIntake,
	StageRepoID,
	StageWorktreeSetup,
	StageBehaviourTranslation,
	StageBehaviourVerification,
	StageTDD,
	StageReview,
	StageRebase,
	StageDelivery,
	StageReleaseGate,
	StageRelease,
	StageRetrospective,
}

// StageIndex returns the position of a stage in the fixed order, or -1.
func StageIndex(name string) int {
	for i, s := range Stages {
		if s == name {
			return i
		}
	}
	return -1
}

// NextStage returns the stage after the given one, or "" if it is the last.
func NextStage(name string) string {
	if i := StageIndex(name); i >= 0 && i+1 < len(Stages) {
		return Stages[i+1]
	}
	return ""
}

// ChangeRequest is the unit of work: one requested code change tracked end to end.
type ChangeRequest struct {
	ID          string  `json:"cr_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Source      string  `json:"source"`
	ExternalID  string  `json:"external_id,omitempty"`
	Status      Status  `json:"status"`
	CostUSD     float64 `json:"cost_usd"`
	Error       string  `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// ConversationEntry is one message in an agent role's transcript.
type ConversationEntry struct {
	Role    string `json:"role"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
	At      string `json:"at"`
}

// PipelineState is the full mutable working state for one change request.
// Exactly one exists per CR; it is mutated only by the state machine and is
// the checkpointed unit. Readers get clones, never the live value.
type PipelineState struct {
	CR               string                         `json:"cr_id"`
	CurrentStage     string                         `json:"current_stage,omitempty"`
	CompletedStages  []string                       `json:"completed_stages"`
	Artifacts        map[string]map[string]any      `json:"stage_artifacts"`
	Iterations       map[string]int                 `json:"iteration_counters,omitempty"`
	PendingOverrides Overrides                      `json:"pending_overrides,omitempty"`
	Conversations    map[string][]ConversationEntry `json:"conversations,omitempty"`
}

// NewState returns an empty state for a CR.
func NewState(crID string) *PipelineState {
	return &PipelineState{
		CR:              crID,
		CompletedStages: []string{},
		Artifacts:       make(map[string]map[string]any),
		Iterations:      make(map[string]int),
		Conversations:   make(map[string][]ConversationEntry),
	}
}

// Completed reports whether the stage has already been completed and checkpointed.
func (s *PipelineState) Completed(stage string) bool {
	for _, c := range s.CompletedStages {
		if c == stage {
			return true
		}
	}
	return false
}

// MergeArtifacts merges a stage's success payload into the artifact map.
func (s *PipelineState) MergeArtifacts(stage string, payload map[string]any) {
	if s.Artifacts == nil {
		s.Artifacts = make(map[string]map[string]any)
	}
	dst := s.Artifacts[stage]
	if dst == nil {
		dst = make(map[string]any)
		s.Artifacts[stage] = dst
	}
	for k, v := range payload {
		dst[k] = v
	}
}

// AppendConversation records a transcript entry under the given role key.
func (s *PipelineState) AppendConversation(e ConversationEntry) {
	if s.Conversations == nil {
		s.Conversations = make(map[string][]ConversationEntry)
	}
	s.Conversations[e.Role] = append(s.Conversations[e.Role], e)
}

// Clone returns a copy safe to hand to readers. Individual artifact values
// are shared and must be treated as read-only by recipients.
func (s *PipelineState) Clone() *PipelineState {
	out := &PipelineState{
		CR:           s.CR,
		CurrentStage: s.CurrentStage,
	}
	out.CompletedStages = append([]string{}, s.CompletedStages...)
	out.Artifacts = make(map[string]map[string]any, len(s.Artifacts))
	for stage, payload := range s.Artifacts {
		m := make(map[string]any, len(payload))
		for k, v := range payload {
			m[k] = v
		}
		out.Artifacts[stage] = m
	}
	out.Iterations = make(map[string]int, len(s.Iterations))
	for k, v := range s.Iterations {
		out.Iterations[k] = v
	}
	if s.PendingOverrides != nil {
		out.PendingOverrides = make(Overrides, len(s.PendingOverrides))
		for k, v := range s.PendingOverrides {
			out.PendingOverrides[k] = v
		}
	}
	if s.Conversations != nil {
		out.Conversations = make(map[string][]ConversationEntry, len(s.Conversations))
		for k, v := range s.Conversations {
			out.Conversations[k] = append([]ConversationEntry{}, v...)
		}
	}
	return out
}

// Checkpoint is an immutable snapshot of PipelineState taken after a stage
// transition, tagged with the stage it was taken for. Seq increases by one
// per checkpoint within a CR.
type Checkpoint struct {
	CR      string         `json:"cr_id"`
	Seq     int            `json:"seq"`
	Stage   string         `json:"stage"`
	Status  Status         `json:"status"`
	State   *PipelineState `json:"state"`
	TakenAt string         `json:"taken_at"`
}
