// Package intervene holds pending human directives for running pipelines.
//
// Nudges and instructions are advisory: they are queued here at any time,
// including mid-stage, and consulted by the state machine only at its
// decision points. They never preempt an in-flight executor call. Resume is
// not queued; it is an engine operation validated against pipeline status.
package intervene

import "sync"

// Nudge is advisory context attached to the next invocation of a specific
// agent role.
type Nudge struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

// Instruction is advisory context consulted at the next stage-entry decision
// point.
type Instruction struct {
	Text string `json:"text"`
}

// Registry is the per-CR inbox of pending interventions. Writers (the API
// layer) and the reader (the state machine) may run concurrently.
type Registry struct {
	mu           sync.Mutex
	nudges       map[string][]Nudge
	instructions map[string][]Instruction
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		nudges:       make(map[string][]Nudge),
		instructions: make(map[string][]Instruction),
	}
}

// AddNudge queues a nudge for the next invocation of the named role.
func (r *Registry) AddNudge(crID string, n Nudge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nudges[crID] = append(r.nudges[crID], n)
}

// AddInstruction queues an instruction for the next stage entry.
func (r *Registry) AddInstruction(crID string, in Instruction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instructions[crID] = append(r.instructions[crID], in)
}

// DrainInstructions removes and returns all pending instructions for a CR.
func (r *Registry) DrainInstructions(crID string) []Instruction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.instructions[crID]
	delete(r.instructions, crID)
	return out
}

// DrainNudges removes and returns pending nudges for the given role only;
// nudges for other roles stay queued.
func (r *Registry) DrainNudges(crID, role string) []Nudge {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.nudges[crID]
	if len(all) == 0 {
		return nil
	}
	var matched []Nudge
	var rest []Nudge
	for _, n := range all {
		if n.Role == role {
			matched = append(matched, n)
		} else {
			rest = append(rest, n)
		}
	}
	if len(rest) == 0 {
		delete(r.nudges, crID)
	} else {
		r.nudges[crID] = rest
	}
	return matched
}

// Pending returns the counts of queued nudges and instructions for a CR.
func (r *Registry) Pending(crID string) (nudges, instructions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nudges[crID]), len(r.instructions[crID])
}
