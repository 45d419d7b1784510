// Package agent defines the collaborator boundary of the pipeline: the
// LLM-backed agent invoker, the test runner, and the worktree manager. The
// engine and stage executors depend only on these interfaces; concrete
// implementations shell out to external tools.
package agent

import "context"

// Invocation is one call to an agent role.
type Invocation struct {
	CR      string         `json:"cr_id"`
	Stage   string         `json:"stage"`
	Role    string         `json:"role"`
	Context map[string]any `json:"context,omitempty"`
	Nudges  []string       `json:"nudges,omitempty"`
}

// Result is what an agent invocation returns: a structured payload, the raw
// textual output, and the incremental dollar cost of the call.
type Result struct {
	Payload map[string]any `json:"payload,omitempty"`
	Output  string         `json:"output,omitempty"`
	CostUSD float64        `json:"cost_usd"`
}

// Invoker calls an external agent role. Calls may block for non-trivial
// wall-clock time and must honor context cancellation.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}

// TestResult is the outcome of running a test command.
type TestResult struct {
	Passed bool   `json:"passed"`
	Output string `json:"output"`
}

// TestRunner executes a test command against a worktree.
type TestRunner interface {
	Run(ctx context.Context, command, dir string) (*TestResult, error)
}

// WorktreeManager prepares isolated worktrees and pushes finished work.
type WorktreeManager interface {
	Prepare(ctx context.Context, repoURL, branch string) (path string, err error)
	Push(ctx context.Context, path string) (ref string, err error)
}
