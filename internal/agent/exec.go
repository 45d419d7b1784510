package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// CommandInvoker invokes agent roles by shelling out to a configured command.
// The invocation is written to stdin as JSON; the command prints a JSON
// Result on stdout. This is the serve-mode production invoker; tests use
// in-process fakes.
type CommandInvoker struct {
	Command string
}

func (c *CommandInvoker) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	input, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("marshal invocation: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Non-zero exit is a collaborator hiccup, not a verdict; retryable.
		return nil, Transient(fmt.Errorf("agent command (role=%s): %s: %w", inv.Role, strings.TrimSpace(stderr.String()), err))
	}

	var res Result
	if err := json.Unmarshal([]byte(stdout.String()), &res); err != nil {
		return nil, fmt.Errorf("agent command (role=%s): bad output: %w", inv.Role, err)
	}
	return &res, nil
}

// ExecTestRunner runs test commands via the shell. Passed means exit code 0.
type ExecTestRunner struct{}

func (e *ExecTestRunner) Run(ctx context.Context, command, dir string) (*TestResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return &TestResult{Passed: false, Output: string(out)}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("run tests: %w", err)
	}
	return &TestResult{Passed: true, Output: string(out)}, nil
}
