package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using the git binary.
type ExecGit struct{}

func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// GitWorktree implements WorktreeManager with one cached clone per repo and
// one worktree per branch under baseDir.
type GitWorktree struct {
	git     GitRunner
	baseDir string
}

// NewGitWorktree creates a GitWorktree rooted at baseDir.
func NewGitWorktree(git GitRunner, baseDir string) *GitWorktree {
	return &GitWorktree{git: git, baseDir: baseDir}
}

// Prepare clones the repo if needed and adds a worktree on a fresh branch,
// returning the worktree path.
func (w *GitWorktree) Prepare(ctx context.Context, repoURL, branch string) (string, error) {
	if repoURL == "" {
		return "", fmt.Errorf("empty repo url")
	}
	branch = sanitizeBranch(branch)

	repoDir := filepath.Join(w.baseDir, "repos", repoSlug(repoURL))
	if _, err := os.Stat(repoDir); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(repoDir), 0o755); err != nil {
			return "", fmt.Errorf("mkdir repos: %w", err)
		}
		if _, err := w.git.Run(ctx, "", "clone", repoURL, repoDir); err != nil {
			return "", fmt.Errorf("clone %s: %w", repoURL, err)
		}
	} else {
		// Best-effort fetch so the branch starts from up-to-date main.
		_, _ = w.git.Run(ctx, repoDir, "fetch", "origin")
	}

	worktreePath := filepath.Join(w.baseDir, "worktrees", branch)
	_, err := w.git.Run(ctx, repoDir, "worktree", "add", worktreePath, "-b", branch)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			// Re-entering after a pause: reuse the existing worktree.
			if _, statErr := os.Stat(worktreePath); statErr == nil {
				return worktreePath, nil
			}
			if _, err := w.git.Run(ctx, repoDir, "worktree", "add", worktreePath, branch); err != nil {
				return "", fmt.Errorf("create worktree: %w", err)
			}
			return worktreePath, nil
		}
		return "", fmt.Errorf("create worktree: %w", err)
	}
	return worktreePath, nil
}

// Push commits all pending changes in the worktree and pushes its branch,
// returning the pushed commit hash.
func (w *GitWorktree) Push(ctx context.Context, path string) (string, error) {
	if _, err := w.git.Run(ctx, path, "add", "-A"); err != nil {
		return "", err
	}
	// Commit may be a no-op when the agents committed as they went.
	out, err := w.git.Run(ctx, path, "commit", "-m", "pipeline delivery")
	if err != nil && !strings.Contains(out, "nothing to commit") {
		return "", err
	}
	if _, err := w.git.Run(ctx, path, "push", "-u", "origin", "HEAD"); err != nil {
		return "", err
	}
	return w.git.Run(ctx, path, "rev-parse", "HEAD")
}

var branchUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._/-]+`)

func sanitizeBranch(branch string) string {
	branch = branchUnsafe.ReplaceAllString(branch, "-")
	return strings.Trim(branch, "-/")
}

func repoSlug(repoURL string) string {
	s := strings.TrimSuffix(repoURL, ".git")
	s = strings.NewReplacer("https://", "", "http://", "", "git@", "", ":", "/", "//", "/").Replace(s)
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "--" + parts[len(parts)-1]
	}
	return branchUnsafe.ReplaceAllString(s, "-")
}
