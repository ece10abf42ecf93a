package runtime

import (
	"context"
	"fmt"
	"strings"
)

// HeadCommit returns the current HEAD sha of the runtime's work dir.
func HeadCommit(ctx context.Context, rt Runtime) (string, error) {
	res, err := rt.Exec(ctx, "git rev-parse HEAD", nil)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git rev-parse HEAD: %s", strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// CurrentBranch returns the checked-out branch name, or the sha when
// detached.
func CurrentBranch(ctx context.Context, rt Runtime) (string, error) {
	res, err := rt.Exec(ctx, "git rev-parse --abbrev-ref HEAD", nil)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git rev-parse --abbrev-ref HEAD: %s", strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// CreateWorktree adds a git worktree on a new branch at worktreePath.
func CreateWorktree(ctx context.Context, repoPath, worktreePath, branch string) error {
	rt := NewLocal(repoPath)
	cmd := fmt.Sprintf("git worktree add -b %s %s", shellQuote(branch), shellQuote(worktreePath))
	res, err := rt.Exec(ctx, cmd, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git worktree add: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// RemoveWorktree force-removes a worktree and prunes its registration.
func RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	rt := NewLocal(repoPath)
	cmd := fmt.Sprintf("git worktree remove --force %s", shellQuote(worktreePath))
	res, err := rt.Exec(ctx, cmd, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git worktree remove: %s", strings.TrimSpace(res.Stderr))
	}
	_, _ = rt.Exec(ctx, "git worktree prune", nil)
	return nil
}

// FormatPatch renders `git format-patch --stdout base..HEAD` as one mbox
// string, for task completion artifacts.
func FormatPatch(ctx context.Context, rt Runtime, baseCommit string) (string, error) {
	cmd := fmt.Sprintf("git format-patch --stdout --binary %s..HEAD", shellQuote(baseCommit))
	res, err := rt.Exec(ctx, cmd, nil)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git format-patch: %s", strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}
