package git

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type VCSAdapter struct {
	runner Runner
}

func NewVCSAdapter(runner Runner) *VCSAdapter {
	return &VCSAdapter{runner: runner}
}

// EnsureBranch checks out branch, creating it from the current HEAD when missing.
func (a *VCSAdapter) EnsureBranch(ctx context.Context, branch string) error {
	if _, err := a.runGit(ctx, "checkout", branch); err != nil {
		if _, createErr := a.runGit(ctx, "checkout", "-b", branch); createErr != nil {
			return errors.Join(err, createErr)
		}
	}
	return nil
}

func (a *VCSAdapter) IsDirty(ctx context.Context) (bool, error) {
	output, err := a.runGit(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(output) != "", nil
}

func (a *VCSAdapter) CommitAll(ctx context.Context, message string) (string, error) {
	if _, err := a.runGit(ctx, "add", "."); err != nil {
		return "", err
	}
	if _, err := a.runGit(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	sha, err := a.runGit(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sha), nil
}

func (a *VCSAdapter) PushBranch(ctx context.Context, branch string) error {
	_, err := a.runGit(ctx, "push", "-u", "origin", branch)
	return err
}

func (a *VCSAdapter) runGit(ctx context.Context, args ...string) (string, error) {
	out, err := a.runner.Run(ctx, "git", args...)
	if err == nil {
		return out, nil
	}
	command := "git " + strings.Join(args, " ")
	details := strings.TrimSpace(out)
	if details == "" {
		return "", fmt.Errorf("%s failed: %w", command, err)
	}
	return "", fmt.Errorf("%s failed: %s: %w", command, details, err)
}
