package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/anomalyco/patchpilot/internal/artifact"
	"github.com/anomalyco/patchpilot/internal/contracts"
)

// Publisher copies a passing task's result directory into a git working tree
// and commits it. Push is optional.
type Publisher struct {
	vcs     *VCSAdapter
	repoDir string
	subdir  string
	branch  string
	push    bool

	// Publishes share one working tree.
	mu sync.Mutex
}

type PublisherOptions struct {
	RepoDir string
	// Subdir is the path inside the repository that receives <taskID>/.
	Subdir string
	Branch string
	Push   bool
}

func NewPublisher(runner Runner, options PublisherOptions) (*Publisher, error) {
	if options.RepoDir == "" {
		return nil, errors.New("publish repository directory is required")
	}
	subdir := options.Subdir
	if subdir == "" {
		subdir = "results"
	}
	return &Publisher{
		vcs:     NewVCSAdapter(runner),
		repoDir: options.RepoDir,
		subdir:  subdir,
		branch:  options.Branch,
		push:    options.Push,
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, task contracts.Task, dir string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.branch != "" {
		if err := p.vcs.EnsureBranch(ctx, p.branch); err != nil {
			return "", err
		}
	}

	files, err := artifact.LoadDir(dir)
	if err != nil {
		return "", fmt.Errorf("load result directory: %w", err)
	}
	target, err := artifact.SafeJoin(p.repoDir, filepath.ToSlash(filepath.Join(p.subdir, task.ID)))
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(target); err != nil {
		return "", err
	}
	if err := artifact.Materialize(target, files); err != nil {
		return "", err
	}

	dirty, err := p.vcs.IsDirty(ctx)
	if err != nil {
		return "", err
	}
	if !dirty {
		return "", nil
	}

	message := "Add passing result for " + task.ID
	if task.Title != "" {
		message += ": " + task.Title
	}
	sha, err := p.vcs.CommitAll(ctx, message)
	if err != nil {
		return "", err
	}
	if p.push && p.branch != "" {
		if err := p.vcs.PushBranch(ctx, p.branch); err != nil {
			return sha, err
		}
	}
	return sha, nil
}
