package git

import (
	"context"
	"strings"

	"github.com/anomalyco/patchpilot/internal/exec"
)

type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// CommandAdapter runs git inside a fixed repository through the logged
// command runner.
type CommandAdapter struct {
	runner *exec.CommandRunner
	dir    string
}

func NewCommandAdapter(runner *exec.CommandRunner, dir string) *CommandAdapter {
	return &CommandAdapter{runner: runner, dir: dir}
}

func (a *CommandAdapter) Run(ctx context.Context, name string, args ...string) (string, error) {
	result, err := a.runner.Run(ctx, exec.Command{Args: append([]string{name}, args...), Dir: a.dir})
	output := result.Stdout
	if err != nil && strings.TrimSpace(result.Stderr) != "" {
		output = strings.TrimSpace(output + "\n" + result.Stderr)
	}
	return output, err
}
