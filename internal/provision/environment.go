package provision

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Environment is a provisioned scratch directory with a private toolchain.
// Destroy is idempotent and safe for concurrent use.
type Environment struct {
	id          string
	taskID      string
	attempt     int
	root        string
	workDir     string
	interpreter []string
	expansion   expansion
	env         []string
	manager     *Manager

	mu        sync.Mutex
	destroyed bool
}

func (e *Environment) ID() string {
	return e.id
}

// Root is the artifact root and the working directory of the entry process.
func (e *Environment) Root() string {
	return e.workDir
}

// Dir is the environment's private directory holding toolchain state.
func (e *Environment) Dir() string {
	return e.root
}

func (e *Environment) Command(entry string) []string {
	x := e.expansion
	x.entry = filepath.Join(e.workDir, filepath.FromSlash(entry))
	if len(e.interpreter) == 0 {
		return []string{x.entry}
	}
	args := x.expandArgs(e.interpreter)
	for _, arg := range e.interpreter {
		if strings.Contains(arg, PlaceholderEntry) {
			return args
		}
	}
	return append(args, x.entry)
}

func (e *Environment) Env() []string {
	out := make([]string, len(e.env))
	copy(out, e.env)
	return out
}

func (e *Environment) Destroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

func (e *Environment) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil
	}
	if err := os.RemoveAll(e.root); err != nil {
		return err
	}
	e.destroyed = true
	if e.manager != nil {
		e.manager.forget(e.id)
		e.manager.logger.Debug("environment destroyed", "env_id", e.id, "task_id", e.taskID, "attempt", e.attempt)
	}
	return nil
}
