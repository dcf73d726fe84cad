// Package sandbox runs an entry artifact as a child process inside a
// provisioned environment.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/anomalyco/patchpilot/internal/contracts"
	"github.com/anomalyco/patchpilot/internal/logging"
)

// TimeoutExitCode marks a run that was killed by the timeout policy.
const TimeoutExitCode = -1

// DefaultMaxOutputBytes caps each captured stream.
const DefaultMaxOutputBytes = 1 << 20

// DefaultWaitDelay is how long output is drained after the child exits.
const DefaultWaitDelay = 2 * time.Second

var (
	ErrStartFailed = errors.New("failed to start entry process")
	ErrCancelled   = errors.New("execution cancelled")
)

type Options struct {
	Logger         *slog.Logger
	LogDir         string
	MaxOutputBytes int
	WaitDelay      time.Duration
}

type Runner struct {
	logger         *slog.Logger
	commandLog     *logging.CommandLogger
	maxOutputBytes int
	waitDelay      time.Duration
	now            func() time.Time
}

func New(options Options) *Runner {
	maxOutput := options.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	waitDelay := options.WaitDelay
	if waitDelay <= 0 {
		waitDelay = DefaultWaitDelay
	}
	return &Runner{
		logger:         logging.Component(options.Logger, "sandbox"),
		commandLog:     logging.NewCommandLogger(options.LogDir),
		maxOutputBytes: maxOutput,
		waitDelay:      waitDelay,
		now:            time.Now,
	}
}

// Run executes entry inside env. A non-zero exit or a timeout is reported in
// the result, not as an error. Errors are reserved for start failures and
// cancellation; in both cases the returned result still carries whatever was
// captured.
func (r *Runner) Run(ctx context.Context, env contracts.Environment, entry string, policy contracts.ExecutionPolicy) (contracts.ExecutionResult, error) {
	if env == nil {
		return contracts.ExecutionResult{}, fmt.Errorf("%w: nil environment", ErrStartFailed)
	}
	if err := ctx.Err(); err != nil {
		return contracts.ExecutionResult{}, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	args := env.Command(entry)
	logger := r.logger.With("env_id", env.ID(), "entry", entry)

	maxOutput := policy.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = r.maxOutputBytes
	}
	stdout := newCaptureWriter(contracts.OutputStdout, maxOutput, policy.OnOutput)
	stderr := newCaptureWriter(contracts.OutputStderr, maxOutput, policy.OnOutput)

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = env.Root()
	cmd.Env = r.buildEnv(env, entry, policy)
	setProcessGroup(cmd)

	// Descendants that leave the process group can keep the output pipes open
	// after the child exits. WaitDelay bounds how long Wait drains them.
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.waitDelay

	start := r.now()
	if err := cmd.Start(); err != nil {
		result := contracts.ExecutionResult{
			Stderr:   fmt.Sprintf("failed to start %s: %v", args[0], err),
			ExitCode: 127,
		}
		r.logCommand(args, cmd.Dir, result, err, start)
		logger.Error("entry process failed to start", "error", err)
		return result, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	logger.Debug("entry process started", "pid", cmd.Process.Pid, "timeout", policy.Timeout)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if policy.Timeout > 0 {
		timer := time.NewTimer(policy.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		waitErr   error
		timedOut  bool
		cancelled error
	)
	select {
	case waitErr = <-done:
	case <-timeout:
		timedOut = true
		if err := killProcessGroup(cmd); err != nil {
			logger.Warn("kill timed out process group", "error", err)
		}
		waitErr = <-done
	case <-ctx.Done():
		cancelled = ctx.Err()
		if err := killProcessGroup(cmd); err != nil {
			logger.Warn("kill cancelled process group", "error", err)
		}
		waitErr = <-done
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		logger.Warn("output pipes still held by a detached descendant; closed after wait delay", "wait_delay", r.waitDelay)
	}
	stdout.flush()
	stderr.flush()

	result := contracts.ExecutionResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode(cmd, waitErr),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  r.now().Sub(start),
	}
	if timedOut {
		result.TimedOut = true
		result.ExitCode = TimeoutExitCode
		if result.Stderr != "" && result.Stderr[len(result.Stderr)-1] != '\n' {
			result.Stderr += "\n"
		}
		result.Stderr += fmt.Sprintf("execution timed out after %s", policy.Timeout)
	}
	r.logCommand(args, cmd.Dir, result, waitErr, start)

	if cancelled != nil {
		logger.Info("entry process cancelled", "elapsed", result.Duration)
		return result, fmt.Errorf("%w: %w", ErrCancelled, cancelled)
	}
	logger.Debug("entry process finished",
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"truncated", result.Truncated,
		"elapsed", result.Duration,
	)
	return result, nil
}

func (r *Runner) buildEnv(env contracts.Environment, entry string, policy contracts.ExecutionPolicy) []string {
	base := env.Env()
	source, _ := os.ReadFile(filepath.Join(env.Root(), filepath.FromSlash(entry)))
	overrides := HeadlessEnv(string(source), policy.Headless, base)
	for k, v := range policy.Env {
		overrides[k] = v
	}

	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

func (r *Runner) logCommand(args []string, dir string, result contracts.ExecutionResult, err error, start time.Time) {
	if !r.commandLog.Enabled() {
		return
	}
	if _, logErr := r.commandLog.LogCommand(logging.CommandRecord{
		Command:   args,
		Dir:       dir,
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		ExitCode:  result.ExitCode,
		TimedOut:  result.TimedOut,
		Truncated: result.Truncated,
		Err:       err,
		StartTime: start,
		Elapsed:   result.Duration,
	}); logErr != nil {
		r.logger.Warn("write command log", "error", logErr)
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return 1
	}
	return 0
}
