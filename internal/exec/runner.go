package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/anomalyco/patchpilot/internal/logging"
	"golang.org/x/term"
)

// Command is a short-lived setup step such as creating a virtualenv or
// installing a dependency manifest.
type Command struct {
	Args []string
	Dir  string
	Env  []string
}

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Elapsed  time.Duration
	LogPath  string
}

// CommandRunner runs setup commands with per-command log files and an
// optional progress writer.
type CommandRunner struct {
	logger *logging.CommandLogger
	out    io.Writer
}

func NewCommandRunner(logDir string, out io.Writer) *CommandRunner {
	return &CommandRunner{
		logger: logging.NewCommandLogger(logDir),
		out:    out,
	}
}

func (cr *CommandRunner) Run(ctx context.Context, command Command) (Result, error) {
	if len(command.Args) == 0 {
		return Result{}, errors.New("command is empty")
	}
	start := time.Now()

	var stdout, stderr strings.Builder
	cmd := exec.CommandContext(ctx, command.Args[0], command.Args[1:]...)
	cmd.Dir = command.Dir
	if command.Env != nil {
		cmd.Env = command.Env
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	printCommand(cr.out, command.Args)
	err := cmd.Run()
	elapsed := time.Since(start)
	exitCode := exitCodeFromError(err)
	printOutcome(cr.out, err, exitCode, elapsed)

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Elapsed:  elapsed,
	}
	if cr.logger != nil {
		// Log write failures never mask the command result.
		result.LogPath, _ = cr.logger.LogCommand(logging.CommandRecord{
			Command:   command.Args,
			Dir:       command.Dir,
			Stdout:    result.Stdout,
			Stderr:    result.Stderr,
			ExitCode:  exitCode,
			Err:       err,
			StartTime: start,
			Elapsed:   elapsed,
		})
	}
	if err != nil {
		return result, fmt.Errorf("%s: %w", strings.Join(command.Args, " "), err)
	}
	return result, nil
}

func printCommand(out io.Writer, args []string) {
	if out == nil {
		return
	}
	if isTerminal(out) {
		io.WriteString(out, "\r\x1b[2K$ "+strings.Join(args, " ")+"\r\n")
		return
	}
	io.WriteString(out, "$ "+strings.Join(args, " ")+"\n")
}

func printOutcome(out io.Writer, err error, exitCode int, elapsed time.Duration) {
	if out == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	line := status + " (exit=" + strconv.Itoa(exitCode) + ", elapsed=" + formatElapsed(elapsed) + ")"
	if isTerminal(out) {
		io.WriteString(out, "\r\x1b[2K"+line+"\r\n")
		return
	}
	io.WriteString(out, line+"\n")
}

func formatElapsed(elapsed time.Duration) string {
	if elapsed < time.Millisecond {
		return "0ms"
	}
	return elapsed.Round(time.Millisecond).String()
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return 1
}

func isTerminal(out io.Writer) bool {
	file, ok := out.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(file.Fd()))
}
