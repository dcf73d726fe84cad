// Package generate adapts external code generators to contracts.Generator.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/anomalyco/patchpilot/internal/contracts"
	"github.com/anomalyco/patchpilot/internal/logging"
)

const DefaultTimeout = 2 * time.Minute

var ErrEmptyCommand = errors.New("generator command is empty")

// Error reports a generator command that failed or answered with an error.
type Error struct {
	Attempt  int
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	message := fmt.Sprintf("generator failed on attempt %d", e.Attempt)
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		message += ": " + lastLine(stderr)
	}
	return message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Request is the JSON document written to the generator's stdin.
type Request struct {
	Task      TaskPayload       `json:"task"`
	Attempt   int               `json:"attempt"`
	Prior     *AttemptPayload   `json:"prior,omitempty"`
	Diagnosis *DiagnosisPayload `json:"diagnosis,omitempty"`
}

type TaskPayload struct {
	ID           string            `json:"id"`
	Title        string            `json:"title,omitempty"`
	Description  string            `json:"description,omitempty"`
	Language     string            `json:"language,omitempty"`
	Requirements []string          `json:"requirements,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type AttemptPayload struct {
	Number    int               `json:"number"`
	Entry     string            `json:"entry"`
	Files     map[string]string `json:"files"`
	Stdout    string            `json:"stdout"`
	Stderr    string            `json:"stderr"`
	ExitCode  int               `json:"exit_code"`
	TimedOut  bool              `json:"timed_out"`
	Truncated bool              `json:"truncated,omitempty"`
}

type DiagnosisPayload struct {
	Classification    string   `json:"classification"`
	MatchedSignatures []string `json:"matched_signatures"`
	MissingModules    []string `json:"missing_modules,omitempty"`
	Summary           string   `json:"summary"`
}

// Response is the JSON document read from the generator's stdout.
type Response struct {
	Files map[string]string `json:"files,omitempty"`
	Code  string            `json:"code,omitempty"`
	Path  string            `json:"path,omitempty"`
	Error string            `json:"error,omitempty"`
}

func NewRequest(request contracts.GenerationRequest) Request {
	out := Request{
		Task: TaskPayload{
			ID:           request.Task.ID,
			Title:        request.Task.Title,
			Description:  request.Task.Description,
			Language:     request.Task.Language,
			Requirements: request.Task.Requirements,
			Metadata:     request.Task.Metadata,
		},
		Attempt: request.Attempt,
	}
	if prior := request.Prior; prior != nil {
		out.Prior = &AttemptPayload{
			Number:    prior.Number,
			Entry:     prior.Entry,
			Files:     prior.Artifacts,
			Stdout:    prior.Result.Stdout,
			Stderr:    prior.Result.Stderr,
			ExitCode:  prior.Result.ExitCode,
			TimedOut:  prior.Result.TimedOut,
			Truncated: prior.Result.Truncated,
		}
	}
	if diagnosis := request.Diagnosis; diagnosis != nil {
		out.Diagnosis = &DiagnosisPayload{
			Classification:    string(diagnosis.Classification),
			MatchedSignatures: diagnosis.MatchedSignatures,
			MissingModules:    diagnosis.MissingModules,
			Summary:           diagnosis.Summary,
		}
	}
	return out
}

type CommandOptions struct {
	Command []string
	Dir     string
	Env     []string
	Timeout time.Duration
	// DefaultPaths names the file that receives a bare "code" response, per language.
	DefaultPaths map[string]string
	LogDir       string
	Logger       *slog.Logger
}

// CommandGenerator runs an external program per request, JSON on stdin and stdout.
type CommandGenerator struct {
	options CommandOptions
	logger  *slog.Logger
	cmdLog  *logging.CommandLogger
}

func NewCommandGenerator(options CommandOptions) (*CommandGenerator, error) {
	if len(options.Command) == 0 || strings.TrimSpace(options.Command[0]) == "" {
		return nil, ErrEmptyCommand
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}
	return &CommandGenerator{
		options: options,
		logger:  logging.Component(options.Logger, "generate"),
		cmdLog:  logging.NewCommandLogger(options.LogDir),
	}, nil
}

func (g *CommandGenerator) Generate(ctx context.Context, request contracts.GenerationRequest) (contracts.ArtifactSet, error) {
	payload, err := json.Marshal(NewRequest(request))
	if err != nil {
		return nil, &Error{Attempt: request.Attempt, Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, g.options.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, g.options.Command[0], g.options.Command[1:]...)
	cmd.Dir = g.options.Dir
	cmd.Env = append(os.Environ(), g.options.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		exitCode = -1
	}
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if _, logErr := g.cmdLog.LogCommand(logging.CommandRecord{
		Command:   g.options.Command,
		Dir:       g.options.Dir,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode,
		TimedOut:  timedOut,
		Err:       runErr,
		StartTime: start,
		Elapsed:   elapsed,
	}); logErr != nil {
		g.logger.Debug("log generator command", "error", logErr)
	}
	g.logger.Debug("generator finished", "task_id", request.Task.ID, "attempt", request.Attempt, "exit_code", exitCode, "elapsed", elapsed)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timedOut {
		return nil, &Error{Attempt: request.Attempt, ExitCode: exitCode, Stderr: stderr.String(), Err: fmt.Errorf("timed out after %s", g.options.Timeout)}
	}
	if runErr != nil {
		return nil, &Error{Attempt: request.Attempt, ExitCode: exitCode, Stderr: stderr.String(), Err: runErr}
	}

	set, err := g.decode(request, stdout.Bytes())
	if err != nil {
		return nil, &Error{Attempt: request.Attempt, Stderr: stderr.String(), Err: err}
	}
	return set, nil
}

func (g *CommandGenerator) decode(request contracts.GenerationRequest, raw []byte) (contracts.ArtifactSet, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty response")
	}
	if err := validateResponse(raw); err != nil {
		return nil, err
	}
	var response Response
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return ResponseArtifacts(response, g.defaultPath(request.Task.Language))
}

func (g *CommandGenerator) defaultPath(language string) string {
	if path := g.options.DefaultPaths[language]; path != "" {
		return path
	}
	return DefaultPath(language)
}

// ResponseArtifacts turns a decoded response into an ArtifactSet. A bare
// "code" answer is stored under path (or fallbackPath) after fence stripping.
func ResponseArtifacts(response Response, fallbackPath string) (contracts.ArtifactSet, error) {
	if response.Error != "" {
		return nil, errors.New(response.Error)
	}
	set := contracts.ArtifactSet{}
	for path, content := range response.Files {
		set[path] = content
	}
	if response.Code != "" {
		path := response.Path
		if path == "" {
			path = fallbackPath
		}
		set[path] = StripCodeFences(response.Code)
	}
	return set, nil
}

// DefaultPath is the conventional entry file for language.
func DefaultPath(language string) string {
	switch strings.ToLower(language) {
	case "python", "":
		return "main.py"
	case "node", "javascript":
		return "main.js"
	case "shell", "sh":
		return "main.sh"
	default:
		return "main." + strings.ToLower(language)
	}
}

// StripCodeFences returns the body of the first fenced block, or text
// unchanged when it has no fences.
func StripCodeFences(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	body := text[start+3:]
	if newline := strings.IndexByte(body, '\n'); newline >= 0 {
		body = body[newline+1:]
	} else {
		return text
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimRight(body, " \t\n") + "\n"
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
