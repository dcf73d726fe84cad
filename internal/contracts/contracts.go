package contracts

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrRunNotFound  = errors.New("run not found")
)

// Task is the caller-supplied description of what to build. It is treated as
// immutable for the duration of one pipeline run.
type Task struct {
	ID             string
	Title          string
	Description    string
	Language       string
	Requirements   []string
	PriorArtifacts ArtifactSet
	Metadata       map[string]string
}

// ArtifactSet maps a slash-separated relative path to its text content.
type ArtifactSet map[string]string

// Paths returns the artifact paths in lexical order.
func (s ArtifactSet) Paths() []string {
	paths := make([]string, 0, len(s))
	for path := range s {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (s ArtifactSet) Clone() ArtifactSet {
	if s == nil {
		return nil
	}
	out := make(ArtifactSet, len(s))
	for path, content := range s {
		out[path] = content
	}
	return out
}

// Equal reports whether both sets hold the same paths with byte-identical content.
func (s ArtifactSet) Equal(other ArtifactSet) bool {
	if len(s) != len(other) {
		return false
	}
	for path, content := range s {
		otherContent, ok := other[path]
		if !ok || otherContent != content {
			return false
		}
	}
	return true
}

type ExecutionResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// Combined is the text the classifier inspects.
func (r ExecutionResult) Combined() string {
	if r.Stdout == "" {
		return r.Stderr
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

type Classification string

const (
	ClassificationPass        Classification = "PASS"
	ClassificationNeedsRepair Classification = "NEEDS_REPAIR"
)

type Diagnosis struct {
	Classification    Classification
	MatchedSignatures []string
	MissingModules    []string
	Summary           string
}

func (d Diagnosis) Passed() bool {
	return d.Classification == ClassificationPass
}

type AttemptRecord struct {
	Number    int
	Artifacts ArtifactSet
	Entry     string
	Result    ExecutionResult
	Diagnosis Diagnosis
	Unchanged bool
}

type RunState string

const (
	RunStateStart          RunState = "start"
	RunStateProvisioned    RunState = "provisioned"
	RunStateExecuted       RunState = "executed"
	RunStateAwaitingRepair RunState = "awaiting_repair"
	RunStateDonePass       RunState = "done_pass"
	RunStateDoneFail       RunState = "done_fail"
	RunStateCancelled      RunState = "cancelled"
)

func (s RunState) Terminal() bool {
	switch s {
	case RunStateDonePass, RunStateDoneFail, RunStateCancelled:
		return true
	default:
		return false
	}
}

type FailureKind string

const (
	FailureNone                    FailureKind = ""
	FailureAttemptsExhausted       FailureKind = "attempts_exhausted"
	FailureGenerationError         FailureKind = "generation_error"
	FailureNoArtifactsProduced     FailureKind = "no_artifacts_produced"
	FailureProvisionFailed         FailureKind = "provision_failed"
	FailureDependencyInstallFailed FailureKind = "dependency_install_failed"
	FailureCancelled               FailureKind = "cancelled"
	FailureInternal                FailureKind = "internal"
)

// TaskRunStatus is the externally visible state of one task's pipeline run.
// Only the tracker mutates it; everything else receives copies.
type TaskRunStatus struct {
	TaskID      string           `json:"task_id"`
	Generation  uint64           `json:"generation"`
	State       RunState         `json:"state"`
	Success     bool             `json:"success"`
	Completed   bool             `json:"completed"`
	Attempts    int              `json:"attempts"`
	WasRepaired bool             `json:"was_repaired"`
	LastResult  *ExecutionResult `json:"last_result,omitempty"`
	Diagnosis   *Diagnosis       `json:"diagnosis,omitempty"`
	FailureKind FailureKind      `json:"failure_kind,omitempty"`
	Summary     string           `json:"summary,omitempty"`
	ArtifactDir string           `json:"artifact_dir,omitempty"`
	Published   bool             `json:"published,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at,omitzero"`
}

// GenerationRequest asks the generation collaborator for a fresh or repaired
// ArtifactSet. Prior and Diagnosis are nil on the first attempt.
type GenerationRequest struct {
	Task      Task
	Attempt   int
	Prior     *AttemptRecord
	Diagnosis *Diagnosis
}

type Generator interface {
	Generate(ctx context.Context, request GenerationRequest) (ArtifactSet, error)
}

type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (Task, error)
}

type ProvisionRequest struct {
	TaskID    string
	Attempt   int
	Language  string
	Artifacts ArtifactSet
}

// Environment is a provisioned, disposable runtime for exactly one attempt.
// Destroy must be idempotent.
type Environment interface {
	ID() string
	Root() string
	Command(entry string) []string
	Env() []string
	Destroy() error
}

type Provisioner interface {
	Provision(ctx context.Context, request ProvisionRequest) (Environment, error)
}

type OutputStream string

const (
	OutputStdout OutputStream = "stdout"
	OutputStderr OutputStream = "stderr"
)

type ExecutionPolicy struct {
	Timeout        time.Duration
	Env            map[string]string
	Headless       bool
	MaxOutputBytes int
	OnOutput       func(stream OutputStream, line string)
}

type SandboxRunner interface {
	Run(ctx context.Context, env Environment, entry string, policy ExecutionPolicy) (ExecutionResult, error)
}

type Classifier interface {
	Classify(result ExecutionResult) Diagnosis
}

type VCS interface {
	CommitAll(ctx context.Context, message string) (string, error)
	PushBranch(ctx context.Context, branch string) error
}
