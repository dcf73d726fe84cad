// Package repair drives one task through provision, execute, classify and
// regenerate cycles until it passes or the attempt budget runs out.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/anomalyco/patchpilot/internal/artifact"
	"github.com/anomalyco/patchpilot/internal/contracts"
	"github.com/anomalyco/patchpilot/internal/logging"
	"github.com/anomalyco/patchpilot/internal/metrics"
	"github.com/anomalyco/patchpilot/internal/provision"
	"github.com/google/uuid"
)

const DefaultMaxAttempts = 3

// SignatureDependencyInstall marks an attempt whose manifest could not be installed.
const SignatureDependencyInstall = "dependency_install_failed"

// Reporter receives status snapshots for one run. The tracker implements it.
type Reporter interface {
	Generation() uint64
	Report(status contracts.TaskRunStatus)
}

type EntryResolver interface {
	EntryRules(language string) (artifact.EntryRules, error)
}

// Publisher is invoked after DONE_PASS with the persisted result directory.
type Publisher interface {
	Publish(ctx context.Context, task contracts.Task, dir string) (string, error)
}

type Dependencies struct {
	Generator   contracts.Generator
	Provisioner contracts.Provisioner
	Runner      contracts.SandboxRunner
	Classifier  contracts.Classifier
	Entries     EntryResolver
	Events      contracts.EventSink
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Publisher   Publisher
}

type Options struct {
	MaxAttempts    int
	Timeout        time.Duration
	MaxOutputBytes int
	Headless       bool
	Env            map[string]string
	// ResultsDir receives <taskID>/ with the final reported artifacts.
	ResultsDir string
	// FailedDir, when set, keeps the working tree of every failed attempt.
	FailedDir    string
	SummaryLog   string
	StreamOutput bool
}

type Controller struct {
	deps    Dependencies
	options Options
	logger  *slog.Logger
	now     func() time.Time
}

func NewController(deps Dependencies, options Options) *Controller {
	if options.MaxAttempts <= 0 {
		options.MaxAttempts = DefaultMaxAttempts
	}
	return &Controller{
		deps:    deps,
		options: options,
		logger:  logging.Component(deps.Logger, "repair"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *Controller) MaxAttempts() int {
	return c.options.MaxAttempts
}

// run carries the mutable state of one Run call.
type run struct {
	task     contracts.Task
	reporter Reporter
	status   contracts.TaskRunStatus
	final    *contracts.AttemptRecord
	logger   *slog.Logger
}

// Run executes the pipeline for task and always returns a terminal status.
// The error is nil only for DONE_PASS.
func (c *Controller) Run(ctx context.Context, task contracts.Task, reporter Reporter) (contracts.TaskRunStatus, error) {
	if reporter == nil {
		reporter = nopReporter{}
	}
	r := &run{
		task:     task,
		reporter: reporter,
		status: contracts.TaskRunStatus{
			TaskID:     task.ID,
			Generation: reporter.Generation(),
			State:      contracts.RunStateStart,
			StartedAt:  c.now(),
		},
		logger: c.logger.With("task_id", task.ID, "generation", reporter.Generation()),
	}
	c.deps.Metrics.RunStarted()
	c.publish(r)
	c.emit(ctx, r, contracts.Event{Type: contracts.EventTypeRunStarted, Message: task.Title})
	r.logger.Info("run started", "max_attempts", c.options.MaxAttempts)

	if c.options.FailedDir != "" {
		_ = os.RemoveAll(filepath.Join(c.options.FailedDir, task.ID))
	}

	err := c.loop(ctx, r)
	return c.finish(ctx, r, err)
}

func (c *Controller) loop(ctx context.Context, r *run) error {
	var previous *contracts.AttemptRecord
	for attempt := 1; attempt <= c.options.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}

		artifacts, unchanged, err := c.obtainArtifacts(ctx, r, attempt, previous)
		if err != nil {
			return err
		}
		rules, err := c.entryRules(r.task.Language)
		if err != nil {
			return err
		}
		entry, err := artifact.ResolveEntry(artifacts, rules)
		if err != nil {
			return &GenerationError{Attempt: attempt, Err: err}
		}

		r.status.State = contracts.RunStateStart
		c.publish(r)
		c.emit(ctx, r, contracts.Event{Type: contracts.EventTypeAttemptStarted, Attempt: attempt, Message: entry, Metadata: map[string]string{
			"files":     strconv.Itoa(len(artifacts)),
			"digest":    artifact.Digest(artifacts),
			"unchanged": strconv.FormatBool(unchanged),
		}})

		record, err := c.runAttempt(ctx, r, attempt, artifacts, entry)
		if err != nil {
			return err
		}
		record.Unchanged = unchanged
		previous = &record
		r.final = &record

		result := record.Result
		diagnosis := record.Diagnosis
		r.status.Attempts = attempt
		r.status.WasRepaired = attempt > 1
		r.status.LastResult = &result
		r.status.Diagnosis = &diagnosis
		r.status.State = contracts.RunStateExecuted
		c.publish(r)
		c.deps.Metrics.Attempt(string(diagnosis.Classification), diagnosis.MatchedSignatures)
		c.emit(ctx, r, contracts.Event{Type: contracts.EventTypeDiagnosis, Attempt: attempt, Message: string(diagnosis.Classification), Metadata: map[string]string{
			"signatures":      strings.Join(diagnosis.MatchedSignatures, ","),
			"missing_modules": strings.Join(diagnosis.MissingModules, ","),
		}})
		r.logger.Info("attempt classified",
			"attempt", attempt,
			"classification", diagnosis.Classification,
			"signatures", diagnosis.MatchedSignatures,
			"exit_code", result.ExitCode,
			"timed_out", result.TimedOut,
		)

		if diagnosis.Passed() {
			return nil
		}
		if attempt < c.options.MaxAttempts {
			r.status.State = contracts.RunStateAwaitingRepair
			c.publish(r)
		}
	}
	return &ExhaustedError{Attempts: r.status.Attempts, Diagnosis: r.final.Diagnosis}
}

func (c *Controller) entryRules(language string) (artifact.EntryRules, error) {
	if c.deps.Entries == nil {
		return artifact.EntryRules{}, nil
	}
	rules, err := c.deps.Entries.EntryRules(language)
	if err != nil {
		return artifact.EntryRules{}, &provision.Error{Kind: provision.KindProvisionFailed, Err: err}
	}
	return rules, nil
}

// obtainArtifacts returns the artifact set for attempt, generating or
// repairing through the collaborator. unchanged reports a repair that
// returned byte-identical artifacts.
func (c *Controller) obtainArtifacts(ctx context.Context, r *run, attempt int, previous *contracts.AttemptRecord) (contracts.ArtifactSet, bool, error) {
	if previous == nil && len(r.task.PriorArtifacts) > 0 {
		return r.task.PriorArtifacts.Clone(), false, nil
	}
	if c.deps.Generator == nil {
		return nil, false, &GenerationError{Attempt: attempt, Err: errors.New("no generator configured")}
	}

	request := contracts.GenerationRequest{Task: r.task, Attempt: attempt}
	eventType := contracts.EventTypeGenerationStarted
	if previous != nil {
		prior := *previous
		diagnosis := previous.Diagnosis
		request.Prior = &prior
		request.Diagnosis = &diagnosis
		eventType = contracts.EventTypeRepairRequested
	}
	c.emit(ctx, r, contracts.Event{Type: eventType, Attempt: attempt})

	artifacts, err := c.generate(ctx, request)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
	}
	if err != nil {
		r.logger.Warn("generation failed", "attempt", attempt, "error", err)
		return nil, false, &GenerationError{Attempt: attempt, Err: err}
	}
	if len(artifacts) == 0 {
		return nil, false, &GenerationError{Attempt: attempt, Err: artifact.ErrNoArtifacts}
	}
	c.emit(ctx, r, contracts.Event{Type: contracts.EventTypeGenerationFinished, Attempt: attempt, Metadata: map[string]string{"files": strconv.Itoa(len(artifacts))}})

	unchanged := false
	if previous != nil {
		unchanged = artifacts.Equal(previous.Artifacts)
		c.deps.Metrics.RepairRequested(!unchanged)
		if unchanged {
			r.logger.Warn("repair returned identical artifacts; executing again", "attempt", attempt)
			c.emit(ctx, r, contracts.Event{Type: contracts.EventTypeRepairUnchanged, Attempt: attempt})
		}
	}
	return artifacts, unchanged, nil
}

// generate abandons the collaborator call when ctx is cancelled; a late
// result is discarded.
func (c *Controller) generate(ctx context.Context, request contracts.GenerationRequest) (contracts.ArtifactSet, error) {
	type outcome struct {
		artifacts contracts.ArtifactSet
		err       error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- outcome{err: fmt.Errorf("generator panicked: %v", recovered)}
			}
		}()
		artifacts, err := c.deps.Generator.Generate(ctx, request)
		done <- outcome{artifacts: artifacts, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		return out.artifacts, out.err
	}
}

// runAttempt provisions a fresh environment, executes entry and classifies
// the result. The environment is destroyed on every exit path, including
// panics, before runAttempt returns.
func (c *Controller) runAttempt(ctx context.Context, r *run, attempt int, artifacts contracts.ArtifactSet, entry string) (record contracts.AttemptRecord, err error) {
	record = contracts.AttemptRecord{Number: attempt, Artifacts: artifacts, Entry: entry}

	c.emit(ctx, r, contracts.Event{Type: contracts.EventTypeProvisionStarted, Attempt: attempt})
	provisionStart := time.Now()
	env, err := c.deps.Provisioner.Provision(ctx, contracts.ProvisionRequest{
		TaskID:    r.task.ID,
		Attempt:   attempt,
		Language:  r.task.Language,
		Artifacts: artifacts,
	})
	c.deps.Metrics.ObserveProvision(time.Since(provisionStart), err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return record, fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
		}
		if errors.Is(err, provision.ErrDependencyInstallFailed) {
			return c.installFailure(ctx, r, record, err), nil
		}
		return record, err
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("attempt panicked", "attempt", attempt, "panic", recovered)
			err = fmt.Errorf("%w: %v", ErrAttemptPanicked, recovered)
		}
		// A cancelled run may already have a successor writing the same directory.
		if c.options.FailedDir != "" && ctx.Err() == nil && (err != nil || !record.Diagnosis.Passed()) {
			c.keepFailedAttempt(r, attempt, env)
		}
		if destroyErr := env.Destroy(); destroyErr != nil {
			r.logger.Warn("destroy environment", "env_id", env.ID(), "error", destroyErr)
			c.emit(context.WithoutCancel(ctx), r, contracts.Event{Type: contracts.EventTypeWarning, Attempt: attempt, EnvID: env.ID(), Message: "destroy environment: " + destroyErr.Error()})
			return
		}
		c.emit(context.WithoutCancel(ctx), r, contracts.Event{Type: contracts.EventTypeEnvironmentRemoved, Attempt: attempt, EnvID: env.ID()})
	}()

	r.status.State = contracts.RunStateProvisioned
	c.publish(r)
	c.emit(ctx, r, contracts.Event{Type: contracts.EventTypeProvisionFinished, Attempt: attempt, EnvID: env.ID()})

	policy := contracts.ExecutionPolicy{
		Timeout:        c.options.Timeout,
		Env:            c.options.Env,
		Headless:       c.options.Headless,
		MaxOutputBytes: c.options.MaxOutputBytes,
	}
	if c.options.StreamOutput {
		policy.OnOutput = func(stream contracts.OutputStream, line string) {
			c.emit(ctx, r, contracts.Event{Type: contracts.EventTypeExecutionOutput, Attempt: attempt, EnvID: env.ID(), Message: line, Metadata: map[string]string{"stream": string(stream)}})
		}
	}

	c.emit(ctx, r, contracts.Event{Type: contracts.EventTypeExecutionStarted, Attempt: attempt, EnvID: env.ID(), Message: entry})
	result, runErr := c.deps.Runner.Run(ctx, env, entry, policy)
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return record, fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
		}
		// Start failures still carry a synthetic result and are repairable.
		r.logger.Warn("entry execution error", "attempt", attempt, "error", runErr)
		if result.Stderr == "" {
			result.Stderr = runErr.Error()
		}
		if result.ExitCode == 0 {
			result.ExitCode = 1
		}
	}
	c.deps.Metrics.ObserveExecution(result.Duration, result.TimedOut, result.ExitCode)
	c.emit(ctx, r, contracts.Event{Type: contracts.EventTypeExecutionFinished, Attempt: attempt, EnvID: env.ID(), Metadata: map[string]string{
		"exit_code": strconv.Itoa(result.ExitCode),
		"timed_out": strconv.FormatBool(result.TimedOut),
		"truncated": strconv.FormatBool(result.Truncated),
		"duration":  result.Duration.Round(time.Millisecond).String(),
	}})

	record.Result = result
	record.Diagnosis = c.deps.Classifier.Classify(result)
	return record, nil
}

// installFailure turns a dependency install failure into a repairable attempt.
func (c *Controller) installFailure(ctx context.Context, r *run, record contracts.AttemptRecord, err error) contracts.AttemptRecord {
	output := err.Error()
	var provisionErr *provision.Error
	if errors.As(err, &provisionErr) && strings.TrimSpace(provisionErr.Output) != "" {
		output = provisionErr.Output
	}
	record.Result = contracts.ExecutionResult{Stderr: output, ExitCode: 1}
	classified := c.deps.Classifier.Classify(record.Result)
	record.Diagnosis = contracts.Diagnosis{
		Classification:    contracts.ClassificationNeedsRepair,
		MatchedSignatures: append([]string{SignatureDependencyInstall}, classified.MatchedSignatures...),
		MissingModules:    classified.MissingModules,
		Summary:           "dependency manifest could not be installed; fix package names or drop the dependency\n" + classified.Summary,
	}
	c.emit(ctx, r, contracts.Event{Type: contracts.EventTypeWarning, Attempt: record.Number, Message: "dependency install failed"})
	return record
}

func (c *Controller) keepFailedAttempt(r *run, attempt int, env contracts.Environment) {
	snapshot, err := artifact.LoadDir(env.Root())
	if err != nil || len(snapshot) == 0 {
		return
	}
	dir := filepath.Join(c.options.FailedDir, r.task.ID, "attempt-"+strconv.Itoa(attempt))
	if err := artifact.Materialize(dir, snapshot); err != nil {
		r.logger.Warn("keep failed attempt", "attempt", attempt, "error", err)
	}
}

func (c *Controller) finish(ctx context.Context, r *run, runErr error) (contracts.TaskRunStatus, error) {
	status := &r.status
	status.Completed = true
	status.FinishedAt = c.now()

	switch {
	case runErr == nil:
		status.State = contracts.RunStateDonePass
		status.Success = true
	case errors.Is(runErr, ErrCancelled):
		status.State = contracts.RunStateCancelled
		status.FailureKind = contracts.FailureCancelled
	default:
		status.State = contracts.RunStateDoneFail
		status.FailureKind = failureKind(runErr)
	}

	if status.State != contracts.RunStateCancelled && r.final != nil && ctx.Err() != nil {
		// Cancelled after the loop ended; the results directory belongs to
		// whichever run replaced this one.
		r.logger.Info("run context cancelled before persist; keeping results directory untouched")
	} else if status.State != contracts.RunStateCancelled && r.final != nil {
		dir, err := c.persist(r.task.ID, r.final.Artifacts)
		if err != nil {
			r.logger.Warn("persist final artifacts", "error", err)
		} else {
			status.ArtifactDir = dir
		}
	}
	status.Summary = summarize(r, runErr)

	commit := ""
	if status.State == contracts.RunStateDonePass && c.deps.Publisher != nil && status.ArtifactDir != "" {
		sha, err := c.deps.Publisher.Publish(ctx, r.task, status.ArtifactDir)
		message := "published " + sha
		if err != nil {
			r.logger.Warn("publish final artifacts", "error", err)
			status.Summary += "; publish failed: " + err.Error()
			message = "publish failed: " + err.Error()
		} else {
			status.Published = true
			commit = sha
		}
		c.emit(ctx, r, contracts.Event{Type: contracts.EventTypePublishFinished, Message: message})
	}

	if err := logging.AppendRunSummary(c.options.SummaryLog, logging.RunSummaryEntry{
		TaskID:      status.TaskID,
		Generation:  status.Generation,
		State:       string(status.State),
		Attempts:    status.Attempts,
		WasRepaired: status.WasRepaired,
		FailureKind: string(status.FailureKind),
		ArtifactDir: status.ArtifactDir,
		CommitSHA:   commit,
	}); err != nil {
		r.logger.Warn("append run summary", "error", err)
	}

	c.deps.Metrics.RunFinished(string(status.State), string(status.FailureKind))
	c.publish(r)
	eventType := contracts.EventTypeRunFinished
	if status.State == contracts.RunStateCancelled {
		eventType = contracts.EventTypeRunCancelled
	}
	c.emit(context.WithoutCancel(ctx), r, contracts.Event{Type: eventType, Message: status.Summary, Metadata: map[string]string{
		"attempts":     strconv.Itoa(status.Attempts),
		"was_repaired": strconv.FormatBool(status.WasRepaired),
		"failure_kind": string(status.FailureKind),
	}})
	r.logger.Info("run finished", "state", status.State, "attempts", status.Attempts, "failure_kind", status.FailureKind)
	return *status, runErr
}

// persist replaces <ResultsDir>/<taskID> with artifacts via a staging directory.
func (c *Controller) persist(taskID string, artifacts contracts.ArtifactSet) (string, error) {
	if c.options.ResultsDir == "" || len(artifacts) == 0 {
		return "", nil
	}
	target, err := artifact.SafeJoin(c.options.ResultsDir, taskID)
	if err != nil {
		return "", err
	}
	staging := filepath.Join(c.options.ResultsDir, ".staging-"+uuid.NewString())
	if err := artifact.Materialize(staging, artifacts); err != nil {
		_ = os.RemoveAll(staging)
		return "", err
	}
	if err := os.RemoveAll(target); err != nil {
		_ = os.RemoveAll(staging)
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		_ = os.RemoveAll(staging)
		return "", err
	}
	if err := os.Rename(staging, target); err != nil {
		_ = os.RemoveAll(staging)
		return "", err
	}
	return target, nil
}

func failureKind(err error) contracts.FailureKind {
	var exhausted *ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return contracts.FailureAttemptsExhausted
	case errors.Is(err, artifact.ErrNoArtifacts):
		return contracts.FailureNoArtifactsProduced
	case errors.Is(err, ErrGeneration):
		return contracts.FailureGenerationError
	case errors.Is(err, provision.ErrDependencyInstallFailed):
		return contracts.FailureDependencyInstallFailed
	case errors.Is(err, provision.ErrProvisionFailed):
		return contracts.FailureProvisionFailed
	default:
		return contracts.FailureInternal
	}
}

func summarize(r *run, err error) string {
	status := r.status
	switch status.State {
	case contracts.RunStateDonePass:
		if status.WasRepaired {
			return fmt.Sprintf("passed on attempt %d after repair", status.Attempts)
		}
		return fmt.Sprintf("passed on attempt %d", status.Attempts)
	case contracts.RunStateCancelled:
		return fmt.Sprintf("cancelled after %d executed attempts", status.Attempts)
	}
	parts := []string{fmt.Sprintf("failed (%s) after %d executed attempts", status.FailureKind, status.Attempts)}
	if err != nil {
		parts = append(parts, err.Error())
	}
	if r.final != nil && len(r.final.Diagnosis.MatchedSignatures) > 0 {
		parts = append(parts, "last diagnosis: "+strings.Join(r.final.Diagnosis.MatchedSignatures, ", "))
	}
	return strings.Join(parts, "; ")
}

func (c *Controller) publish(r *run) {
	r.reporter.Report(r.status)
}

func (c *Controller) emit(ctx context.Context, r *run, event contracts.Event) {
	if c.deps.Events == nil {
		return
	}
	event.TaskID = r.task.ID
	event.Generation = r.status.Generation
	if event.State == "" {
		event.State = r.status.State
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now()
	}
	if err := c.deps.Events.Emit(ctx, event); err != nil {
		r.logger.Debug("emit event", "type", event.Type, "error", err)
	}
}

type nopReporter struct{}

func (nopReporter) Generation() uint64               { return 0 }
func (nopReporter) Report(contracts.TaskRunStatus) {}
