//go:build unix

package repair

import (
	"context"
	"errors"
	"os"
	osexec "os/exec"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/anomalyco/patchpilot/internal/classify"
	"github.com/anomalyco/patchpilot/internal/contracts"
	"github.com/anomalyco/patchpilot/internal/exec"
	"github.com/anomalyco/patchpilot/internal/provision"
	"github.com/anomalyco/patchpilot/internal/sandbox"
)

const (
	passingScript = "echo 'result: 42'\n"
	failingScript = "echo 'Traceback (most recent call last):' >&2\necho 'ZeroDivisionError: division by zero' >&2\nexit 1\n"
)

type scriptedGenerator struct {
	mu       sync.Mutex
	sets     []contracts.ArtifactSet
	errs     map[int]error
	requests []contracts.GenerationRequest
}

func (g *scriptedGenerator) Generate(_ context.Context, request contracts.GenerationRequest) (contracts.ArtifactSet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, request)
	if err := g.errs[request.Attempt]; err != nil {
		return nil, err
	}
	idx := request.Attempt - 1
	if idx >= len(g.sets) {
		idx = len(g.sets) - 1
	}
	return g.sets[idx].Clone(), nil
}

func (g *scriptedGenerator) Requests() []contracts.GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]contracts.GenerationRequest(nil), g.requests...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []contracts.Event
}

func (s *recordingSink) Emit(_ context.Context, event contracts.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Count(eventType contracts.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, event := range s.events {
		if event.Type == eventType {
			count++
		}
	}
	return count
}

type recordingReporter struct {
	mu     sync.Mutex
	states []contracts.RunState
}

func (r *recordingReporter) Generation() uint64 { return 7 }

func (r *recordingReporter) Report(status contracts.TaskRunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.states); n == 0 || r.states[n-1] != status.State {
		r.states = append(r.states, status.State)
	}
}

type countingRunner struct {
	inner contracts.SandboxRunner
	mu    sync.Mutex
	runs  int
}

func (r *countingRunner) Run(ctx context.Context, env contracts.Environment, entry string, policy contracts.ExecutionPolicy) (contracts.ExecutionResult, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	return r.inner.Run(ctx, env, entry, policy)
}

func (r *countingRunner) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

type harness struct {
	controller *Controller
	generator  *scriptedGenerator
	runner     *countingRunner
	events     *recordingSink
	manager    *provision.Manager
	resultsDir string
}

func shellLanguages() map[string]provision.Language {
	return map[string]provision.Language{
		"shell": {
			Name:        "shell",
			Interpreter: []string{"sh", provision.PlaceholderEntry},
			Install:     []string{"sh", "-c", `for p in "$@"; do case "$p" in missing-*) echo "no matching distribution for $p" >&2; exit 1;; esac; done`, "install", provision.PlaceholderPackages},
			EntryNames:  []string{"main.sh"},
			Extensions:  []string{".sh"},
			Manifests:   []string{"packages.txt"},
		},
	}
}

func newHarness(t *testing.T, generator *scriptedGenerator, options Options) *harness {
	t.Helper()
	if _, err := osexec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	manager := provision.NewManager(provision.Options{
		BaseDir:         t.TempDir(),
		DefaultLanguage: "shell",
		Languages:       shellLanguages(),
		Runner:          exec.NewCommandRunner("", nil),
	})
	runner := &countingRunner{inner: sandbox.New(sandbox.Options{})}
	events := &recordingSink{}
	if options.ResultsDir == "" {
		options.ResultsDir = t.TempDir()
	}
	if options.Timeout == 0 {
		options.Timeout = 10 * time.Second
	}
	controller := NewController(Dependencies{
		Generator:   generator,
		Provisioner: manager,
		Runner:      runner,
		Classifier:  classify.New(nil, nil),
		Entries:     manager,
		Events:      events,
	}, options)
	return &harness{controller: controller, generator: generator, runner: runner, events: events, manager: manager, resultsDir: options.ResultsDir}
}

func task(id string) contracts.Task {
	return contracts.Task{ID: id, Title: "compute", Description: "print the answer", Language: "shell"}
}

func TestScenarioPassOnFirstAttempt(t *testing.T) {
	h := newHarness(t, &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.sh": passingScript}}}, Options{MaxAttempts: 3})
	reporter := &recordingReporter{}

	status, err := h.controller.Run(context.Background(), task("t-a"), reporter)
	if err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
	if status.State != contracts.RunStateDonePass || !status.Success || !status.Completed {
		t.Fatalf("unexpected status %#v", status)
	}
	if status.Attempts != 1 || status.WasRepaired {
		t.Fatalf("expected one attempt without repair, got attempts=%d repaired=%v", status.Attempts, status.WasRepaired)
	}
	if status.LastResult == nil || status.LastResult.ExitCode != 0 || !strings.Contains(status.LastResult.Stdout, "42") {
		t.Fatalf("expected last result captured, got %#v", status.LastResult)
	}
	if status.Generation != 7 {
		t.Fatalf("expected generation from reporter, got %d", status.Generation)
	}
	wantStates := []contracts.RunState{contracts.RunStateStart, contracts.RunStateProvisioned, contracts.RunStateExecuted, contracts.RunStateDonePass}
	if !reflect.DeepEqual(reporter.states, wantStates) {
		t.Fatalf("expected states %v, got %v", wantStates, reporter.states)
	}
	content, err := os.ReadFile(filepath.Join(h.resultsDir, "t-a", "main.sh"))
	if err != nil || string(content) != passingScript {
		t.Fatalf("expected final artifact persisted, got %q err=%v", string(content), err)
	}
	if status.ArtifactDir != filepath.Join(h.resultsDir, "t-a") {
		t.Fatalf("unexpected artifact dir %q", status.ArtifactDir)
	}
	if active := h.manager.Active(); len(active) != 0 {
		t.Fatalf("expected every environment destroyed, got %v", active)
	}
}

func TestScenarioRepairAfterDivisionByZero(t *testing.T) {
	generator := &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.sh": failingScript}, {"main.sh": passingScript}}}
	h := newHarness(t, generator, Options{MaxAttempts: 3})

	status, err := h.controller.Run(context.Background(), task("t-b"), nil)
	if err != nil {
		t.Fatalf("expected pass after repair, got %v", err)
	}
	if status.State != contracts.RunStateDonePass || status.Attempts != 2 || !status.WasRepaired {
		t.Fatalf("unexpected status %#v", status)
	}

	requests := generator.Requests()
	if len(requests) != 2 {
		t.Fatalf("expected initial generation and one repair, got %d", len(requests))
	}
	if requests[0].Prior != nil || requests[0].Diagnosis != nil {
		t.Fatalf("expected first request without prior attempt")
	}
	repairRequest := requests[1]
	if repairRequest.Diagnosis == nil || !containsString(repairRequest.Diagnosis.MatchedSignatures, classify.SignatureDivisionByZero) {
		t.Fatalf("expected repair request to carry the structured diagnosis, got %#v", repairRequest.Diagnosis)
	}
	if !strings.Contains(repairRequest.Diagnosis.Summary, "division_by_zero") {
		t.Fatalf("expected normalized summary in repair request, got %q", repairRequest.Diagnosis.Summary)
	}
	if repairRequest.Prior == nil || repairRequest.Prior.Artifacts["main.sh"] != failingScript {
		t.Fatalf("expected prior artifacts in repair request")
	}
	if h.events.Count(contracts.EventTypeRepairRequested) != 1 {
		t.Fatalf("expected one repair_requested event")
	}
}

func TestScenarioAttemptsExhausted(t *testing.T) {
	generator := &scriptedGenerator{sets: []contracts.ArtifactSet{
		{"main.sh": failingScript},
		{"main.sh": "# v2\n" + failingScript},
		{"main.sh": "# v3\n" + failingScript},
	}}
	h := newHarness(t, generator, Options{MaxAttempts: 3})

	status, err := h.controller.Run(context.Background(), task("t-c"), nil)
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 || !containsString(exhausted.Diagnosis.MatchedSignatures, classify.SignatureDivisionByZero) {
		t.Fatalf("unexpected exhausted error %#v", exhausted)
	}
	if status.State != contracts.RunStateDoneFail || status.FailureKind != contracts.FailureAttemptsExhausted {
		t.Fatalf("unexpected status %#v", status)
	}
	if status.Attempts != 3 || h.runner.Runs() != 3 {
		t.Fatalf("expected exactly 3 executions, got attempts=%d runs=%d", status.Attempts, h.runner.Runs())
	}
	if status.Diagnosis == nil || !containsString(status.Diagnosis.MatchedSignatures, classify.SignatureDivisionByZero) {
		t.Fatalf("expected final diagnosis reported, got %#v", status.Diagnosis)
	}
	if !strings.Contains(status.Summary, "attempts exhausted") {
		t.Fatalf("expected readable summary, got %q", status.Summary)
	}
}

func TestBoundedRetriesExecuteExactlyMaxAttempts(t *testing.T) {
	for _, maxAttempts := range []int{1, 2, 4} {
		t.Run(strconv.Itoa(maxAttempts), func(t *testing.T) {
			h := newHarness(t, &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.sh": "exit 2\n"}}}, Options{MaxAttempts: maxAttempts})
			status, err := h.controller.Run(context.Background(), task("t-bound"), nil)
			var exhausted *ExhaustedError
			if !errors.As(err, &exhausted) {
				t.Fatalf("expected exhaustion, got %v", err)
			}
			if h.runner.Runs() != maxAttempts || status.Attempts != maxAttempts || exhausted.Attempts != maxAttempts {
				t.Fatalf("expected %d executions, got runs=%d attempts=%d", maxAttempts, h.runner.Runs(), status.Attempts)
			}
		})
	}
}

func TestIdenticalRepairStillCountsAgainstBudget(t *testing.T) {
	h := newHarness(t, &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.sh": failingScript}}}, Options{MaxAttempts: 3})
	status, err := h.controller.Run(context.Background(), task("t-same"), nil)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if status.Attempts != 3 || h.runner.Runs() != 3 {
		t.Fatalf("expected identical repairs to be executed and counted, got attempts=%d runs=%d", status.Attempts, h.runner.Runs())
	}
	if got := h.events.Count(contracts.EventTypeRepairUnchanged); got != 2 {
		t.Fatalf("expected two repair_unchanged events, got %d", got)
	}
}

func TestScenarioTimeoutTerminatesChild(t *testing.T) {
	if testing.Short() {
		t.Skip("runs for the full five second timeout")
	}
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	script := "sleep 1000 &\necho $! > \"$PID_FILE\"\nwait\n"
	h := newHarness(t, &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.sh": script}}}, Options{
		MaxAttempts: 1,
		Timeout:     5 * time.Second,
		Env:         map[string]string{"PID_FILE": pidFile},
	})

	status, err := h.controller.Run(context.Background(), task("t-d"), nil)
	if err == nil {
		t.Fatalf("expected exhaustion after timeout")
	}
	if status.LastResult == nil || !status.LastResult.TimedOut || status.LastResult.ExitCode != sandbox.TimeoutExitCode {
		t.Fatalf("expected timeout result, got %#v", status.LastResult)
	}
	if status.Diagnosis == nil || status.Diagnosis.Classification != contracts.ClassificationNeedsRepair || !containsString(status.Diagnosis.MatchedSignatures, classify.SignatureTimeout) {
		t.Fatalf("expected timeout signature, got %#v", status.Diagnosis)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	deadline := time.Now().Add(3 * time.Second)
	for processRunning(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("expected child %d terminated", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGenerationErrorOnFirstAttemptFailsRun(t *testing.T) {
	generator := &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.sh": passingScript}}, errs: map[int]error{1: errors.New("model unavailable")}}
	h := newHarness(t, generator, Options{MaxAttempts: 3})

	status, err := h.controller.Run(context.Background(), task("t-gen"), nil)
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("expected generation error, got %v", err)
	}
	if status.State != contracts.RunStateDoneFail || status.FailureKind != contracts.FailureGenerationError || status.Attempts != 0 {
		t.Fatalf("unexpected status %#v", status)
	}
	if h.runner.Runs() != 0 {
		t.Fatalf("expected nothing executed")
	}
}

func TestGenerationErrorOnRepairReportsLastExecutedAttempt(t *testing.T) {
	generator := &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.sh": failingScript}}, errs: map[int]error{2: errors.New("rate limited")}}
	h := newHarness(t, generator, Options{MaxAttempts: 3})

	status, err := h.controller.Run(context.Background(), task("t-gen2"), nil)
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("expected generation error, got %v", err)
	}
	if status.FailureKind != contracts.FailureGenerationError || status.Attempts != 1 {
		t.Fatalf("unexpected status %#v", status)
	}
	if status.Diagnosis == nil || !containsString(status.Diagnosis.MatchedSignatures, classify.SignatureDivisionByZero) {
		t.Fatalf("expected last executed diagnosis reported, got %#v", status.Diagnosis)
	}
	if _, err := os.Stat(filepath.Join(h.resultsDir, "t-gen2", "main.sh")); err != nil {
		t.Fatalf("expected last executed artifacts persisted: %v", err)
	}
}

func TestEmptyArtifactsFailFast(t *testing.T) {
	h := newHarness(t, &scriptedGenerator{sets: []contracts.ArtifactSet{{}}}, Options{MaxAttempts: 3})
	status, err := h.controller.Run(context.Background(), task("t-empty"), nil)
	if err == nil || status.FailureKind != contracts.FailureNoArtifactsProduced {
		t.Fatalf("expected NoArtifactsProduced, got status=%#v err=%v", status, err)
	}
}

func TestPriorArtifactsSkipInitialGeneration(t *testing.T) {
	generator := &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.sh": passingScript}}}
	h := newHarness(t, generator, Options{MaxAttempts: 2})
	prior := task("t-prior")
	prior.PriorArtifacts = contracts.ArtifactSet{"main.sh": failingScript}

	status, err := h.controller.Run(context.Background(), prior, nil)
	if err != nil {
		t.Fatalf("expected pass after repair: %v", err)
	}
	requests := generator.Requests()
	if len(requests) != 1 || requests[0].Attempt != 2 || requests[0].Diagnosis == nil {
		t.Fatalf("expected only a repair request, got %#v", requests)
	}
	if !status.WasRepaired {
		t.Fatalf("expected repair flag")
	}
}

func TestDependencyInstallFailureIsRepairable(t *testing.T) {
	generator := &scriptedGenerator{sets: []contracts.ArtifactSet{
		{"main.sh": passingScript, "packages.txt": "missing-lib\n"},
		{"main.sh": passingScript},
	}}
	h := newHarness(t, generator, Options{MaxAttempts: 3})

	status, err := h.controller.Run(context.Background(), task("t-deps"), nil)
	if err != nil {
		t.Fatalf("expected pass after dropping the bad dependency: %v", err)
	}
	if status.Attempts != 2 {
		t.Fatalf("expected two attempts, got %d", status.Attempts)
	}
	repair := generator.Requests()[1]
	if repair.Diagnosis == nil || repair.Diagnosis.MatchedSignatures[0] != SignatureDependencyInstall {
		t.Fatalf("expected dependency install signature, got %#v", repair.Diagnosis)
	}
	if !strings.Contains(repair.Prior.Result.Stderr, "no matching distribution") {
		t.Fatalf("expected install output forwarded, got %q", repair.Prior.Result.Stderr)
	}
}

func TestCancelledContextEndsRunCancelled(t *testing.T) {
	h := newHarness(t, &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.sh": passingScript}}}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	status, err := h.controller.Run(ctx, task("t-cancel"), nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if status.State != contracts.RunStateCancelled || !status.Completed || status.ArtifactDir != "" {
		t.Fatalf("unexpected status %#v", status)
	}
	if h.events.Count(contracts.EventTypeRunCancelled) != 1 {
		t.Fatalf("expected run_cancelled event")
	}
}

func TestCancellationDuringExecutionKillsChild(t *testing.T) {
	h := newHarness(t, &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.sh": "sleep 1000\n"}}}, Options{Timeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	status, err := h.controller.Run(ctx, task("t-cancel-exec"), nil)
	if !errors.Is(err, ErrCancelled) || status.State != contracts.RunStateCancelled {
		t.Fatalf("expected cancelled run, got state=%s err=%v", status.State, err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("expected prompt cancellation")
	}
	if active := h.manager.Active(); len(active) != 0 {
		t.Fatalf("expected environment released on cancellation, got %v", active)
	}
}

type recordingPublisher struct {
	dirs []string
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, _ contracts.Task, dir string) (string, error) {
	p.dirs = append(p.dirs, dir)
	return "abc123", p.err
}

func TestPublisherRunsAfterPassOnly(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("push rejected")}
	h := newHarness(t, &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.sh": passingScript}}}, Options{})
	h.controller.deps.Publisher = publisher

	status, err := h.controller.Run(context.Background(), task("t-pub"), nil)
	if err != nil {
		t.Fatalf("publish failure must not fail the run: %v", err)
	}
	if status.State != contracts.RunStateDonePass || status.Published {
		t.Fatalf("unexpected status %#v", status)
	}
	if len(publisher.dirs) != 1 || !strings.Contains(status.Summary, "publish failed") {
		t.Fatalf("expected publish attempt recorded, dirs=%v summary=%q", publisher.dirs, status.Summary)
	}

	failing := newHarness(t, &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.sh": "exit 1\n"}}}, Options{MaxAttempts: 1})
	failing.controller.deps.Publisher = publisher
	_, _ = failing.controller.Run(context.Background(), task("t-pub-fail"), nil)
	if len(publisher.dirs) != 1 {
		t.Fatalf("expected no publish after failure, got %v", publisher.dirs)
	}
}

func TestKeepFailedAttempts(t *testing.T) {
	failedDir := t.TempDir()
	h := newHarness(t, &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.sh": "echo partial > out.txt\nexit 1\n"}}}, Options{MaxAttempts: 2, FailedDir: failedDir})
	_, _ = h.controller.Run(context.Background(), task("t-keep"), nil)

	for _, attempt := range []string{"attempt-1", "attempt-2"} {
		content, err := os.ReadFile(filepath.Join(failedDir, "t-keep", attempt, "out.txt"))
		if err != nil || strings.TrimSpace(string(content)) != "partial" {
			t.Fatalf("expected %s kept with program output, got %q err=%v", attempt, string(content), err)
		}
	}
}

type cancellingRunner struct {
	inner  contracts.SandboxRunner
	cancel context.CancelFunc
}

func (r *cancellingRunner) Run(ctx context.Context, env contracts.Environment, entry string, policy contracts.ExecutionPolicy) (contracts.ExecutionResult, error) {
	result, err := r.inner.Run(ctx, env, entry, policy)
	r.cancel()
	return result, err
}

func TestRunCancelledAfterExecutionLeavesSharedDirectories(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{name: "passing attempt", script: passingScript},
		{name: "failing attempt", script: "echo partial > out.txt\nexit 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failedDir := t.TempDir()
			publisher := &recordingPublisher{}
			h := newHarness(t, &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.sh": tt.script}}}, Options{MaxAttempts: 2, FailedDir: failedDir})
			h.controller.deps.Publisher = publisher

			successor := filepath.Join(h.resultsDir, "t-superseded")
			if err := os.MkdirAll(successor, 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			if err := os.WriteFile(filepath.Join(successor, "main.sh"), []byte("successor\n"), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			h.controller.deps.Runner = &cancellingRunner{inner: sandbox.New(sandbox.Options{}), cancel: cancel}

			status, _ := h.controller.Run(ctx, task("t-superseded"), nil)
			if status.ArtifactDir != "" || status.Published || len(publisher.dirs) != 0 {
				t.Fatalf("expected no persist or publish after cancellation, got %#v dirs=%v", status, publisher.dirs)
			}
			content, err := os.ReadFile(filepath.Join(successor, "main.sh"))
			if err != nil || string(content) != "successor\n" {
				t.Fatalf("expected successor results untouched, got %q err=%v", string(content), err)
			}
			if _, err := os.Stat(filepath.Join(failedDir, "t-superseded")); !os.IsNotExist(err) {
				t.Fatalf("expected no failed attempt kept after cancellation, got err=%v", err)
			}
		})
	}
}

// Fakes below exercise release ordering and panic recovery without processes.

type trackingEnv struct {
	id       string
	log      *orderLog
	destroys int
}

func (e *trackingEnv) ID() string              { return e.id }
func (e *trackingEnv) Root() string            { return os.TempDir() }
func (e *trackingEnv) Command(string) []string { return []string{"true"} }
func (e *trackingEnv) Env() []string           { return nil }
func (e *trackingEnv) Destroy() error {
	e.destroys++
	e.log.add("destroy " + e.id)
	return nil
}

type orderLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *orderLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

type trackingProvisioner struct {
	log  *orderLog
	envs []*trackingEnv
}

func (p *trackingProvisioner) Provision(_ context.Context, request contracts.ProvisionRequest) (contracts.Environment, error) {
	env := &trackingEnv{id: "env-" + strconv.Itoa(request.Attempt), log: p.log}
	p.envs = append(p.envs, env)
	p.log.add("provision " + env.id)
	return env, nil
}

type fakeRunner struct {
	results []contracts.ExecutionResult
	panicOn int
	calls   int
}

func (r *fakeRunner) Run(context.Context, contracts.Environment, string, contracts.ExecutionPolicy) (contracts.ExecutionResult, error) {
	r.calls++
	if r.calls == r.panicOn {
		panic("runner exploded")
	}
	idx := r.calls - 1
	if idx >= len(r.results) {
		idx = len(r.results) - 1
	}
	return r.results[idx], nil
}

func TestEnvironmentDestroyedBeforeNextProvision(t *testing.T) {
	log := &orderLog{}
	provisioner := &trackingProvisioner{log: log}
	controller := NewController(Dependencies{
		Generator:   &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.py": "1/0"}}},
		Provisioner: provisioner,
		Runner:      &fakeRunner{results: []contracts.ExecutionResult{{Stderr: "ZeroDivisionError: division by zero", ExitCode: 1}}},
		Classifier:  classify.New(nil, nil),
	}, Options{MaxAttempts: 3})

	if _, err := controller.Run(context.Background(), task("t-order"), nil); err == nil {
		t.Fatalf("expected exhaustion")
	}
	want := []string{"provision env-1", "destroy env-1", "provision env-2", "destroy env-2", "provision env-3", "destroy env-3"}
	if !reflect.DeepEqual(log.entries, want) {
		t.Fatalf("expected strictly sequential attempts %v, got %v", want, log.entries)
	}
}

func TestPanicInsideAttemptStillDestroysEnvironment(t *testing.T) {
	provisioner := &trackingProvisioner{log: &orderLog{}}
	controller := NewController(Dependencies{
		Generator:   &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.py": "print(1)"}}},
		Provisioner: provisioner,
		Runner:      &fakeRunner{panicOn: 1},
		Classifier:  classify.New(nil, nil),
	}, Options{MaxAttempts: 3})

	status, err := controller.Run(context.Background(), task("t-panic"), nil)
	if !errors.Is(err, ErrAttemptPanicked) {
		t.Fatalf("expected recovered panic, got %v", err)
	}
	if status.State != contracts.RunStateDoneFail || status.FailureKind != contracts.FailureInternal {
		t.Fatalf("unexpected status %#v", status)
	}
	if len(provisioner.envs) != 1 || provisioner.envs[0].destroys != 1 {
		t.Fatalf("expected the environment destroyed exactly once")
	}
}

type failingProvisioner struct{}

func (failingProvisioner) Provision(_ context.Context, request contracts.ProvisionRequest) (contracts.Environment, error) {
	return nil, &provision.Error{Kind: provision.KindProvisionFailed, TaskID: request.TaskID, Attempt: request.Attempt, Err: errors.New("python3: not found")}
}

func TestProvisionFailureEndsRun(t *testing.T) {
	controller := NewController(Dependencies{
		Generator:   &scriptedGenerator{sets: []contracts.ArtifactSet{{"main.py": "print(1)"}}},
		Provisioner: failingProvisioner{},
		Runner:      &fakeRunner{},
		Classifier:  classify.New(nil, nil),
	}, Options{MaxAttempts: 3})

	status, err := controller.Run(context.Background(), task("t-prov"), nil)
	if !errors.Is(err, provision.ErrProvisionFailed) {
		t.Fatalf("expected provision failure, got %v", err)
	}
	if status.State != contracts.RunStateDoneFail || status.FailureKind != contracts.FailureProvisionFailed {
		t.Fatalf("unexpected status %#v", status)
	}
}

func containsString(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}

func processRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return true
	}
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) == 0 || fields[0] != "Z"
}
