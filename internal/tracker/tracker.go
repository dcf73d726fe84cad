// Package tracker is the registry of pipeline runs keyed by task id.
//
// Every Start bumps the task's generation. Status writes carry the generation
// they were issued under and are dropped once a newer run owns the entry, so a
// superseded run can never overwrite its successor's status.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/anomalyco/patchpilot/internal/contracts"
	"github.com/anomalyco/patchpilot/internal/logging"
	"github.com/anomalyco/patchpilot/internal/metrics"
	"github.com/anomalyco/patchpilot/internal/repair"
)

var ErrClosed = errors.New("tracker closed")

// Pipeline runs one task to a terminal status. *repair.Controller implements it.
type Pipeline interface {
	Run(ctx context.Context, task contracts.Task, reporter repair.Reporter) (contracts.TaskRunStatus, error)
}

// StatusMirror persists status snapshots outside the process.
type StatusMirror interface {
	Save(ctx context.Context, status contracts.TaskRunStatus) error
	Load(ctx context.Context, taskID string) (contracts.TaskRunStatus, error)
}

type Options struct {
	Events  contracts.EventSink
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Mirror  StatusMirror
	// MirrorTimeout bounds each mirror call. Defaults to 2s.
	MirrorTimeout time.Duration
}

type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	wg      sync.WaitGroup

	events        contracts.EventSink
	metrics       *metrics.Metrics
	logger        *slog.Logger
	mirror        StatusMirror
	mirrorTimeout time.Duration
	now           func() time.Time
}

// entry is guarded by its own mutex so unrelated task ids never contend.
type entry struct {
	mu         sync.Mutex
	generation uint64
	// seeded is set once generation has been lifted past the mirror's copy.
	seeded     bool
	status     contracts.TaskRunStatus
	cancel     context.CancelFunc
	done       chan struct{}
}

func New(options Options) *Tracker {
	timeout := options.MirrorTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Tracker{
		entries:       map[string]*entry{},
		events:        options.Events,
		metrics:       options.Metrics,
		logger:        logging.Component(options.Logger, "tracker"),
		mirror:        options.Mirror,
		mirrorTimeout: timeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) lookup(taskID string, create bool) (*entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if create && t.closed {
		return nil, ErrClosed
	}
	e, ok := t.entries[taskID]
	if !ok {
		if !create {
			return nil, contracts.ErrRunNotFound
		}
		e = &entry{}
		t.entries[taskID] = e
	}
	return e, nil
}

// Start launches pipeline for task on its own goroutine. An in-flight run for
// the same id is cancelled and superseded first. It returns the new generation.
func (t *Tracker) Start(task contracts.Task, pipeline Pipeline) (uint64, error) {
	if task.ID == "" {
		return 0, errors.New("task id is required")
	}
	if pipeline == nil {
		return 0, errors.New("pipeline is required")
	}
	e, err := t.lookup(task.ID, true)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	if !e.seeded {
		// Generations must keep rising across restarts or the mirror drops
		// every write for ids an earlier process already ran.
		if stored := t.mirroredGenerationLocked(task.ID); stored > e.generation {
			e.generation = stored
		}
		e.seeded = true
	}
	superseded := uint64(0)
	if e.cancel != nil && !e.status.State.Terminal() {
		e.cancel()
		superseded = e.generation
	}
	e.generation++
	generation := e.generation
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	e.status = contracts.TaskRunStatus{
		TaskID:     task.ID,
		Generation: generation,
		State:      contracts.RunStateStart,
		StartedAt:  t.now(),
	}
	t.saveMirrorLocked(e.status)
	// Registered under the entry lock so Shutdown cannot miss this run.
	t.wg.Add(1)
	e.mu.Unlock()

	if superseded > 0 {
		t.metrics.RunSuperseded()
		t.logger.Info("run superseded", "task_id", task.ID, "generation", superseded, "by", generation)
		t.emit(contracts.Event{Type: contracts.EventTypeRunSuperseded, TaskID: task.ID, Generation: superseded, Metadata: map[string]string{
			"superseded_by": fmt.Sprint(generation),
		}})
	}

	handle := &runHandle{tracker: t, entry: e, generation: generation}
	go func() {
		defer t.wg.Done()
		defer close(done)
		defer cancel()
		handle.Report(t.execute(ctx, task, pipeline, handle))
	}()
	return generation, nil
}

func (t *Tracker) execute(ctx context.Context, task contracts.Task, pipeline Pipeline, handle *runHandle) (status contracts.TaskRunStatus) {
	defer func() {
		if recovered := recover(); recovered != nil {
			t.logger.Error("pipeline panicked", "task_id", task.ID, "panic", recovered)
			status = handle.snapshot()
			status.State = contracts.RunStateDoneFail
			status.FailureKind = contracts.FailureInternal
			status.Completed = true
			status.Summary = fmt.Sprintf("pipeline panicked: %v", recovered)
			status.FinishedAt = t.now()
		}
	}()
	status, err := pipeline.Run(ctx, task, handle)
	if err != nil {
		t.logger.Debug("pipeline finished with error", "task_id", task.ID, "generation", handle.generation, "error", err)
	}
	return status
}

// Cancel signals the current run for taskID. Cancelling a finished run is a no-op.
func (t *Tracker) Cancel(taskID string) error {
	e, err := t.lookup(taskID, false)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil && !e.status.State.Terminal() {
		e.cancel()
	}
	return nil
}

// Status returns a copy of the latest status for taskID. Ids unknown to this
// process fall back to the mirror when one is configured.
func (t *Tracker) Status(taskID string) (contracts.TaskRunStatus, error) {
	e, err := t.lookup(taskID, false)
	if err == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return cloneStatus(e.status), nil
	}
	if t.mirror == nil {
		return contracts.TaskRunStatus{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.mirrorTimeout)
	defer cancel()
	status, mirrorErr := t.mirror.Load(ctx, taskID)
	if mirrorErr != nil {
		if errors.Is(mirrorErr, contracts.ErrRunNotFound) {
			return contracts.TaskRunStatus{}, contracts.ErrRunNotFound
		}
		return contracts.TaskRunStatus{}, fmt.Errorf("load mirrored status: %w", mirrorErr)
	}
	return status, nil
}

// List returns snapshots of every run known to this process, sorted by task id.
func (t *Tracker) List() []contracts.TaskRunStatus {
	t.mu.Lock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	out := make([]contracts.TaskRunStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, cloneStatus(e.status))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Wait blocks until the current run for taskID settles and returns its status.
func (t *Tracker) Wait(ctx context.Context, taskID string) (contracts.TaskRunStatus, error) {
	for {
		e, err := t.lookup(taskID, false)
		if err != nil {
			return contracts.TaskRunStatus{}, err
		}
		e.mu.Lock()
		done := e.done
		generation := e.generation
		e.mu.Unlock()
		if done == nil {
			return t.Status(taskID)
		}
		select {
		case <-ctx.Done():
			return contracts.TaskRunStatus{}, ctx.Err()
		case <-done:
		}
		e.mu.Lock()
		current := e.generation
		status := cloneStatus(e.status)
		e.mu.Unlock()
		// A newer run took over while waiting; follow it.
		if current == generation {
			return status, nil
		}
	}
}

// Shutdown cancels every in-flight run and waits for them to settle.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.cancel != nil {
			e.cancel()
		}
		e.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (t *Tracker) saveMirrorLocked(status contracts.TaskRunStatus) {
	if t.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.mirrorTimeout)
	defer cancel()
	if err := t.mirror.Save(ctx, status); err != nil {
		t.logger.Warn("mirror status", "task_id", status.TaskID, "generation", status.Generation, "error", err)
	}
}

func (t *Tracker) mirroredGenerationLocked(taskID string) uint64 {
	if t.mirror == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.mirrorTimeout)
	defer cancel()
	status, err := t.mirror.Load(ctx, taskID)
	if err != nil {
		if !errors.Is(err, contracts.ErrRunNotFound) {
			t.logger.Warn("load mirrored generation", "task_id", taskID, "error", err)
		}
		return 0
	}
	return status.Generation
}

func (t *Tracker) emit(event contracts.Event) {
	if t.events == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = t.now()
	}
	if err := t.events.Emit(context.Background(), event); err != nil {
		t.logger.Debug("emit event", "type", event.Type, "error", err)
	}
}

// runHandle is the Reporter handed to one pipeline run.
type runHandle struct {
	tracker    *Tracker
	entry      *entry
	generation uint64
}

func (h *runHandle) Generation() uint64 {
	return h.generation
}

// Report stores status unless a newer generation owns the entry.
func (h *runHandle) Report(status contracts.TaskRunStatus) {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	if h.entry.generation != h.generation {
		return
	}
	status.Generation = h.generation
	if status.TaskID == "" {
		status.TaskID = h.entry.status.TaskID
	}
	if status.StartedAt.IsZero() {
		status.StartedAt = h.entry.status.StartedAt
	}
	h.entry.status = cloneStatus(status)
	h.tracker.saveMirrorLocked(h.entry.status)
}

func (h *runHandle) snapshot() contracts.TaskRunStatus {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return cloneStatus(h.entry.status)
}

func cloneStatus(status contracts.TaskRunStatus) contracts.TaskRunStatus {
	if status.LastResult != nil {
		result := *status.LastResult
		status.LastResult = &result
	}
	if status.Diagnosis != nil {
		diagnosis := *status.Diagnosis
		diagnosis.MatchedSignatures = append([]string(nil), diagnosis.MatchedSignatures...)
		diagnosis.MissingModules = append([]string(nil), diagnosis.MissingModules...)
		status.Diagnosis = &diagnosis
	}
	return status
}
