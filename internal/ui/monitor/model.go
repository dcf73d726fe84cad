// Package monitor folds a pipeline event stream into per-task rows for display.
package monitor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anomalyco/patchpilot/internal/contracts"
)

type Model struct {
	now          func() time.Time
	tasks        map[string]TaskRow
	eventCount   int
	history      []string
	historyLimit int
	outputLimit  int
	cursor       int
	expanded     map[string]bool
	lastEventAt  time.Time
}

// TaskRow is the folded view of one task's latest run generation.
type TaskRow struct {
	TaskID      string
	Generation  uint64
	State       contracts.RunState
	Attempt     int
	EnvID       string
	LastEvent   contracts.EventType
	LastMessage string
	Signatures  string
	ExitCode    string
	TimedOut    bool
	Repairs     int
	Unchanged   int
	Warnings    int
	Superseded  int
	Summary     string
	Output      []string
	StartedAt   time.Time
	UpdatedAt   time.Time
}

func (r TaskRow) Terminal() bool {
	return r.State.Terminal()
}

type Snapshot struct {
	Tasks     []TaskRow
	Running   int
	Passed    int
	Failed    int
	Cancelled int
	Events    int
}

func NewModel(now func() time.Time) *Model {
	if now == nil {
		now = time.Now
	}
	return &Model{
		now:          now,
		tasks:        map[string]TaskRow{},
		history:      []string{},
		historyLimit: 256,
		outputLimit:  5,
		expanded:     map[string]bool{},
	}
}

func (m *Model) SetHistoryLimit(limit int) {
	if limit <= 0 {
		limit = 1
	}
	m.historyLimit = limit
	if len(m.history) > limit {
		m.history = append([]string{}, m.history[len(m.history)-limit:]...)
	}
}

// Apply folds one event. Events from a generation older than the row's
// current one are recorded in history but never change the row.
func (m *Model) Apply(event contracts.Event) {
	m.eventCount++
	at := event.Timestamp
	if at.IsZero() {
		at = m.now()
	}
	m.lastEventAt = at
	m.appendHistory(event)

	taskID := strings.TrimSpace(event.TaskID)
	if taskID == "" {
		return
	}
	row, known := m.tasks[taskID]
	if event.Type == contracts.EventTypeRunSuperseded {
		row.TaskID = taskID
		row.Superseded++
		m.tasks[taskID] = row
		return
	}
	if known && event.Generation < row.Generation {
		return
	}
	if !known || event.Generation > row.Generation {
		row = TaskRow{TaskID: taskID, Generation: event.Generation, Superseded: row.Superseded, StartedAt: at}
	}

	row.LastEvent = event.Type
	row.UpdatedAt = at
	if message := strings.TrimSpace(event.Message); message != "" && event.Type != contracts.EventTypeExecutionOutput {
		row.LastMessage = message
	}
	if event.Attempt > 0 {
		row.Attempt = event.Attempt
	}
	if event.EnvID != "" {
		row.EnvID = event.EnvID
	}
	if event.State != "" {
		row.State = event.State
	}

	switch event.Type {
	case contracts.EventTypeRunStarted:
		row.State = contracts.RunStateStart
		row.StartedAt = at
	case contracts.EventTypeProvisionFinished:
		row.State = contracts.RunStateProvisioned
	case contracts.EventTypeExecutionStarted:
		row.Output = nil
	case contracts.EventTypeExecutionOutput:
		row.Output = append(row.Output, event.Message)
		if len(row.Output) > m.outputLimit {
			row.Output = append([]string{}, row.Output[len(row.Output)-m.outputLimit:]...)
		}
	case contracts.EventTypeExecutionFinished:
		row.ExitCode = event.Metadata["exit_code"]
		row.TimedOut = event.Metadata["timed_out"] == "true"
	case contracts.EventTypeDiagnosis:
		row.State = contracts.RunStateExecuted
		row.Signatures = event.Metadata["signatures"]
	case contracts.EventTypeRepairRequested:
		row.State = contracts.RunStateAwaitingRepair
		row.Repairs++
	case contracts.EventTypeRepairUnchanged:
		row.Unchanged++
	case contracts.EventTypeWarning:
		row.Warnings++
	case contracts.EventTypeEnvironmentRemoved:
		row.EnvID = ""
	case contracts.EventTypeRunFinished, contracts.EventTypeRunCancelled:
		row.Summary = strings.TrimSpace(event.Message)
		row.EnvID = ""
		if event.Type == contracts.EventTypeRunCancelled {
			row.State = contracts.RunStateCancelled
		}
	}
	m.tasks[taskID] = row
}

func (m *Model) appendHistory(event contracts.Event) {
	if event.Type == contracts.EventTypeExecutionOutput {
		return
	}
	m.history = append(m.history, renderHistoryLine(event))
	if len(m.history) > m.historyLimit {
		m.history = append([]string{}, m.history[len(m.history)-m.historyLimit:]...)
	}
}

func (m *Model) Snapshot() Snapshot {
	snapshot := Snapshot{Events: m.eventCount}
	for _, id := range m.sortedTaskIDs() {
		row := m.tasks[id]
		snapshot.Tasks = append(snapshot.Tasks, row)
		switch row.State {
		case contracts.RunStateDonePass:
			snapshot.Passed++
		case contracts.RunStateDoneFail:
			snapshot.Failed++
		case contracts.RunStateCancelled:
			snapshot.Cancelled++
		case "":
		default:
			snapshot.Running++
		}
	}
	return snapshot
}

// Selected returns the row under the cursor.
func (m *Model) Selected() (TaskRow, bool) {
	ids := m.sortedTaskIDs()
	if len(ids) == 0 {
		return TaskRow{}, false
	}
	m.clampCursor(len(ids))
	return m.tasks[ids[m.cursor]], true
}

func (m *Model) HandleKey(key string) {
	ids := m.sortedTaskIDs()
	if len(ids) == 0 {
		m.cursor = 0
		return
	}
	m.clampCursor(len(ids))
	current := ids[m.cursor]
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "down", "j":
		if m.cursor < len(ids)-1 {
			m.cursor++
		}
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "enter", "space":
		m.expanded[current] = !m.expanded[current]
	case "right", "l":
		m.expanded[current] = true
	case "left", "h":
		m.expanded[current] = false
	}
}

func (m *Model) clampCursor(n int) {
	if m.cursor < 0 {
		m.cursor = 0
	}
	if m.cursor >= n {
		m.cursor = n - 1
	}
}

func (m *Model) View() string {
	snapshot := m.Snapshot()
	lines := []string{
		fmt.Sprintf("Runs: %d running, %d passed, %d failed, %d cancelled", snapshot.Running, snapshot.Passed, snapshot.Failed, snapshot.Cancelled),
		"Last Event Age: " + m.lastEventAge(),
		"",
		"Tasks:",
	}
	if len(snapshot.Tasks) == 0 {
		lines = append(lines, "  (none)")
	}
	if len(snapshot.Tasks) > 0 {
		m.clampCursor(len(snapshot.Tasks))
	}
	for i, row := range snapshot.Tasks {
		marker := " "
		if i == m.cursor {
			marker = ">"
		}
		lines = append(lines, marker+" "+renderTaskLine(row))
		if m.expanded[row.TaskID] {
			lines = append(lines, renderTaskDetails(row)...)
		}
	}
	lines = append(lines, "", "History:")
	start := 0
	if len(m.history) > 10 {
		start = len(m.history) - 10
	}
	for _, line := range m.history[start:] {
		lines = append(lines, "  "+line)
	}
	return strings.Join(lines, "\n") + "\n"
}

func (m *Model) lastEventAge() string {
	if m.lastEventAt.IsZero() {
		return "n/a"
	}
	age := m.now().Sub(m.lastEventAt)
	if age < 0 {
		age = 0
	}
	return age.Round(time.Second).String()
}

func (m *Model) sortedTaskIDs() []string {
	ids := make([]string, 0, len(m.tasks))
	for id, row := range m.tasks {
		if row.Generation == 0 && row.State == "" && row.LastEvent == "" {
			// Only a supersede notice has been seen so far.
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func renderTaskLine(row TaskRow) string {
	parts := []string{
		row.TaskID,
		fmt.Sprintf("gen=%d", row.Generation),
		"[" + emptyAsNA(string(row.State)) + "]",
		fmt.Sprintf("attempt=%d", row.Attempt),
	}
	if row.Signatures != "" {
		parts = append(parts, "signatures="+row.Signatures)
	}
	if row.TimedOut {
		parts = append(parts, "timed_out")
	}
	if row.Warnings > 0 {
		parts = append(parts, fmt.Sprintf("warnings=%d", row.Warnings))
	}
	return strings.Join(parts, " ")
}

func renderTaskDetails(row TaskRow) []string {
	details := []string{
		"    env: " + emptyAsNA(row.EnvID),
		"    last event: " + emptyAsNA(string(row.LastEvent)),
		"    exit code: " + emptyAsNA(row.ExitCode),
		fmt.Sprintf("    repairs: %d (unchanged %d), superseded: %d", row.Repairs, row.Unchanged, row.Superseded),
	}
	if row.Summary != "" {
		details = append(details, "    summary: "+row.Summary)
	} else if row.LastMessage != "" {
		details = append(details, "    message: "+row.LastMessage)
	}
	for _, line := range row.Output {
		details = append(details, "    | "+line)
	}
	return details
}

func renderHistoryLine(event contracts.Event) string {
	parts := []string{string(event.Type)}
	if event.TaskID != "" {
		parts = append(parts, event.TaskID)
	}
	if event.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("#%d", event.Attempt))
	}
	if message := strings.TrimSpace(event.Message); message != "" {
		if len(message) > 120 {
			message = message[:117] + "..."
		}
		parts = append(parts, message)
	}
	return strings.Join(parts, " ")
}

func emptyAsNA(value string) string {
	if strings.TrimSpace(value) == "" {
		return "n/a"
	}
	return value
}
