package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/anomalyco/patchpilot/internal/contracts"
	"github.com/anomalyco/patchpilot/internal/ui/monitor"
)

// StatusBar renders the selected run on a single styled line.
type StatusBar struct {
	taskID       string
	generation   uint64
	state        contracts.RunState
	attempt      int
	maxAttempts  int
	signatures   string
	lastEventAge string
	streamEnded  bool
	width        int
}

func NewStatusBar() StatusBar {
	return StatusBar{width: 80}
}

func (s StatusBar) Init() tea.Cmd {
	return nil
}

// UpdateStatusBarMsg carries the row under the cursor.
type UpdateStatusBarMsg struct {
	Row          monitor.TaskRow
	MaxAttempts  int
	LastEventAge string
}

type StreamEndedMsg struct{}

func (s StatusBar) Update(msg tea.Msg) (StatusBar, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = typed.Width
	case UpdateStatusBarMsg:
		s.taskID = typed.Row.TaskID
		s.generation = typed.Row.Generation
		s.state = typed.Row.State
		s.attempt = typed.Row.Attempt
		s.maxAttempts = typed.MaxAttempts
		s.signatures = typed.Row.Signatures
		s.lastEventAge = typed.LastEventAge
	case StreamEndedMsg:
		s.streamEnded = true
	}
	return s, nil
}

func (s StatusBar) View() string {
	parts := []string{}
	if s.taskID != "" {
		parts = append(parts, fmt.Sprintf("%s#%d", s.taskID, s.generation))
	}
	if s.state != "" {
		parts = append(parts, stateLabel(s.state))
	}
	if s.attempt > 0 {
		if s.maxAttempts > 0 {
			parts = append(parts, fmt.Sprintf("[%d/%d]", s.attempt, s.maxAttempts))
		} else {
			parts = append(parts, fmt.Sprintf("[%d]", s.attempt))
		}
	}
	if s.signatures != "" {
		parts = append(parts, s.signatures)
	}
	if s.lastEventAge != "" {
		parts = append(parts, fmt.Sprintf("(%s)", s.lastEventAge))
	}
	if s.streamEnded {
		parts = append(parts, "stream ended")
	}

	background := lipgloss.Color("#1a1a1a")
	switch s.state {
	case contracts.RunStateDonePass:
		background = lipgloss.Color("#1f5f2a")
	case contracts.RunStateDoneFail:
		background = lipgloss.Color("#8b1a1a")
	}
	style := lipgloss.NewStyle().
		Width(s.width).
		Foreground(lipgloss.Color("#ffffff")).
		Background(background).
		Border(lipgloss.NormalBorder()).
		Padding(0, 1)
	return style.Render(strings.Join(parts, " "))
}

func (s *StatusBar) SetWidth(width int) {
	s.width = width
}

func stateLabel(state contracts.RunState) string {
	switch state {
	case contracts.RunStateStart:
		return "starting"
	case contracts.RunStateProvisioned:
		return "running"
	case contracts.RunStateExecuted:
		return "classifying"
	case contracts.RunStateAwaitingRepair:
		return "repairing"
	case contracts.RunStateDonePass:
		return "passed"
	case contracts.RunStateDoneFail:
		return "failed"
	case contracts.RunStateCancelled:
		return "cancelled"
	default:
		return string(state)
	}
}
