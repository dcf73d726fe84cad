package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/anomalyco/patchpilot/internal/contracts"
	"github.com/anomalyco/patchpilot/internal/ui/monitor"
)

func TestStatusBarShowsSelectedRun(t *testing.T) {
	bar := NewStatusBar()
	bar, _ = bar.Update(tea.WindowSizeMsg{Width: 100, Height: 10})
	bar, _ = bar.Update(UpdateStatusBarMsg{
		Row: monitor.TaskRow{
			TaskID:     "task-7",
			Generation: 2,
			State:      contracts.RunStateAwaitingRepair,
			Attempt:    2,
			Signatures: "module_not_found",
		},
		MaxAttempts:  3,
		LastEventAge: "4s",
	})
	view := bar.View()
	for _, want := range []string{"task-7#2", "repairing", "[2/3]", "module_not_found", "(4s)"} {
		if !strings.Contains(view, want) {
			t.Fatalf("expected %q in status bar %q", want, view)
		}
	}

	bar, _ = bar.Update(StreamEndedMsg{})
	if !strings.Contains(bar.View(), "stream ended") {
		t.Fatalf("expected stream ended marker, got %q", bar.View())
	}
}

func TestStatusBarWithoutMaxAttempts(t *testing.T) {
	bar := NewStatusBar()
	bar, _ = bar.Update(UpdateStatusBarMsg{Row: monitor.TaskRow{TaskID: "x", Generation: 1, Attempt: 1}})
	if !strings.Contains(bar.View(), "[1]") {
		t.Fatalf("expected bare attempt counter, got %q", bar.View())
	}
}

func TestRunReportIncludesOutcome(t *testing.T) {
	report := RunReport(monitor.TaskRow{
		TaskID:     "task-1",
		Generation: 1,
		State:      contracts.RunStateDoneFail,
		Attempt:    3,
		ExitCode:   "1",
		Signatures: "division_by_zero",
		Repairs:    2,
		Unchanged:  1,
		Summary:    "failed (attempts_exhausted) after 3 executed attempts",
		Output:     []string{"ZeroDivisionError: division by zero"},
	})
	for _, want := range []string{"## task-1 (generation 1)", "**state**: failed", "`division_by_zero`", "2 (1 unchanged)", "ZeroDivisionError"} {
		if !strings.Contains(report, want) {
			t.Fatalf("expected %q in report:\n%s", want, report)
		}
	}
	if RunReport(monitor.TaskRow{}) != "" {
		t.Fatal("expected empty report for empty row")
	}
}

func TestMarkdownBubbleRendersContent(t *testing.T) {
	bubble := NewMarkdownBubble()
	bubble, _ = bubble.Update(tea.WindowSizeMsg{Width: 60})
	bubble, _ = bubble.Update(SetMarkdownContentMsg{Content: "# Title\r\nbody text"})
	view := bubble.View()
	if !strings.Contains(view, "Title") || !strings.Contains(view, "body text") {
		t.Fatalf("unexpected render %q", view)
	}
}

func TestNormalizeMarkdownNewlines(t *testing.T) {
	if got := normalizeMarkdownNewlines("a\r\nb\rc"); got != "a\nb\nc" {
		t.Fatalf("unexpected normalization %q", got)
	}
}
