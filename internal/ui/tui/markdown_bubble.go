package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/anomalyco/patchpilot/internal/ui/monitor"
)

// MarkdownBubble renders markdown content with glamour, wrapped to the
// current width.
type MarkdownBubble struct {
	content string
	width   int
}

func NewMarkdownBubble() MarkdownBubble {
	return MarkdownBubble{width: 80}
}

func (m MarkdownBubble) Init() tea.Cmd {
	return nil
}

type SetMarkdownContentMsg struct {
	Content string
}

func (m MarkdownBubble) Update(msg tea.Msg) (MarkdownBubble, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
	case SetMarkdownContentMsg:
		m.content = typed.Content
	}
	return m, nil
}

func (m MarkdownBubble) View() string {
	if m.content == "" {
		return lipgloss.NewStyle().Width(m.width).Render("")
	}
	normalized := normalizeMarkdownNewlines(m.content)
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("notty"),
		glamour.WithWordWrap(m.width),
	)
	if err != nil {
		return normalized
	}
	rendered, err := renderer.Render(normalized)
	if err != nil {
		return normalized
	}
	return rendered
}

func (m *MarkdownBubble) SetWidth(width int) {
	m.width = width
}

func normalizeMarkdownNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// RunReport describes one task row as markdown for the detail pane.
func RunReport(row monitor.TaskRow) string {
	if row.TaskID == "" {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## %s (generation %d)\n\n", row.TaskID, row.Generation)
	fmt.Fprintf(&b, "- **state**: %s\n", stateLabel(row.State))
	fmt.Fprintf(&b, "- **attempt**: %d\n", row.Attempt)
	if row.ExitCode != "" {
		fmt.Fprintf(&b, "- **exit code**: %s\n", row.ExitCode)
	}
	if row.TimedOut {
		b.WriteString("- **timed out**\n")
	}
	if row.Signatures != "" {
		fmt.Fprintf(&b, "- **signatures**: `%s`\n", row.Signatures)
	}
	if row.Repairs > 0 {
		fmt.Fprintf(&b, "- **repairs**: %d (%d unchanged)\n", row.Repairs, row.Unchanged)
	}
	if row.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", row.Summary)
	}
	if len(row.Output) > 0 {
		b.WriteString("\n```\n")
		for _, line := range row.Output {
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("```\n")
	}
	return b.String()
}
