package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/anomalyco/patchpilot/internal/contracts"
	"github.com/anomalyco/patchpilot/internal/ui/monitor"
	"github.com/anomalyco/patchpilot/internal/ui/tui"
)

func main() {
	os.Exit(RunMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func RunMain(args []string, in io.Reader, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("patchpilot-tui", flag.ContinueOnError)
	fs.SetOutput(errOut)
	eventsStdin := fs.Bool("events-stdin", true, "Read NDJSON events from stdin")
	maxAttempts := fs.Int("max-attempts", 0, "Attempt budget shown in the status bar (0 hides it)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if !*eventsStdin {
		fmt.Fprintln(errOut, "--events-stdin must be enabled")
		return 1
	}
	if in == nil {
		fmt.Fprintln(errOut, "stdin reader is required")
		return 1
	}

	if shouldUseFullscreen(out) {
		if err := runFullscreenFromReader(in, out, *maxAttempts); err != nil {
			fmt.Fprintln(errOut, err)
			return 1
		}
		return 0
	}

	if err := renderFromReader(in, out, errOut); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}

func shouldUseFullscreen(out io.Writer) bool {
	file, ok := out.(*os.File)
	if !ok || file == nil {
		return false
	}
	return term.IsTerminal(int(file.Fd()))
}

type streamMsg interface{}

type eventMsg struct{ event contracts.Event }
type decodeErrorMsg struct{ err error }
type streamDoneMsg struct{}

type fullscreenModel struct {
	monitor     *monitor.Model
	viewport    viewport.Model
	statusBar   tui.StatusBar
	report      tui.MarkdownBubble
	maxAttempts int
	width       int
	height      int
	stream      <-chan streamMsg
	errorLine   string
	streamDone  bool
}

func newFullscreenModel(stream <-chan streamMsg, maxAttempts int) fullscreenModel {
	vp := viewport.New(80, 21)
	vp.SetContent("Waiting for event stream...\n")
	return fullscreenModel{
		monitor:     monitor.NewModel(nil),
		viewport:    vp,
		statusBar:   tui.NewStatusBar(),
		report:      tui.NewMarkdownBubble(),
		maxAttempts: maxAttempts,
		width:       80,
		height:      24,
		stream:      stream,
	}
}

func (m fullscreenModel) Init() tea.Cmd {
	return waitForStreamMessage(m.stream)
}

func waitForStreamMessage(stream <-chan streamMsg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-stream
		if !ok {
			return streamDoneMsg{}
		}
		return msg
	}
}

func (m fullscreenModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.viewport.Width = typed.Width
		// status bar takes three rows with its border
		m.viewport.Height = max(typed.Height-3, 1)
		m.statusBar.SetWidth(typed.Width - 2)
		m.report.SetWidth(typed.Width)
		m.refresh()
		return m, nil
	case eventMsg:
		m.monitor.Apply(typed.event)
		m.refresh()
		return m, waitForStreamMessage(m.stream)
	case decodeErrorMsg:
		m.errorLine = strings.TrimSpace(typed.err.Error())
		m.monitor.Apply(contracts.Event{Type: contracts.EventTypeWarning, Message: "decode_error: " + m.errorLine})
		m.refresh()
		return m, waitForStreamMessage(m.stream)
	case streamDoneMsg:
		m.streamDone = true
		m.statusBar, _ = m.statusBar.Update(tui.StreamEndedMsg{})
		m.refresh()
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "down", "left", "right", "j", "k", "h", "l", "enter", " ":
			key := typed.String()
			if key == " " {
				key = "space"
			}
			m.monitor.HandleKey(key)
			m.refresh()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *fullscreenModel) refresh() {
	row, ok := m.monitor.Selected()
	if ok {
		m.statusBar, _ = m.statusBar.Update(tui.UpdateStatusBarMsg{Row: row, MaxAttempts: m.maxAttempts})
		m.report, _ = m.report.Update(tui.SetMarkdownContentMsg{Content: tui.RunReport(row)})
	}
	m.viewport.SetContent(m.renderContent())
}

func (m fullscreenModel) renderContent() string {
	lines := []string{strings.TrimSuffix(m.monitor.View(), "\n")}
	if report := strings.TrimSpace(m.report.View()); report != "" {
		lines = append(lines, "", report)
	}
	if m.errorLine != "" {
		lines = append(lines, "", "Last decode warning: "+m.errorLine)
	}
	if m.streamDone {
		lines = append(lines, "", "Stream ended. Press q to quit.")
	}
	content := strings.Join(lines, "\n")
	if m.width > 0 {
		return lipgloss.NewStyle().Width(m.width).Render(content)
	}
	return content
}

func (m fullscreenModel) View() string {
	return lipgloss.JoinVertical(lipgloss.Left, m.viewport.View(), m.statusBar.View())
}

func runFullscreenFromReader(reader io.Reader, out io.Writer, maxAttempts int) error {
	stream := make(chan streamMsg, 64)
	go decodeEvents(reader, stream)

	program := tea.NewProgram(
		newFullscreenModel(stream, maxAttempts),
		tea.WithOutput(out),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	_, err := program.Run()
	return err
}

func decodeEvents(reader io.Reader, out chan<- streamMsg) {
	defer close(out)
	decoder := contracts.NewEventDecoder(reader)
	decodeFailures := 0
	for {
		event, err := decoder.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			decodeFailures++
			out <- decodeErrorMsg{err: err}
			if decodeFailures >= 3 {
				return
			}
			continue
		}
		decodeFailures = 0
		out <- eventMsg{event: event}
	}
}

// renderFromReader prints the whole monitor view after every event when the
// output is not a terminal.
func renderFromReader(reader io.Reader, out io.Writer, errOut io.Writer) error {
	decoder := contracts.NewEventDecoder(reader)
	model := monitor.NewModel(nil)
	haveEvents := false
	decodeFailures := 0
	for {
		event, err := decoder.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			decodeFailures++
			haveEvents = true
			model.Apply(contracts.Event{Type: contracts.EventTypeWarning, Message: "decode_error: " + err.Error()})
			if _, writeErr := io.WriteString(out, model.View()); writeErr != nil {
				return writeErr
			}
			if errOut != nil {
				_, _ = io.WriteString(errOut, "event decode warning: "+err.Error()+"\n")
			}
			if decodeFailures >= 3 {
				return fmt.Errorf("failed to decode event stream after %d errors: %w", decodeFailures, err)
			}
			continue
		}
		decodeFailures = 0
		haveEvents = true
		model.Apply(event)
		if _, writeErr := io.WriteString(out, model.View()); writeErr != nil {
			return writeErr
		}
	}
	if !haveEvents {
		if _, writeErr := io.WriteString(out, model.View()); writeErr != nil {
			return writeErr
		}
	}
	return nil
}
