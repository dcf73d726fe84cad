package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CommandRecord is one finished child-process invocation.
type CommandRecord struct {
	Command   []string
	Dir       string
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Err       error
	StartTime time.Time
	Elapsed   time.Duration
}

// CommandLogger writes one log file per command below logDir.
type CommandLogger struct {
	logDir string
}

func NewCommandLogger(logDir string) *CommandLogger {
	return &CommandLogger{
		logDir: logDir,
	}
}

func (cl *CommandLogger) Enabled() bool {
	return cl != nil && cl.logDir != ""
}

// LogCommand writes the record and returns the log file path. An empty log
// directory disables logging.
func (cl *CommandLogger) LogCommand(record CommandRecord) (string, error) {
	if !cl.Enabled() {
		return "", nil
	}

	if err := os.MkdirAll(cl.logDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	startTime := record.StartTime
	if startTime.IsZero() {
		startTime = time.Now()
	}
	timestamp := startTime.UTC().Format("20060102_150405_000000")
	logFilePath := filepath.Join(cl.logDir, fmt.Sprintf("%s_%s.log", timestamp, safeCommandName(record.Command)))

	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create log file: %w", err)
	}
	defer logFile.Close()

	elapsed := record.Elapsed
	if elapsed == 0 {
		elapsed = time.Since(startTime)
	}
	fmt.Fprintf(logFile, "Command: %s\n", strings.Join(record.Command, " "))
	if record.Dir != "" {
		fmt.Fprintf(logFile, "Dir: %s\n", record.Dir)
	}
	fmt.Fprintf(logFile, "Start Time: %s\n", startTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(logFile, "Elapsed: %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(logFile, "Exit Code: %d\n", record.ExitCode)
	if record.TimedOut {
		fmt.Fprintf(logFile, "Timed Out: true\n")
	}
	if record.Truncated {
		fmt.Fprintf(logFile, "Truncated: true\n")
	}
	if record.Err != nil {
		fmt.Fprintf(logFile, "Error: %v\n", record.Err)
	}

	writeSection(logFile, "STDOUT", record.Stdout)
	writeSection(logFile, "STDERR", record.Stderr)
	return logFilePath, nil
}

func writeSection(file *os.File, name string, content string) {
	if content == "" {
		content = "(no output)"
	}
	fmt.Fprintf(file, "\n=== %s ===\n%s\n", name, content)
}

func safeCommandName(command []string) string {
	if len(command) == 0 {
		return "command"
	}
	parts := make([]string, 0, 3)
	for _, arg := range command[:min(3, len(command))] {
		parts = append(parts, filepath.Base(arg))
	}
	name := strings.Join(parts, "_")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
