package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anomalyco/patchpilot/internal/classify"
	"github.com/anomalyco/patchpilot/internal/config"
	"github.com/anomalyco/patchpilot/internal/metrics"
	"github.com/anomalyco/patchpilot/internal/taskstore"
)

type runOptions struct {
	configPath           string
	taskID               string
	tasksDir             string
	maxAttempts          int
	runTimeout           time.Duration
	stream               bool
	verboseStream        bool
	streamOutputInterval time.Duration
	streamOutputBuffer   int
	eventsPath           string
}

func runOnce(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("patchpilot-run", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.Usage = func() {
		fmt.Fprintln(errOut, "usage: patchpilot run --task <id> [flags]")
		fs.PrintDefaults()
	}
	configPath := fs.String("config", config.DefaultPath, "Path to the config file")
	taskID := fs.String("task", "", "Task ID to run")
	tasksDir := fs.String("tasks-dir", "", "Task store directory (defaults to <work_dir>/tasks)")
	maxAttempts := fs.Int("max-attempts", 0, "Override max_attempts")
	runTimeout := fs.Duration("run-timeout", 0, "Override run_timeout")
	stream := fs.Bool("stream", false, "Emit NDJSON events to stdout for piping into patchpilot-tui")
	verboseStream := fs.Bool("verbose-stream", false, "Emit every execution_output event without coalescing")
	streamOutputInterval := fs.Duration("stream-output-interval", 150*time.Millisecond, "Minimum interval between emitted execution_output events when not verbose")
	streamOutputBuffer := fs.Int("stream-output-buffer", 64, "Maximum coalesced execution_output events retained before drop")
	events := fs.String("events", "", "Path to JSONL events log (defaults to <log_dir>/events.jsonl)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*taskID) == "" {
		fmt.Fprintln(errOut, "--task is required")
		return 1
	}
	if *maxAttempts < 0 {
		fmt.Fprintln(errOut, "--max-attempts must not be negative")
		return 1
	}
	if *streamOutputInterval <= 0 {
		fmt.Fprintln(errOut, "--stream-output-interval must be greater than 0")
		return 1
	}
	if *streamOutputBuffer <= 0 {
		fmt.Fprintln(errOut, "--stream-output-buffer must be greater than 0")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := executeRun(ctx, runOptions{
		configPath:           *configPath,
		taskID:               strings.TrimSpace(*taskID),
		tasksDir:             *tasksDir,
		maxAttempts:          *maxAttempts,
		runTimeout:           *runTimeout,
		stream:               *stream,
		verboseStream:        *verboseStream,
		streamOutputInterval: *streamOutputInterval,
		streamOutputBuffer:   *streamOutputBuffer,
		eventsPath:           *events,
	}, out, errOut); err != nil {
		fmt.Fprintln(errOut, classify.FormatActionableError(err))
		return 1
	}
	return 0
}

func executeRun(ctx context.Context, options runOptions, out io.Writer, errOut io.Writer) error {
	cfg, logger, err := loadConfig(options.configPath, errOut)
	if err != nil {
		return err
	}
	if options.maxAttempts > 0 {
		cfg.MaxAttempts = options.maxAttempts
	}
	if options.runTimeout > 0 {
		cfg.RunTimeout = options.runTimeout.String()
	}
	tasksDir := options.tasksDir
	if tasksDir == "" {
		tasksDir = cfg.TasksDir()
	}
	task, err := taskstore.New(tasksDir).GetTask(ctx, options.taskID)
	if err != nil {
		return err
	}

	sinkOpts := sinkOptions{
		verboseStream:        options.verboseStream,
		streamOutputInterval: options.streamOutputInterval,
		streamOutputBuffer:   options.streamOutputBuffer,
		eventsPath:           resolveEventsPath(cfg, options.eventsPath),
	}
	if options.stream {
		sinkOpts.stream = out
	}
	sinks, err := buildEventSinks(cfg, sinkOpts)
	if err != nil {
		return err
	}
	defer sinks.Close()

	app, err := buildComponents(cfg, logger, metrics.New(nil), sinks.sink, options.stream)
	if err != nil {
		return err
	}
	defer app.cleanup()

	status, runErr := app.controller.Run(ctx, task, nil)
	report := out
	if options.stream {
		// stdout carries the event stream.
		report = errOut
	}
	encoder := json.NewEncoder(report)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(status); err != nil {
		return err
	}
	return runErr
}
