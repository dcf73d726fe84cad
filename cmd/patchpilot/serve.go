package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anomalyco/patchpilot/internal/classify"
	"github.com/anomalyco/patchpilot/internal/config"
	"github.com/anomalyco/patchpilot/internal/httpapi"
	"github.com/anomalyco/patchpilot/internal/metrics"
	"github.com/anomalyco/patchpilot/internal/statusstore"
	"github.com/anomalyco/patchpilot/internal/taskstore"
	"github.com/anomalyco/patchpilot/internal/tracker"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

type serveOptions struct {
	configPath      string
	addr            string
	eventsPath      string
	shutdownTimeout time.Duration
	// ready, when set, receives the bound listener address.
	ready func(addr string)
}

func runServe(args []string, _ io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("patchpilot-serve", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", config.DefaultPath, "Path to the config file")
	addr := fs.String("addr", "", "Listen address (overrides http.addr)")
	events := fs.String("events", "", "Path to JSONL events log (defaults to <log_dir>/events.jsonl)")
	shutdownTimeout := fs.Duration("shutdown-timeout", 30*time.Second, "Grace period for in-flight runs on shutdown")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *shutdownTimeout <= 0 {
		fmt.Fprintln(errOut, "--shutdown-timeout must be greater than 0")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, serveOptions{
		configPath:      *configPath,
		addr:            *addr,
		eventsPath:      *events,
		shutdownTimeout: *shutdownTimeout,
	}, errOut); err != nil {
		fmt.Fprintln(errOut, classify.FormatActionableError(err))
		return 1
	}
	return 0
}

func serve(ctx context.Context, options serveOptions, errOut io.Writer) error {
	cfg, logger, err := loadConfig(options.configPath, errOut)
	if err != nil {
		return err
	}
	if options.addr != "" {
		cfg.HTTP.Addr = options.addr
	}
	gin.SetMode(gin.ReleaseMode)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	sinks, err := buildEventSinks(cfg, sinkOptions{eventsPath: resolveEventsPath(cfg, options.eventsPath)})
	if err != nil {
		return err
	}
	defer sinks.Close()

	var mirror tracker.StatusMirror
	if cfg.Redis.Addr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		store, err := statusstore.Dial(dialCtx, cfg.Redis.Addr, statusstore.Options{Prefix: cfg.Redis.Prefix, TTL: cfg.RedisTTL()})
		cancel()
		if err != nil {
			return err
		}
		defer store.Close()
		mirror = store
	}

	app, err := buildComponents(cfg, logger, m, sinks.sink, false)
	if err != nil {
		return err
	}
	defer app.cleanup()

	runs := tracker.New(tracker.Options{
		Events:  sinks.sink,
		Metrics: m,
		Logger:  logger,
		Mirror:  mirror,
	})
	tasks := taskstore.New(cfg.TasksDir())
	api := httpapi.New(httpapi.Options{
		Runs:     runs,
		Tasks:    tasks,
		Writer:   tasks,
		Pipeline: app.controller,
		Metrics:  m,
		Logger:   logger,
	})

	listener, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTP.Addr, err)
	}
	server := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("serving", "addr", listener.Addr().String(), "max_attempts", cfg.MaxAttempts, "run_timeout", cfg.RunTimeoutDuration())
	if options.ready != nil {
		options.ready(listener.Addr().String())
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return shutdown(server, runs, options.shutdownTimeout, logger)
	})
	return group.Wait()
}

// shutdown stops accepting requests, then cancels and drains in-flight runs.
func shutdown(server *http.Server, runs *tracker.Tracker, timeout time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	logger.Info("shutting down", "timeout", timeout)
	err := server.Shutdown(ctx)
	if runsErr := runs.Shutdown(ctx); runsErr != nil {
		logger.Warn("runs did not finish before shutdown timeout", "error", runsErr)
		err = errors.Join(err, runsErr)
	}
	return err
}
