package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/anomalyco/patchpilot/internal/config"
	"github.com/anomalyco/patchpilot/internal/contracts"
	"github.com/anomalyco/patchpilot/internal/exec"
	"github.com/anomalyco/patchpilot/internal/generate"
	"github.com/anomalyco/patchpilot/internal/logging"
	"github.com/anomalyco/patchpilot/internal/metrics"
	"github.com/anomalyco/patchpilot/internal/provision"
	"github.com/anomalyco/patchpilot/internal/repair"
	"github.com/anomalyco/patchpilot/internal/sandbox"
	gitvcs "github.com/anomalyco/patchpilot/internal/vcs/git"
)

// components is the wired pipeline shared by serve and run.
type components struct {
	cfg        config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	manager    *provision.Manager
	controller *repair.Controller
}

func loadConfig(path string, errOut io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.LogFormat, cfg.LogLevel, errOut)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func buildComponents(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, events contracts.EventSink, streamOutput bool) (*components, error) {
	classifier, err := cfg.Classifier()
	if err != nil {
		return nil, err
	}
	commandLogDir := filepath.Join(cfg.LogDir, "commands")

	manager := provision.NewManager(provision.Options{
		BaseDir:         cfg.EnvironmentsDir(),
		DefaultLanguage: cfg.DefaultLanguage,
		Languages:       cfg.ProvisionLanguages(),
		Runner:          exec.NewCommandRunner(commandLogDir, nil),
		Logger:          logger,
	})

	var generator contracts.Generator = unconfiguredGenerator{}
	if len(cfg.Generator.Command) > 0 {
		generator, err = generate.NewCommandGenerator(generate.CommandOptions{
			Command: cfg.Generator.Command,
			Dir:     cfg.Generator.Dir,
			Timeout: cfg.GeneratorTimeout(),
			LogDir:  commandLogDir,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
	}

	var publisher repair.Publisher
	if cfg.Publish.Enabled {
		runner := gitvcs.NewCommandAdapter(exec.NewCommandRunner(commandLogDir, nil), cfg.Publish.RepoDir)
		p, err := gitvcs.NewPublisher(runner, gitvcs.PublisherOptions{
			RepoDir: cfg.Publish.RepoDir,
			Subdir:  cfg.Publish.Subdir,
			Branch:  cfg.Publish.Branch,
			Push:    cfg.Publish.Push,
		})
		if err != nil {
			return nil, err
		}
		publisher = p
	}

	controller := repair.NewController(repair.Dependencies{
		Generator:   generator,
		Provisioner: manager,
		Runner:      sandbox.New(sandbox.Options{Logger: logger, LogDir: commandLogDir, MaxOutputBytes: cfg.MaxOutputBytes}),
		Classifier:  classifier,
		Entries:     manager,
		Events:      events,
		Metrics:     m,
		Logger:      logger,
		Publisher:   publisher,
	}, repair.Options{
		MaxAttempts:    cfg.MaxAttempts,
		Timeout:        cfg.RunTimeoutDuration(),
		MaxOutputBytes: cfg.MaxOutputBytes,
		Headless:       cfg.HeadlessEnabled(),
		ResultsDir:     cfg.ResultsDir(),
		FailedDir:      cfg.FailedDir(),
		SummaryLog:     cfg.LogDir,
		StreamOutput:   streamOutput,
	})

	return &components{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		manager:    manager,
		controller: controller,
	}, nil
}

// cleanup removes environments a crashed or interrupted run left behind.
func (c *components) cleanup() {
	if err := c.manager.CleanupAll(); err != nil {
		c.logger.Warn("environment cleanup", "error", err)
	}
}

var errNoGenerator = errors.New("generator command is not configured; set generator.command or supply prior artifacts")

// unconfiguredGenerator lets tasks with prior artifacts run without a
// generator. Any request for new artifacts fails.
type unconfiguredGenerator struct{}

func (unconfiguredGenerator) Generate(_ context.Context, request contracts.GenerationRequest) (contracts.ArtifactSet, error) {
	return nil, fmt.Errorf("attempt %d: %w", request.Attempt, errNoGenerator)
}
