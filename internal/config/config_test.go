package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anomalyco/patchpilot/internal/contracts"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxAttempts != 3 || cfg.RunTimeoutDuration() != 30*time.Second || !cfg.HeadlessEnabled() {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := writeConfig(t, `
max_attempts: 5
run_timeout: 10s
work_dir: /tmp/pp
keep_failed_environments: true
headless: false
generator:
  command: ["python3", "gen.py"]
  timeout: 45s
languages:
  python:
    bootstrap: [["python3.12", "-m", "venv", "{root}/venv"]]
  ruby:
    interpreter: ["ruby", "{entry}"]
    extensions: [".rb"]
signatures:
  - name: rate_limited
    patterns: ["429 too many requests"]
    remediation: back off before retrying
disabled_signatures: [error_indicator]
redis:
  addr: 127.0.0.1:6379
  ttl: 24h
publish:
  enabled: true
  repo_dir: /srv/results
  branch: results
  push: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxAttempts != 5 || cfg.RunTimeoutDuration() != 10*time.Second || cfg.GeneratorTimeout() != 45*time.Second || cfg.RedisTTL() != 24*time.Hour {
		t.Fatalf("unexpected values %#v", cfg)
	}
	if cfg.LogFormat != "text" || cfg.MaxOutputBytes != 1<<20 {
		t.Fatalf("expected untouched defaults, got %#v", cfg)
	}
	if cfg.HeadlessEnabled() {
		t.Fatalf("expected headless disabled")
	}
	if cfg.FailedDir() != filepath.Join("/tmp/pp", "failed") || cfg.ResultsDir() != filepath.Join("/tmp/pp", "results") {
		t.Fatalf("unexpected derived dirs %q %q", cfg.FailedDir(), cfg.ResultsDir())
	}

	languages := cfg.ProvisionLanguages()
	if languages["python"].Bootstrap[0][0] != "python3.12" || len(languages["python"].Install) == 0 {
		t.Fatalf("expected python override merged with defaults, got %#v", languages["python"])
	}
	if languages["ruby"].Interpreter[0] != "ruby" {
		t.Fatalf("expected ruby language added")
	}

	classifier, err := cfg.Classifier()
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	diagnosis := classifier.Classify(contracts.ExecutionResult{Stdout: "HTTP 429 Too Many Requests", ExitCode: 0})
	if diagnosis.Passed() || diagnosis.MatchedSignatures[0] != "rate_limited" {
		t.Fatalf("expected custom signature match, got %#v", diagnosis)
	}
	for _, name := range classifier.SignatureNames() {
		if name == "error_indicator" {
			t.Fatalf("expected error_indicator disabled")
		}
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "max_attempts: 2\nretries: 4\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "retries") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestValidateJoinsEveryError(t *testing.T) {
	cfg := Default()
	cfg.MaxAttempts = 0
	cfg.RunTimeout = "soon"
	cfg.LogFormat = "xml"
	cfg.DefaultLanguage = "cobol"
	cfg.Signatures = []SignatureConfig{{Name: "bad"}}
	cfg.Publish = PublishConfig{Enabled: true, Push: true}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"max_attempts must be greater than 0",
		"run_timeout must be a valid duration",
		"log_format must be one of",
		"default_language must be one of",
		"at least one pattern is required",
		"publish.repo_dir is required",
		"publish.branch is required",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %q", want, err.Error())
		}
	}
}

func TestEmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("expected defaults, got %#v", cfg)
	}
}
