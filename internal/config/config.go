// Package config loads the YAML configuration shared by the CLI and server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anomalyco/patchpilot/internal/classify"
	"github.com/anomalyco/patchpilot/internal/logging"
	"github.com/anomalyco/patchpilot/internal/provision"
	"gopkg.in/yaml.v3"
)

const DefaultPath = ".patchpilot/config.yaml"

type Config struct {
	MaxAttempts            int    `yaml:"max_attempts"`
	RunTimeout             string `yaml:"run_timeout"`
	WorkDir                string `yaml:"work_dir"`
	LogDir                 string `yaml:"log_dir"`
	LogFormat              string `yaml:"log_format"`
	LogLevel               string `yaml:"log_level"`
	KeepFailedEnvironments bool   `yaml:"keep_failed_environments"`
	Headless               *bool  `yaml:"headless,omitempty"`
	MaxOutputBytes         int    `yaml:"max_output_bytes"`
	DefaultLanguage        string `yaml:"default_language"`

	Generator          GeneratorConfig           `yaml:"generator"`
	Languages          map[string]LanguageConfig `yaml:"languages,omitempty"`
	Signatures         []SignatureConfig         `yaml:"signatures,omitempty"`
	DisabledSignatures []string                  `yaml:"disabled_signatures,omitempty"`
	Redis              RedisConfig               `yaml:"redis"`
	NATS               NATSConfig                `yaml:"nats"`
	HTTP               HTTPConfig                `yaml:"http"`
	Publish            PublishConfig             `yaml:"publish"`
}

type GeneratorConfig struct {
	Command []string `yaml:"command,omitempty"`
	Dir     string   `yaml:"dir,omitempty"`
	Timeout string   `yaml:"timeout,omitempty"`
}

type LanguageConfig struct {
	Interpreter []string          `yaml:"interpreter,omitempty"`
	Bootstrap   [][]string        `yaml:"bootstrap,omitempty"`
	Install     []string          `yaml:"install,omitempty"`
	PathDirs    []string          `yaml:"path_dirs,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	EntryNames  []string          `yaml:"entry_names,omitempty"`
	Extensions  []string          `yaml:"extensions,omitempty"`
	Manifests   []string          `yaml:"manifests,omitempty"`
}

type SignatureConfig struct {
	Name        string   `yaml:"name"`
	Patterns    []string `yaml:"patterns"`
	Capture     []string `yaml:"capture,omitempty"`
	Remediation string   `yaml:"remediation,omitempty"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
	TTL    string `yaml:"ttl,omitempty"`
}

type NATSConfig struct {
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type PublishConfig struct {
	Enabled bool   `yaml:"enabled"`
	RepoDir string `yaml:"repo_dir,omitempty"`
	Subdir  string `yaml:"subdir,omitempty"`
	Branch  string `yaml:"branch,omitempty"`
	Push    bool   `yaml:"push"`
}

func Default() Config {
	return Config{
		MaxAttempts:     3,
		RunTimeout:      "30s",
		WorkDir:         ".patchpilot/work",
		LogDir:          ".patchpilot/logs",
		LogFormat:       "text",
		LogLevel:        "info",
		MaxOutputBytes:  1 << 20,
		DefaultLanguage: "python",
		Generator:       GeneratorConfig{Timeout: "2m"},
		HTTP:            HTTPConfig{Addr: "127.0.0.1:8080"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("cannot read config file at %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("cannot parse config file at %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file at %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max_attempts must be greater than 0"))
	}
	if d, err := parseDuration("run_timeout", c.RunTimeout); err != nil {
		errs = append(errs, err)
	} else if d <= 0 {
		errs = append(errs, errors.New("run_timeout must be greater than 0"))
	}
	if c.MaxOutputBytes <= 0 {
		errs = append(errs, errors.New("max_output_bytes must be greater than 0"))
	}
	if strings.TrimSpace(c.WorkDir) == "" {
		errs = append(errs, errors.New("work_dir is required"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be one of: text, json"))
	}
	if _, err := parseDuration("generator.timeout", c.Generator.Timeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseDuration("redis.ttl", c.Redis.TTL); err != nil {
		errs = append(errs, err)
	}

	languages := c.ProvisionLanguages()
	if _, ok := languages[strings.ToLower(c.DefaultLanguage)]; !ok {
		errs = append(errs, fmt.Errorf("default_language must be one of: %s", strings.Join(provision.LanguageNames(languages), ", ")))
	}
	for name, lang := range languages {
		if len(lang.Interpreter) == 0 {
			errs = append(errs, fmt.Errorf("languages.%s.interpreter is required", name))
		}
	}
	if _, err := c.Classifier(); err != nil {
		errs = append(errs, fmt.Errorf("signatures: %w", err))
	}
	if c.Publish.Enabled && strings.TrimSpace(c.Publish.RepoDir) == "" {
		errs = append(errs, errors.New("publish.repo_dir is required when publish.enabled is true"))
	}
	if c.Publish.Push && strings.TrimSpace(c.Publish.Branch) == "" {
		errs = append(errs, errors.New("publish.branch is required when publish.push is true"))
	}
	return errors.Join(errs...)
}

func (c Config) RunTimeoutDuration() time.Duration {
	d, _ := parseDuration("run_timeout", c.RunTimeout)
	return d
}

func (c Config) GeneratorTimeout() time.Duration {
	d, _ := parseDuration("generator.timeout", c.Generator.Timeout)
	return d
}

func (c Config) RedisTTL() time.Duration {
	d, _ := parseDuration("redis.ttl", c.Redis.TTL)
	return d
}

// HeadlessEnabled defaults to true.
func (c Config) HeadlessEnabled() bool {
	return c.Headless == nil || *c.Headless
}

func (c Config) EnvironmentsDir() string {
	return filepath.Join(c.WorkDir, "envs")
}

func (c Config) ResultsDir() string {
	return filepath.Join(c.WorkDir, "results")
}

func (c Config) TasksDir() string {
	return filepath.Join(c.WorkDir, "tasks")
}

// FailedDir is empty unless failed environments are kept.
func (c Config) FailedDir() string {
	if !c.KeepFailedEnvironments {
		return ""
	}
	return filepath.Join(c.WorkDir, "failed")
}

// ProvisionLanguages overlays the configured languages onto the built-in ones.
func (c Config) ProvisionLanguages() map[string]provision.Language {
	overrides := make(map[string]provision.Language, len(c.Languages))
	for name, lang := range c.Languages {
		overrides[name] = provision.Language{
			Interpreter: lang.Interpreter,
			Bootstrap:   lang.Bootstrap,
			Install:     lang.Install,
			PathDirs:    lang.PathDirs,
			Env:         lang.Env,
			EntryNames:  lang.EntryNames,
			Extensions:  lang.Extensions,
			Manifests:   lang.Manifests,
		}
	}
	return provision.Merge(provision.DefaultLanguages(), overrides)
}

// Classifier builds the built-in signatures plus the configured ones.
func (c Config) Classifier() (*classify.Classifier, error) {
	specs := make([]classify.SignatureSpec, 0, len(c.Signatures))
	for _, sig := range c.Signatures {
		specs = append(specs, classify.SignatureSpec{
			Name:        sig.Name,
			Patterns:    sig.Patterns,
			Capture:     sig.Capture,
			Remediation: sig.Remediation,
		})
	}
	return classify.FromSpecs(specs, c.DisabledSignatures)
}

func parseDuration(field string, raw string) (time.Duration, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", field, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%s must be greater than or equal to 0", field)
	}
	return parsed, nil
}
