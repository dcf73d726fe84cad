// Package provision creates and tears down one disposable environment per
// pipeline attempt.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/anomalyco/patchpilot/internal/artifact"
	"github.com/anomalyco/patchpilot/internal/contracts"
	"github.com/anomalyco/patchpilot/internal/exec"
	"github.com/anomalyco/patchpilot/internal/logging"
	"github.com/google/uuid"
)

// CommandRunner runs bootstrap and install steps.
type CommandRunner interface {
	Run(ctx context.Context, command exec.Command) (exec.Result, error)
}

type Options struct {
	BaseDir         string
	DefaultLanguage string
	Languages       map[string]Language
	Runner          CommandRunner
	Logger          *slog.Logger
	// BaseEnv is copied into every environment before language variables.
	// Nil selects a minimal allowlist of the host environment.
	BaseEnv map[string]string
}

// Manager hands out isolated environments below baseDir and tracks the live ones.
type Manager struct {
	baseDir         string
	defaultLanguage string
	languages       map[string]Language
	runner          CommandRunner
	logger          *slog.Logger
	baseEnv         map[string]string

	mu   sync.Mutex
	envs map[string]*Environment
}

func NewManager(options Options) *Manager {
	baseDir := options.BaseDir
	if strings.TrimSpace(baseDir) == "" {
		baseDir = filepath.Join(os.TempDir(), "patchpilot-envs")
	}
	languages := options.Languages
	if len(languages) == 0 {
		languages = DefaultLanguages()
	}
	defaultLanguage := strings.ToLower(strings.TrimSpace(options.DefaultLanguage))
	if defaultLanguage == "" {
		defaultLanguage = "python"
	}
	runner := options.Runner
	if runner == nil {
		runner = exec.NewCommandRunner("", nil)
	}
	baseEnv := options.BaseEnv
	if baseEnv == nil {
		baseEnv = HostEnv()
	}
	return &Manager{
		baseDir:         baseDir,
		defaultLanguage: defaultLanguage,
		languages:       languages,
		runner:          runner,
		logger:          logging.Component(options.Logger, "provision"),
		baseEnv:         baseEnv,
		envs:            map[string]*Environment{},
	}
}

// Language returns the resolved language, falling back to the default.
func (m *Manager) Language(name string) (Language, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = m.defaultLanguage
	}
	lang, ok := m.languages[name]
	if !ok {
		return Language{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownLanguage, name, strings.Join(LanguageNames(m.languages), ", "))
	}
	if lang.Name == "" {
		lang.Name = name
	}
	return lang, nil
}

// EntryRules exposes the entry-resolution rules for a language.
func (m *Manager) EntryRules(language string) (artifact.EntryRules, error) {
	lang, err := m.Language(language)
	if err != nil {
		return artifact.EntryRules{}, err
	}
	return artifact.EntryRules{Names: lang.EntryNames, Extensions: lang.Extensions, Manifests: lang.Manifests}, nil
}

func (m *Manager) Provision(ctx context.Context, request contracts.ProvisionRequest) (contracts.Environment, error) {
	fail := func(kind ErrorKind, output string, err error) error {
		return &Error{Kind: kind, TaskID: request.TaskID, Attempt: request.Attempt, Output: output, Err: err}
	}

	if len(request.Artifacts) == 0 {
		return nil, fail(KindProvisionFailed, "", artifact.ErrNoArtifacts)
	}
	lang, err := m.Language(request.Language)
	if err != nil {
		return nil, fail(KindProvisionFailed, "", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fail(KindProvisionFailed, "", err)
	}

	id := uuid.NewString()
	root := filepath.Join(m.baseDir, id)
	env := &Environment{
		id:      id,
		taskID:  request.TaskID,
		attempt: request.Attempt,
		root:    root,
		workDir: filepath.Join(root, "work"),
		manager: m,
	}
	for _, dir := range []string{env.workDir, filepath.Join(root, "tmp")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = os.RemoveAll(root)
			return nil, fail(KindProvisionFailed, "", err)
		}
	}

	// From here on every failure must remove the half-built root.
	cleanup := func() {
		if err := os.RemoveAll(root); err != nil {
			m.logger.Warn("remove failed environment", "env_id", id, "error", err)
		}
	}

	if err := artifact.Materialize(env.workDir, request.Artifacts); err != nil {
		cleanup()
		return nil, fail(KindProvisionFailed, "", err)
	}

	x := expansion{root: root, work: env.workDir}
	manifestPath, hasManifest := artifact.FindManifest(request.Artifacts, lang.Manifests)
	if hasManifest {
		x.manifest = filepath.Join(env.workDir, filepath.FromSlash(manifestPath))
		x.packages = artifact.ParseManifest(request.Artifacts[manifestPath])
	}
	env.interpreter = lang.Interpreter
	env.expansion = x
	env.env = m.buildEnv(lang, x)

	logger := m.logger.With("env_id", id, "task_id", request.TaskID, "attempt", request.Attempt, "language", lang.Name)

	for _, step := range lang.Bootstrap {
		result, err := m.runner.Run(ctx, exec.Command{Args: x.expandArgs(step), Dir: root, Env: env.env})
		if err != nil {
			cleanup()
			logger.Error("bootstrap failed", "error", err)
			return nil, fail(KindProvisionFailed, result.Stderr, err)
		}
	}

	if len(x.packages) > 0 && len(lang.Install) > 0 {
		result, err := m.runner.Run(ctx, exec.Command{Args: x.expandArgs(lang.Install), Dir: env.workDir, Env: env.env})
		if err != nil {
			cleanup()
			logger.Error("dependency install failed", "manifest", manifestPath, "error", err)
			return nil, fail(KindDependencyInstallFailed, combineOutput(result), err)
		}
		logger.Info("dependencies installed", "manifest", manifestPath, "packages", len(x.packages))
	} else if hasManifest && len(x.packages) > 0 {
		logger.Warn("language has no install command; manifest ignored", "manifest", manifestPath)
	}

	m.mu.Lock()
	m.envs[id] = env
	m.mu.Unlock()

	logger.Debug("environment provisioned", "root", root)
	return env, nil
}

// Active returns the ids of environments that have not been destroyed.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.envs))
	for id := range m.envs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cleanup destroys the environment with the given id. Unknown ids fall back
// to removing the matching directory below baseDir.
func (m *Manager) Cleanup(id string) error {
	m.mu.Lock()
	env := m.envs[id]
	m.mu.Unlock()
	if env != nil {
		return env.Destroy()
	}
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid environment id %q", id)
	}
	return os.RemoveAll(filepath.Join(m.baseDir, id))
}

// CleanupAll destroys every live environment; used on shutdown.
func (m *Manager) CleanupAll() error {
	var err error
	for _, id := range m.Active() {
		err = errors.Join(err, m.Cleanup(id))
	}
	return err
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.envs, id)
	m.mu.Unlock()
}

func (m *Manager) buildEnv(lang Language, x expansion) []string {
	values := map[string]string{}
	for k, v := range m.baseEnv {
		values[k] = v
	}
	if len(lang.PathDirs) > 0 {
		dirs := make([]string, 0, len(lang.PathDirs)+1)
		for _, dir := range lang.PathDirs {
			dirs = append(dirs, x.expand(dir))
		}
		if current := values["PATH"]; current != "" {
			dirs = append(dirs, current)
		}
		values["PATH"] = strings.Join(dirs, string(os.PathListSeparator))
	}
	for k, v := range lang.Env {
		values[k] = x.expand(v)
	}
	values["HOME"] = x.root
	values["TMPDIR"] = filepath.Join(x.root, "tmp")
	values["PATCHPILOT_ENV_ROOT"] = x.root

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+values[k])
	}
	return env
}

// HostEnv is the allowlisted slice of the host environment passed to children.
func HostEnv() map[string]string {
	values := map[string]string{}
	for _, key := range []string{"PATH", "LANG", "LC_ALL", "TZ", "SYSTEMROOT"} {
		if value, ok := os.LookupEnv(key); ok {
			values[key] = value
		}
	}
	if _, ok := values["PATH"]; !ok {
		values["PATH"] = "/usr/local/bin:/usr/bin:/bin"
	}
	return values
}

func combineOutput(result exec.Result) string {
	return strings.TrimSpace(strings.TrimSpace(result.Stdout) + "\n" + strings.TrimSpace(result.Stderr))
}
