package provision

import (
	"sort"
	"strings"
)

// Placeholders expanded in language commands and env values.
const (
	PlaceholderRoot     = "{root}"
	PlaceholderWork     = "{work}"
	PlaceholderManifest = "{manifest}"
	PlaceholderEntry    = "{entry}"
	// PlaceholderPackages expands to one argument per manifest specifier.
	PlaceholderPackages = "{packages}"
)

// Language describes how to bootstrap a private toolchain and install a
// dependency manifest for one source language.
type Language struct {
	Name        string
	Interpreter []string
	Bootstrap   [][]string
	Install     []string
	PathDirs    []string
	Env         map[string]string
	EntryNames  []string
	Extensions  []string
	Manifests   []string
}

func DefaultLanguages() map[string]Language {
	return map[string]Language{
		"python": {
			Name:        "python",
			Interpreter: []string{"{root}/venv/bin/python", "-u", PlaceholderEntry},
			Bootstrap:   [][]string{{"python3", "-m", "venv", "{root}/venv"}},
			Install:     []string{"{root}/venv/bin/pip", "install", "--disable-pip-version-check", "--no-input", "-r", PlaceholderManifest},
			PathDirs:    []string{"{root}/venv/bin"},
			Env:         map[string]string{"VIRTUAL_ENV": "{root}/venv", "PYTHONDONTWRITEBYTECODE": "1"},
			EntryNames:  []string{"main.py", "app.py"},
			Extensions:  []string{".py"},
			Manifests:   []string{"requirements.txt"},
		},
		"node": {
			Name:        "node",
			Interpreter: []string{"node", PlaceholderEntry},
			Install:     []string{"npm", "install", "--no-save", "--no-audit", "--no-fund", "--prefix", "{root}/deps", PlaceholderPackages},
			Env:         map[string]string{"NODE_PATH": "{root}/deps/node_modules", "npm_config_cache": "{root}/npm-cache"},
			EntryNames:  []string{"main.js", "index.js"},
			Extensions:  []string{".js", ".mjs", ".cjs"},
			Manifests:   []string{"packages.txt"},
		},
		"shell": {
			Name:        "shell",
			Interpreter: []string{"sh", PlaceholderEntry},
			EntryNames:  []string{"main.sh"},
			Extensions:  []string{".sh"},
			Manifests:   []string{"packages.txt"},
		},
	}
}

// Merge overlays configured languages onto the defaults. Empty fields keep the default value.
func Merge(base map[string]Language, overrides map[string]Language) map[string]Language {
	merged := make(map[string]Language, len(base)+len(overrides))
	for name, lang := range base {
		merged[name] = lang
	}
	for name, override := range overrides {
		name = strings.ToLower(strings.TrimSpace(name))
		current := merged[name]
		current.Name = name
		if len(override.Interpreter) > 0 {
			current.Interpreter = override.Interpreter
		}
		if len(override.Bootstrap) > 0 {
			current.Bootstrap = override.Bootstrap
		}
		if len(override.Install) > 0 {
			current.Install = override.Install
		}
		if len(override.PathDirs) > 0 {
			current.PathDirs = override.PathDirs
		}
		if len(override.Env) > 0 {
			env := map[string]string{}
			for k, v := range current.Env {
				env[k] = v
			}
			for k, v := range override.Env {
				env[k] = v
			}
			current.Env = env
		}
		if len(override.EntryNames) > 0 {
			current.EntryNames = override.EntryNames
		}
		if len(override.Extensions) > 0 {
			current.Extensions = override.Extensions
		}
		if len(override.Manifests) > 0 {
			current.Manifests = override.Manifests
		}
		merged[name] = current
	}
	return merged
}

func LanguageNames(languages map[string]Language) []string {
	names := make([]string, 0, len(languages))
	for name := range languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type expansion struct {
	root     string
	work     string
	manifest string
	entry    string
	packages []string
}

func (x expansion) expandArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == PlaceholderPackages {
			out = append(out, x.packages...)
			continue
		}
		out = append(out, x.expand(arg))
	}
	return out
}

func (x expansion) expand(value string) string {
	return strings.NewReplacer(
		PlaceholderRoot, x.root,
		PlaceholderWork, x.work,
		PlaceholderManifest, x.manifest,
		PlaceholderEntry, x.entry,
	).Replace(value)
}
