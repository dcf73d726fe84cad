// Package classify turns an execution result into a PASS or NEEDS_REPAIR diagnosis.
package classify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/anomalyco/patchpilot/internal/contracts"
)

const maxSummaryLine = 300

// Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	signatures []Signature
}

// New builds a classifier from the built-in table minus disabled names, followed by extra signatures.
func New(extra []Signature, disabled []string) *Classifier {
	skip := map[string]bool{}
	for _, name := range disabled {
		skip[strings.TrimSpace(name)] = true
	}
	signatures := make([]Signature, 0, len(extra)+16)
	for _, sig := range Builtins() {
		if !skip[sig.Name] {
			signatures = append(signatures, sig)
		}
	}
	for _, sig := range extra {
		if !skip[sig.Name] {
			signatures = append(signatures, sig)
		}
	}
	return &Classifier{signatures: signatures}
}

func FromSpecs(specs []SignatureSpec, disabled []string) (*Classifier, error) {
	extra := make([]Signature, 0, len(specs))
	for _, spec := range specs {
		sig, err := NewSignature(spec)
		if err != nil {
			return nil, err
		}
		extra = append(extra, sig)
	}
	return New(extra, disabled), nil
}

func (c *Classifier) SignatureNames() []string {
	names := make([]string, 0, len(c.signatures))
	for _, sig := range c.signatures {
		names = append(names, sig.Name)
	}
	return names
}

// Classify is a pure function of the result.
func (c *Classifier) Classify(result contracts.ExecutionResult) contracts.Diagnosis {
	combined := result.Combined()
	lowered := strings.ToLower(combined)

	var matched []Signature
	var modules []string
	seenModules := map[string]bool{}
	for _, sig := range c.signatures {
		if !sig.matches(result, lowered) {
			continue
		}
		matched = append(matched, sig)
		for _, module := range sig.capture(combined) {
			if !seenModules[module] {
				seenModules[module] = true
				modules = append(modules, module)
			}
		}
	}

	if len(matched) == 0 && result.ExitCode == 0 && !result.TimedOut {
		return contracts.Diagnosis{
			Classification: contracts.ClassificationPass,
			Summary:        "exit code 0; no error signatures matched",
		}
	}
	if len(matched) == 0 {
		matched = append(matched, Signature{
			Name:        SignatureNonZeroExit,
			Remediation: "The program exited with a non-zero status; make it finish successfully.",
		})
	}

	names := make([]string, 0, len(matched))
	for _, sig := range matched {
		names = append(names, sig.Name)
	}
	return contracts.Diagnosis{
		Classification:    contracts.ClassificationNeedsRepair,
		MatchedSignatures: names,
		MissingModules:    modules,
		Summary:           summarize(result, matched, modules),
	}
}

func summarize(result contracts.ExecutionResult, matched []Signature, modules []string) string {
	var b strings.Builder
	if result.TimedOut {
		b.WriteString("exit: timeout\n")
	} else {
		b.WriteString("exit code: " + strconv.Itoa(result.ExitCode) + "\n")
	}
	names := make([]string, 0, len(matched))
	for _, sig := range matched {
		names = append(names, sig.Name)
	}
	b.WriteString("signatures: " + strings.Join(names, ", ") + "\n")
	if len(modules) > 0 {
		b.WriteString("missing modules: " + strings.Join(modules, ", ") + "\n")
	}
	if line := errorLine(result, matched); line != "" {
		b.WriteString("error: " + line + "\n")
	}
	for _, sig := range matched {
		if sig.Remediation != "" {
			fmt.Fprintf(&b, "fix (%s): %s\n", sig.Name, sig.Remediation)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// errorLine picks the last output line that carries a matched signature,
// falling back to the last stderr line and then the last stdout line.
func errorLine(result contracts.ExecutionResult, matched []Signature) string {
	for _, text := range []string{result.Stderr, result.Stdout} {
		lines := strings.Split(text, "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			line := strings.TrimSpace(lines[i])
			if line == "" {
				continue
			}
			for _, sig := range matched {
				if sig.matchesLine(line) {
					return clip(line)
				}
			}
		}
	}
	for _, text := range []string{result.Stderr, result.Stdout} {
		if line := lastLine(text); line != "" {
			return clip(line)
		}
	}
	return ""
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func clip(line string) string {
	if len(line) <= maxSummaryLine {
		return line
	}
	return line[:maxSummaryLine] + "..."
}
