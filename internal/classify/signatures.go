package classify

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/anomalyco/patchpilot/internal/contracts"
)

// RegexPrefix marks a configured pattern as a regular expression instead of a substring.
const RegexPrefix = "re:"

const (
	SignatureTimeout           = "execution_timeout"
	SignatureMissingDependency = "missing_dependency"
	SignatureDivisionByZero    = "division_by_zero"
	SignatureNonZeroExit       = "nonzero_exit"
)

// Signature is a named failure pattern. Patterns are matched case-insensitively
// against combined stdout and stderr.
type Signature struct {
	Name        string
	Remediation string

	substrings []string
	regexps    []*regexp.Regexp
	captures   []*regexp.Regexp
	onTimeout  bool
}

// SignatureSpec is the declarative form used by configuration.
type SignatureSpec struct {
	Name        string
	Patterns    []string
	Capture     []string
	Remediation string
}

func NewSignature(spec SignatureSpec) (Signature, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return Signature{}, errors.New("signature name is required")
	}
	if len(spec.Patterns) == 0 {
		return Signature{}, fmt.Errorf("signature %q: at least one pattern is required", name)
	}
	sig := Signature{Name: name, Remediation: strings.TrimSpace(spec.Remediation)}
	for _, pattern := range spec.Patterns {
		if expr, ok := strings.CutPrefix(pattern, RegexPrefix); ok {
			re, err := regexp.Compile("(?i)" + expr)
			if err != nil {
				return Signature{}, fmt.Errorf("signature %q: pattern %q: %w", name, pattern, err)
			}
			sig.regexps = append(sig.regexps, re)
			continue
		}
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			return Signature{}, fmt.Errorf("signature %q: empty pattern", name)
		}
		sig.substrings = append(sig.substrings, pattern)
	}
	for _, capture := range spec.Capture {
		re, err := regexp.Compile(capture)
		if err != nil {
			return Signature{}, fmt.Errorf("signature %q: capture %q: %w", name, capture, err)
		}
		if re.NumSubexp() < 1 {
			return Signature{}, fmt.Errorf("signature %q: capture %q needs a group", name, capture)
		}
		sig.captures = append(sig.captures, re)
	}
	return sig, nil
}

func mustSignature(spec SignatureSpec) Signature {
	sig, err := NewSignature(spec)
	if err != nil {
		panic(err)
	}
	return sig
}

func (s Signature) matches(result contracts.ExecutionResult, lowered string) bool {
	if s.onTimeout {
		return result.TimedOut
	}
	for _, part := range s.substrings {
		if strings.Contains(lowered, part) {
			return true
		}
	}
	for _, re := range s.regexps {
		if re.MatchString(lowered) {
			return true
		}
	}
	return false
}

// matchesLine reports whether a single output line carries this signature.
func (s Signature) matchesLine(line string) bool {
	if s.onTimeout {
		return false
	}
	lowered := strings.ToLower(line)
	for _, part := range s.substrings {
		if strings.Contains(lowered, part) {
			return true
		}
	}
	for _, re := range s.regexps {
		if re.MatchString(lowered) {
			return true
		}
	}
	return false
}

func (s Signature) capture(text string) []string {
	var out []string
	for _, re := range s.captures {
		for _, match := range re.FindAllStringSubmatch(text, -1) {
			if len(match) > 1 && strings.TrimSpace(match[1]) != "" {
				out = append(out, strings.TrimSpace(match[1]))
			}
		}
	}
	return out
}

// Builtins returns the default signature table in match order.
func Builtins() []Signature {
	timeout := Signature{
		Name:        SignatureTimeout,
		Remediation: "The program exceeded its time limit. Remove infinite loops, blocking input() calls, sleeps and servers that never exit; finish on your own.",
		onTimeout:   true,
	}
	return []Signature{
		timeout,
		mustSignature(SignatureSpec{
			Name:     SignatureMissingDependency,
			Patterns: []string{"modulenotfounderror", "no module named", "cannot find module", "module not found", "importerror: cannot import name"},
			Capture: []string{
				`No module named '([A-Za-z0-9_\-]+)`,
				`No module named ([A-Za-z0-9_\-]+)`,
				`Cannot find module '([^'./][^']*)'`,
				`Module not found: Error: Can't resolve '([^']+)'`,
			},
			Remediation: "Declare the missing package in the dependency manifest or use only the standard library.",
		}),
		mustSignature(SignatureSpec{
			Name:        SignatureDivisionByZero,
			Patterns:    []string{"division by zero", "divide by zero", "zerodivisionerror", "divided by 0"},
			Remediation: "Guard divisions against a zero divisor.",
		}),
		mustSignature(SignatureSpec{
			Name:        "syntax_error",
			Patterns:    []string{"syntaxerror", "indentationerror", "taberror", "syntax error", "unexpected token"},
			Remediation: "Fix the syntax error at the reported line; return complete, parseable source.",
		}),
		mustSignature(SignatureSpec{
			Name:        "name_error",
			Patterns:    []string{"nameerror", "referenceerror", "is not defined"},
			Remediation: "Define or import every referenced name before use.",
		}),
		mustSignature(SignatureSpec{
			Name:        "type_error",
			Patterns:    []string{"typeerror"},
			Remediation: "Check argument types and call signatures at the reported line.",
		}),
		mustSignature(SignatureSpec{
			Name:        "attribute_error",
			Patterns:    []string{"attributeerror"},
			Remediation: "Use attributes and methods the object actually provides.",
		}),
		mustSignature(SignatureSpec{
			Name:        "lookup_error",
			Patterns:    []string{"indexerror", "keyerror", "index out of range", "rangeerror"},
			Remediation: "Bounds-check indexes and verify keys exist before lookup.",
		}),
		mustSignature(SignatureSpec{
			Name:        "file_not_found",
			Patterns:    []string{"filenotfounderror", "no such file or directory", "enoent"},
			Remediation: "Create files before reading them or ship them as artifacts; use paths relative to the working directory.",
		}),
		mustSignature(SignatureSpec{
			Name:        "interactive_input",
			Patterns:    []string{"eoferror: eof when reading a line", "inappropriate ioctl for device"},
			Remediation: "The program runs without a terminal; replace interactive input with fixed sample data.",
		}),
		mustSignature(SignatureSpec{
			Name:        "display_unavailable",
			Patterns:    []string{"no display name", "couldn't connect to display", "_tkinter.tclerror", "cannot open display"},
			Remediation: "No display is available; save figures to files instead of opening windows.",
		}),
		mustSignature(SignatureSpec{
			Name:        "traceback",
			Patterns:    []string{"traceback (most recent call last)", "panic:", "uncaught"},
			Remediation: "Fix the exception reported at the bottom of the traceback.",
		}),
		mustSignature(SignatureSpec{
			Name:        "error_indicator",
			Patterns:    []string{`re:\b(error|exception|failed|invalid)\b`},
			Remediation: "The output reports an error; make the program complete without printing failures.",
		}),
	}
}
