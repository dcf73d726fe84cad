package provision

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindProvisionFailed         ErrorKind = "provision_failed"
	KindDependencyInstallFailed ErrorKind = "dependency_install_failed"
)

var (
	ErrProvisionFailed         = errors.New("provision failed")
	ErrDependencyInstallFailed = errors.New("dependency install failed")
	ErrUnknownLanguage         = errors.New("unknown language")
)

// Error reports a failed provision. It matches ErrProvisionFailed or
// ErrDependencyInstallFailed through errors.Is depending on Kind.
type Error struct {
	Kind    ErrorKind
	TaskID  string
	Attempt int
	Output  string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.TaskID != "" {
		fmt.Fprintf(&b, " task=%s attempt=%d", e.TaskID, e.Attempt)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if output := strings.TrimSpace(e.Output); output != "" {
		b.WriteString(": ")
		b.WriteString(lastLines(output, 5))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrProvisionFailed:
		return e.Kind == KindProvisionFailed
	case ErrDependencyInstallFailed:
		return e.Kind == KindDependencyInstallFailed
	}
	return false
}

func lastLines(text string, n int) string {
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
