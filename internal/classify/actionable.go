package classify

import "strings"

type errorClass struct {
	category    string
	remediation string
}

var errorTaxonomy = []struct {
	match func(string) bool
	class errorClass
}{
	{match: containsAny("attempts_exhausted", "attempts exhausted"), class: errorClass{category: "attempts_exhausted", remediation: "Read the final diagnosis, adjust the task description or raise max_attempts, then submit the run again."}},
	{match: containsAny("dependency_install_failed", "dependency install failed", "no matching distribution", "could not find a version"), class: errorClass{category: "dependency_install", remediation: "Check the package names in the dependency manifest and network access to the package index, then rerun."}},
	{match: containsAny("provision_failed", "provision failed", "unknown language", "venv"), class: errorClass{category: "provision", remediation: "Verify the language toolchain (interpreter, venv, npm) is installed and work_dir is writable, then rerun."}},
	{match: containsAny("no artifacts produced", "generation error", "generator", "schema"), class: errorClass{category: "generation", remediation: "Inspect the generator command output and make it return a non-empty artifact set matching the response schema."}},
	{match: containsAny("timed out", "deadline exceeded", "execution timeout"), class: errorClass{category: "execution_timeout", remediation: "Increase run_timeout if the program legitimately needs longer, otherwise fix the hang and rerun."}},
	{match: containsAny("run not found", "task not found"), class: errorClass{category: "not_found", remediation: "Check the task id; list known runs with `patchpilot status` or GET /runs."}},
	{match: containsAny("cancelled", "canceled", "superseded"), class: errorClass{category: "cancelled", remediation: "The run was cancelled or replaced by a newer submission; query status for the latest generation."}},
	{match: containsAny("redis", "nats", "connection refused", "dial tcp"), class: errorClass{category: "backing_service", remediation: "Verify redis/nats addresses in the config and that the services are reachable, or disable them."}},
	{match: containsAny("config", "yaml", "field", "invalid value"), class: errorClass{category: "config", remediation: "Fix the reported config field in .patchpilot/config.yaml or the matching flag, then rerun."}},
	{match: containsAny("git", "push", "commit", "remote", "not a git repository"), class: errorClass{category: "git/vcs", remediation: "Fix repository state (valid remote, branch, credentials) or disable publish, then rerun."}},
	{match: containsAny("permission denied", "read-only file system", "no space left"), class: errorClass{category: "filesystem", remediation: "Make work_dir and log_dir writable with free space, then rerun."}},
}

// FormatActionableError renders err as "Category / Cause / Next step" for operators.
func FormatActionableError(err error) string {
	if err == nil {
		return ""
	}
	cause := normalizeCause(trimGenericExitStatus(err.Error()))
	class := classifyError(cause)
	return "Category: " + class.category + "\nCause: " + cause + "\nNext step: " + class.remediation
}

func normalizeCause(cause string) string {
	parts := strings.Split(cause, "\n")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		line := strings.TrimSpace(part)
		if line == "" || isPureExitStatusLine(line) {
			continue
		}
		normalized = append(normalized, line)
	}
	if len(normalized) == 0 {
		return strings.TrimSpace(cause)
	}
	return strings.Join(normalized, " | ")
}

func isPureExitStatusLine(line string) bool {
	line = strings.TrimSpace(strings.ToLower(line))
	n, ok := strings.CutPrefix(line, "exit status ")
	if !ok {
		return false
	}
	return isDigits(strings.TrimSpace(n))
}

func trimGenericExitStatus(cause string) string {
	trimmed := strings.TrimSpace(cause)
	const suffix = ": exit status "

	idx := strings.LastIndex(strings.ToLower(trimmed), suffix)
	if idx <= 0 {
		return trimmed
	}
	if !isDigits(strings.TrimSpace(trimmed[idx+len(suffix):])) {
		return trimmed
	}
	return strings.TrimSpace(trimmed[:idx])
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func classifyError(cause string) errorClass {
	text := strings.ToLower(cause)
	for _, entry := range errorTaxonomy {
		if entry.match(text) {
			return entry.class
		}
	}
	return errorClass{
		category:    "unknown",
		remediation: "Check the command logs in log_dir and retry; escalate with the full error text if it persists.",
	}
}

func containsAny(parts ...string) func(string) bool {
	return func(text string) bool {
		for _, part := range parts {
			if strings.Contains(text, part) {
				return true
			}
		}
		return false
	}
}
