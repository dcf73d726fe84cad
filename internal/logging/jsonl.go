package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const RunSummaryFile = "runs.jsonl"

type RunSummaryEntry struct {
	Timestamp   string `json:"timestamp"`
	TaskID      string `json:"task_id"`
	Generation  uint64 `json:"generation"`
	State       string `json:"state"`
	Attempts    int    `json:"attempts"`
	WasRepaired bool   `json:"was_repaired"`
	FailureKind string `json:"failure_kind,omitempty"`
	ArtifactDir string `json:"artifact_dir,omitempty"`
	CommitSHA   string `json:"commit_sha,omitempty"`
}

// AppendRunSummary appends one terminal run line to <logDir>/runs.jsonl.
func AppendRunSummary(logDir string, entry RunSummaryEntry) error {
	if logDir == "" {
		return nil
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format("2006-01-02T15:04:05Z")
	}
	logPath := filepath.Join(logDir, RunSummaryFile)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(append(payload, '\n'))
	return err
}
