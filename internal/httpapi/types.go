package httpapi

import "github.com/anomalyco/patchpilot/internal/contracts"

// SubmitRunRequest starts a run. Task, when present, is stored first so
// callers can submit and run in one call.
type SubmitRunRequest struct {
	TaskID string       `json:"task_id" binding:"required,max=128,taskid"`
	Task   *TaskPayload `json:"task,omitempty"`
}

type TaskPayload struct {
	Title        string            `json:"title" binding:"required"`
	Description  string            `json:"description"`
	Language     string            `json:"language"`
	Requirements []string          `json:"requirements"`
	Metadata     map[string]string `json:"metadata"`
	Files        map[string]string `json:"files"`
}

type SubmitRunResponse struct {
	TaskID     string `json:"task_id"`
	Generation uint64 `json:"generation"`
	Accepted   bool   `json:"accepted"`
}

type ListRunsResponse struct {
	Runs []contracts.TaskRunStatus `json:"runs"`
}

type CancelRunResponse struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
