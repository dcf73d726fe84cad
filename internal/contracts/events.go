package contracts

import (
	"context"
	"encoding/json"
	"time"
)

type EventType string

const (
	EventTypeRunStarted         EventType = "run_started"
	EventTypeRunFinished        EventType = "run_finished"
	EventTypeRunCancelled       EventType = "run_cancelled"
	EventTypeRunSuperseded      EventType = "run_superseded"
	EventTypeGenerationStarted  EventType = "generation_started"
	EventTypeGenerationFinished EventType = "generation_finished"
	EventTypeRepairRequested    EventType = "repair_requested"
	EventTypeRepairUnchanged    EventType = "repair_unchanged"
	EventTypeAttemptStarted     EventType = "attempt_started"
	EventTypeProvisionStarted   EventType = "provision_started"
	EventTypeProvisionFinished  EventType = "provision_finished"
	EventTypeExecutionStarted   EventType = "execution_started"
	EventTypeExecutionOutput    EventType = "execution_output"
	EventTypeExecutionFinished  EventType = "execution_finished"
	EventTypeDiagnosis          EventType = "diagnosis"
	EventTypeEnvironmentRemoved EventType = "environment_removed"
	EventTypePublishFinished    EventType = "publish_finished"
	EventTypeWarning            EventType = "warning"
)

// finishesRun reports whether no further events follow for the generation.
func (t EventType) finishesRun() bool {
	switch t {
	case EventTypeRunFinished, EventTypeRunCancelled, EventTypeRunSuperseded:
		return true
	default:
		return false
	}
}

type Event struct {
	Type       EventType
	TaskID     string
	Generation uint64
	Attempt    int
	EnvID      string
	State      RunState
	Message    string
	Metadata   map[string]string
	Timestamp  time.Time
}

type EventSink interface {
	Emit(ctx context.Context, event Event) error
}

type eventPayload struct {
	Type       EventType         `json:"type"`
	TaskID     string            `json:"task_id"`
	Generation uint64            `json:"generation,omitempty"`
	Attempt    int               `json:"attempt,omitempty"`
	EnvID      string            `json:"env_id,omitempty"`
	State      RunState          `json:"state,omitempty"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	TS         string            `json:"ts"`
}

func MarshalEventJSONL(event Event) (string, error) {
	data, err := MarshalEvent(event)
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}

// MarshalEvent encodes a single event without the trailing newline.
func MarshalEvent(event Event) ([]byte, error) {
	return json.Marshal(eventPayload{
		Type:       event.Type,
		TaskID:     event.TaskID,
		Generation: event.Generation,
		Attempt:    event.Attempt,
		EnvID:      event.EnvID,
		State:      event.State,
		Message:    event.Message,
		Metadata:   event.Metadata,
		TS:         event.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}
