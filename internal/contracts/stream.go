package contracts

import (
	"bufio"
	"encoding/json"
	"io"
	"time"
)

type EventStream struct {
	w io.Writer
}

func NewEventStream(writer io.Writer) *EventStream {
	return &EventStream{w: writer}
}

func (s *EventStream) Write(event Event) error {
	if s == nil || s.w == nil {
		return nil
	}
	line, err := MarshalEventJSONL(event)
	if err != nil {
		return err
	}
	_, err = io.WriteString(s.w, line)
	return err
}

type EventDecoder struct {
	scanner *bufio.Scanner
}

func NewEventDecoder(reader io.Reader) *EventDecoder {
	if reader == nil {
		return &EventDecoder{}
	}
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &EventDecoder{scanner: scanner}
}

func (d *EventDecoder) Next() (Event, error) {
	if d == nil || d.scanner == nil {
		return Event{}, io.EOF
	}
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return Event{}, err
		}
		return Event{}, io.EOF
	}
	return ParseEventJSONLLine(d.scanner.Bytes())
}

func ParseEventJSONLLine(line []byte) (Event, error) {
	var payload eventPayload
	if err := json.Unmarshal(line, &payload); err != nil {
		return Event{}, err
	}
	timestamp := time.Time{}
	if payload.TS != "" {
		parsed, err := time.Parse(time.RFC3339Nano, payload.TS)
		if err != nil {
			return Event{}, err
		}
		timestamp = parsed
	}
	return Event{
		Type:       payload.Type,
		TaskID:     payload.TaskID,
		Generation: payload.Generation,
		Attempt:    payload.Attempt,
		EnvID:      payload.EnvID,
		State:      payload.State,
		Message:    payload.Message,
		Metadata:   payload.Metadata,
		Timestamp:  timestamp,
	}, nil
}
