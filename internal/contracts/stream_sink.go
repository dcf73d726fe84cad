package contracts

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"
)

// StreamEventSink writes events as NDJSON. Unless VerboseOutput is set,
// execution_output lines are throttled per task attempt and stream: at most
// one line per OutputInterval is written, and the lines in between collapse
// into the next flushed one with coalesced/dropped counters.
type StreamEventSink struct {
	stream         *EventStream
	mu             sync.Mutex
	verboseOutput  bool
	outputInterval time.Duration
	maxPending     int
	outputs        map[outputKey]*pendingOutput
	sequence       uint64
}

type outputKey struct {
	taskID     string
	generation uint64
	attempt    int
	stream     string
}

type pendingOutput struct {
	lastWrite time.Time
	event     *Event
	queued    uint64
	count     int
	dropped   int
}

func NewStreamEventSink(writer io.Writer) *StreamEventSink {
	return NewStreamEventSinkWithOptions(writer, StreamEventSinkOptions{})
}

type StreamEventSinkOptions struct {
	VerboseOutput  bool
	OutputInterval time.Duration
	MaxPending     int
}

func NewStreamEventSinkWithOptions(writer io.Writer, options StreamEventSinkOptions) *StreamEventSink {
	interval := options.OutputInterval
	if interval <= 0 {
		interval = 150 * time.Millisecond
	}
	maxPending := options.MaxPending
	if maxPending <= 0 {
		maxPending = 64
	}
	return &StreamEventSink{
		stream:         NewEventStream(writer),
		verboseOutput:  options.VerboseOutput,
		outputInterval: interval,
		maxPending:     maxPending,
		outputs:        map[outputKey]*pendingOutput{},
	}
}

func (s *StreamEventSink) Emit(_ context.Context, event Event) error {
	if s == nil || s.stream == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Type != EventTypeExecutionOutput {
		// Pending lines of this task go out before its next lifecycle event.
		if err := s.flushLocked(func(key outputKey) bool {
			return event.TaskID == "" || key.taskID == event.TaskID
		}); err != nil {
			return err
		}
		if event.Type == EventTypeExecutionFinished || event.Type.finishesRun() {
			s.forgetLocked(event)
		}
		return s.stream.Write(event)
	}
	if s.verboseOutput {
		return s.stream.Write(event)
	}

	key := outputKey{taskID: event.TaskID, generation: event.Generation, attempt: event.Attempt, stream: event.Metadata["stream"]}
	state, ok := s.outputs[key]
	if !ok {
		state = &pendingOutput{}
		s.outputs[key] = state
	}
	if state.lastWrite.IsZero() || event.Timestamp.Sub(state.lastWrite) >= s.outputInterval {
		if err := s.writePendingLocked(state); err != nil {
			return err
		}
		state.lastWrite = event.Timestamp
		return s.stream.Write(event)
	}

	eventCopy := event
	state.event = &eventCopy
	if state.count == 0 {
		s.sequence++
		state.queued = s.sequence
	}
	if state.count < s.maxPending {
		state.count++
	} else {
		state.dropped++
	}
	return nil
}

// Flush writes every pending output line.
func (s *StreamEventSink) Flush() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(func(outputKey) bool { return true })
}

func (s *StreamEventSink) flushLocked(match func(outputKey) bool) error {
	states := make([]*pendingOutput, 0, len(s.outputs))
	for key, state := range s.outputs {
		if state.event != nil && match(key) {
			states = append(states, state)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].queued < states[j].queued })
	var err error
	for _, state := range states {
		err = errors.Join(err, s.writePendingLocked(state))
	}
	return err
}

func (s *StreamEventSink) writePendingLocked(state *pendingOutput) error {
	if state.event == nil {
		return nil
	}
	event := *state.event
	metadata := make(map[string]string, len(event.Metadata)+2)
	for k, v := range event.Metadata {
		metadata[k] = v
	}
	if coalesced := state.count - 1; coalesced > 0 {
		metadata["coalesced_outputs"] = strconv.Itoa(coalesced)
	}
	if state.dropped > 0 {
		metadata["dropped_outputs"] = strconv.Itoa(state.dropped)
	}
	event.Metadata = metadata
	state.event = nil
	state.count = 0
	state.dropped = 0
	state.lastWrite = event.Timestamp
	return s.stream.Write(event)
}

// forgetLocked drops throttle state for an attempt, or a whole run, that
// will not produce more output.
func (s *StreamEventSink) forgetLocked(event Event) {
	for key := range s.outputs {
		if key.taskID != event.TaskID || key.generation != event.Generation {
			continue
		}
		if event.Type == EventTypeExecutionFinished && key.attempt != event.Attempt {
			continue
		}
		delete(s.outputs, key)
	}
}

type FanoutEventSink struct {
	sinks []EventSink
}

func NewFanoutEventSink(sinks ...EventSink) *FanoutEventSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return &FanoutEventSink{sinks: filtered}
}

func (f *FanoutEventSink) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var err error
	for _, sink := range f.sinks {
		err = errors.Join(err, sink.Emit(ctx, event))
	}
	return err
}
