package main

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/anomalyco/patchpilot/internal/config"
	"github.com/anomalyco/patchpilot/internal/contracts"
	"github.com/anomalyco/patchpilot/internal/eventbus"
)

type sinkOptions struct {
	stream               io.Writer
	verboseStream        bool
	streamOutputInterval time.Duration
	streamOutputBuffer   int
	eventsPath           string
}

// eventSinks fans events out to the NDJSON stream, the JSONL file and NATS.
type eventSinks struct {
	sink    contracts.EventSink
	closers []func()
}

func (s *eventSinks) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func resolveEventsPath(cfg config.Config, flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Join(cfg.LogDir, "events.jsonl")
}

func buildEventSinks(cfg config.Config, options sinkOptions) (*eventSinks, error) {
	result := &eventSinks{}
	sinks := []contracts.EventSink{}
	if options.stream != nil {
		streamSink := contracts.NewStreamEventSinkWithOptions(options.stream, contracts.StreamEventSinkOptions{
			VerboseOutput:  options.verboseStream,
			OutputInterval: options.streamOutputInterval,
			MaxPending:     options.streamOutputBuffer,
		})
		result.closers = append(result.closers, func() { _ = streamSink.Flush() })
		sinks = append(sinks, streamSink)
	}
	if options.eventsPath != "" {
		fileSink := contracts.NewFileEventSink(options.eventsPath)
		if options.stream != nil {
			// Keep the file append off the streaming path.
			mirror := newMirrorEventSink(fileSink, options.streamOutputBuffer)
			result.closers = append(result.closers, mirror.Close)
			sinks = append(sinks, mirror)
		} else {
			sinks = append(sinks, fileSink)
		}
	}
	if cfg.NATS.URL != "" {
		publisher, err := eventbus.Connect(cfg.NATS.URL, eventbus.Options{Subject: cfg.NATS.Subject})
		if err != nil {
			result.Close()
			return nil, err
		}
		result.closers = append(result.closers, func() { _ = publisher.Close() })
		sinks = append(sinks, publisher)
	}
	switch len(sinks) {
	case 0:
	case 1:
		result.sink = sinks[0]
	default:
		result.sink = contracts.NewFanoutEventSink(sinks...)
	}
	return result, nil
}

// mirrorEventSink forwards events to base from a single goroutine and drops
// them when the buffer is full.
type mirrorEventSink struct {
	base contracts.EventSink
	ch   chan contracts.Event
	wg   sync.WaitGroup
	one  sync.Once
}

func newMirrorEventSink(base contracts.EventSink, buffer int) *mirrorEventSink {
	if buffer <= 0 {
		buffer = 64
	}
	s := &mirrorEventSink{base: base, ch: make(chan contracts.Event, buffer)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for event := range s.ch {
			_ = s.base.Emit(context.Background(), event)
		}
	}()
	return s
}

func (s *mirrorEventSink) Emit(_ context.Context, event contracts.Event) error {
	if s == nil || s.base == nil {
		return nil
	}
	select {
	case s.ch <- event:
	default:
	}
	return nil
}

func (s *mirrorEventSink) Close() {
	if s == nil {
		return
	}
	s.one.Do(func() {
		close(s.ch)
		s.wg.Wait()
	})
}
