// Package eventbus publishes pipeline events to NATS, one JSON message per
// event on <subject>.<taskID>.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anomalyco/patchpilot/internal/contracts"
	"github.com/nats-io/nats.go"
)

const DefaultSubject = "patchpilot.events"

type Options struct {
	Subject string
	// FlushTimeout bounds Flush on terminal events. Defaults to 2s.
	FlushTimeout time.Duration
}

type Publisher struct {
	conn         *nats.Conn
	subject      string
	flushTimeout time.Duration
	owned        bool
}

var _ contracts.EventSink = (*Publisher)(nil)

// Connect dials url and returns a publisher that owns the connection.
func Connect(url string, options Options) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("patchpilot"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	publisher := New(conn, options)
	publisher.owned = true
	return publisher, nil
}

func New(conn *nats.Conn, options Options) *Publisher {
	subject := strings.TrimSuffix(options.Subject, ".")
	if subject == "" {
		subject = DefaultSubject
	}
	flushTimeout := options.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = 2 * time.Second
	}
	return &Publisher{conn: conn, subject: subject, flushTimeout: flushTimeout}
}

// Subject returns the subject an event for taskID is published on.
func (p *Publisher) Subject(taskID string) string {
	return p.subject + "." + subjectToken(taskID)
}

func (p *Publisher) Emit(_ context.Context, event contracts.Event) error {
	if p == nil || p.conn == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := contracts.MarshalEvent(event)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.Subject(event.TaskID), data); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	if terminal(event.Type) {
		return p.conn.FlushTimeout(p.flushTimeout)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	if !p.owned {
		return nil
	}
	err := p.conn.FlushTimeout(p.flushTimeout)
	p.conn.Close()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

func terminal(eventType contracts.EventType) bool {
	switch eventType {
	case contracts.EventTypeRunFinished, contracts.EventTypeRunCancelled, contracts.EventTypeRunSuperseded:
		return true
	default:
		return false
	}
}

// subjectToken replaces characters NATS treats as subject syntax.
func subjectToken(value string) string {
	if value == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		default:
			return r
		}
	}, value)
}
