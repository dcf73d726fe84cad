package sandbox

import (
	"bytes"
	"strings"
	"sync"

	"github.com/anomalyco/patchpilot/internal/contracts"
)

// captureWriter keeps the first limit bytes of a stream and keeps accepting
// writes after that so the child never blocks on a full pipe.
type captureWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool

	stream  contracts.OutputStream
	onLine  func(contracts.OutputStream, string)
	partial []byte
}

func newCaptureWriter(stream contracts.OutputStream, limit int, onLine func(contracts.OutputStream, string)) *captureWriter {
	return &captureWriter{stream: stream, limit: limit, onLine: onLine}
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	chunk := p
	if w.limit > 0 {
		remaining := w.limit - w.buf.Len()
		if remaining <= 0 {
			chunk = nil
			w.truncated = true
		} else if len(chunk) > remaining {
			chunk = chunk[:remaining]
			w.truncated = true
		}
	}
	w.buf.Write(chunk)

	if w.onLine != nil {
		w.partial = append(w.partial, p...)
		for {
			idx := bytes.IndexByte(w.partial, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimRight(string(w.partial[:idx]), "\r")
			w.partial = w.partial[idx+1:]
			w.onLine(w.stream, line)
		}
		// Lines longer than the capture limit are flushed in pieces.
		if w.limit > 0 && len(w.partial) > w.limit {
			w.onLine(w.stream, string(w.partial))
			w.partial = nil
		}
	}
	return len(p), nil
}

func (w *captureWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.onLine != nil && len(w.partial) > 0 {
		w.onLine(w.stream, strings.TrimRight(string(w.partial), "\r"))
		w.partial = nil
	}
}

func (w *captureWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *captureWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}
