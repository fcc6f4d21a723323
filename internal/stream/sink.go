package stream

import (
	"net/http"
	"sync"

	parleyErrors "github.com/harunnryd/parley/internal/errors"
	"github.com/harunnryd/parley/internal/event"
)

// Sink is the outbound side of a stream. Write after Close must return an
// error wrapping ErrTransportClosed; Close must be idempotent.
type Sink interface {
	Write(frame []byte) error
	Close() error
}

// Frame encodes ev as one "data: <json>\n\n" frame.
func Frame(ev event.Event) ([]byte, error) {
	payload, err := event.Marshal(ev)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out, nil
}

// SSESink writes frames to an HTTP response, flushing after each one.
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
}

// NewSSESink sets the event-stream headers on w. It does not write the status
// line; the first frame does.
func NewSSESink(w http.ResponseWriter) *SSESink {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	return &SSESink{w: w, flusher: flusher}
}

func (s *SSESink) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return parleyErrors.ErrTransportClosed
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *SSESink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *SSESink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
