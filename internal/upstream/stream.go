package upstream

import (
	"context"
	"io"
	"sync"

	parleyErrors "github.com/harunnryd/parley/internal/errors"
)

const turnBuffer = 64

// turn is one Send's worth of events. Its context ends when the reader closes
// the stream, when a newer turn replaces it, or when the connection goes away;
// producers must stop as soon as it does.
type turn struct {
	ch     chan RawEvent
	ctx    context.Context
	cancel context.CancelFunc
}

func newTurn(parent context.Context) *turn {
	ctx, cancel := context.WithCancel(parent)
	return &turn{ch: make(chan RawEvent, turnBuffer), ctx: ctx, cancel: cancel}
}

// emit hands ev to the reader. It reports false once the turn is abandoned.
func (t *turn) emit(ev RawEvent) bool {
	if t.ctx.Err() != nil {
		return false
	}
	select {
	case t.ch <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// finish marks the end of production. The producer calls it exactly once.
func (t *turn) finish() {
	close(t.ch)
}

// turnSlot holds the latest turn of a connection. Starting a new turn
// abandons the previous one.
type turnSlot struct {
	mu      sync.Mutex
	current *turn
}

func (s *turnSlot) replace(t *turn) {
	s.mu.Lock()
	prev := s.current
	s.current = t
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
}

func (s *turnSlot) stream(done <-chan struct{}) EventStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newChanStream(s.current, done)
}

// chanStream reads one turn's events. done is closed when the owning
// connection disconnects. Closing the stream abandons the turn.
type chanStream struct {
	t    *turn
	done <-chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newChanStream(t *turn, done <-chan struct{}) *chanStream {
	return &chanStream{t: t, done: done, closed: make(chan struct{})}
}

func (s *chanStream) Next(ctx context.Context) (RawEvent, error) {
	select {
	case <-s.done:
		return nil, parleyErrors.ErrDisconnected
	case <-s.closed:
		return nil, io.EOF
	default:
	}

	if s.t == nil {
		return nil, io.EOF
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, parleyErrors.ErrDisconnected
	case <-s.closed:
		return nil, io.EOF
	case ev, ok := <-s.t.ch:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	}
}

func (s *chanStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.t != nil {
			s.t.cancel()
		}
	})
	return nil
}
