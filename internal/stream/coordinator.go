// Package stream turns an upstream event sequence into the framed outbound
// stream a client consumes.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/parley/internal/concurrency"
	"github.com/harunnryd/parley/internal/conversation"
	parleyErrors "github.com/harunnryd/parley/internal/errors"
	"github.com/harunnryd/parley/internal/event"
	"github.com/harunnryd/parley/internal/logger"
	"github.com/harunnryd/parley/internal/normalizer"
	"github.com/harunnryd/parley/internal/upstream"
)

const (
	DefaultPersistTimeout = 10 * time.Second

	CodeSessionDisconnected = "session_disconnected"
	CodeStreamEnded         = "stream_ended"
	CodeStreamFailed        = "stream_failed"
	CodeInternal            = "internal_error"
)

// Persister stores a completed assistant message.
type Persister interface {
	SaveMessage(ctx context.Context, conversationID string, msg conversation.Message) error
}

// Turn is one streamed assistant reply.
type Turn struct {
	ConversationID string
	Events         upstream.EventStream
	// After, when set, is closed once earlier writes for the conversation
	// are done. The assistant message is saved only after it closes.
	After <-chan struct{}
}

type Options struct {
	PersistTimeout time.Duration
}

type Coordinator struct {
	normalizer *normalizer.Normalizer
	persister  Persister
	opts       Options

	pending sync.WaitGroup
}

// NewCoordinator builds a coordinator. persister may be nil.
func NewCoordinator(n *normalizer.Normalizer, persister Persister, opts Options) *Coordinator {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	return &Coordinator{normalizer: n, persister: persister, opts: opts}
}

// Run pulls turn.Events until a terminal event, writing each canonical event
// to sink as soon as it is produced. The sink is closed exactly once when Run
// returns and the event stream is always released. Cancelling ctx stops the
// pull; it never touches the session the events come from.
func (c *Coordinator) Run(ctx context.Context, turn Turn, sink Sink) (acc *Accumulator, err error) {
	log := logger.FromContext(ctx)
	acc = &Accumulator{}

	defer func() {
		if r := recover(); r != nil {
			log.Error("Stream coordinator panic", "panic", r)
			c.write(log, sink, event.Error{Message: "Internal error while streaming", Code: CodeInternal})
			err = parleyErrors.Internal(fmt.Sprintf("stream panic: %v", r))
		}
		if cerr := turn.Events.Close(); cerr != nil {
			log.Debug("Failed to close event stream", "error", cerr)
		}
		if cerr := sink.Close(); cerr != nil {
			log.Debug("Failed to close sink", "error", cerr)
		}
	}()

	for {
		raw, nextErr := turn.Events.Next(ctx)
		if nextErr != nil {
			return acc, c.fail(ctx, log, sink, nextErr)
		}

		ev, ok := c.normalizer.Normalize(raw)
		if !ok {
			continue
		}
		acc.Apply(ev)

		// Scheduled before the finish frame goes out so a client that has
		// seen the finish can Wait on it.
		if _, finished := ev.(event.Finish); finished {
			c.persist(ctx, turn, acc)
		}

		if werr := c.write(log, sink, ev); werr != nil {
			return acc, werr
		}
		if event.IsTerminal(ev) {
			return acc, nil
		}
	}
}

// fail maps a pull error to a terminal frame where one is still useful.
func (c *Coordinator) fail(ctx context.Context, log *slog.Logger, sink Sink, err error) error {
	if ctx.Err() != nil {
		log.Debug("Stream cancelled by client")
		return ctx.Err()
	}

	switch {
	case errors.Is(err, io.EOF):
		log.Warn("Agent stream ended without a terminal event")
		c.write(log, sink, event.Error{Message: "Agent stream ended unexpectedly", Code: CodeStreamEnded})
		return parleyErrors.Transient("agent stream ended without terminal event")
	case errors.Is(err, parleyErrors.ErrDisconnected):
		log.Info("Session disconnected mid-stream")
		c.write(log, sink, event.Error{Message: "Session was closed before the reply finished", Code: CodeSessionDisconnected})
		return err
	default:
		log.Error("Agent stream failed", "error", err)
		c.write(log, sink, event.Error{Message: "Agent stream failed", Code: CodeStreamFailed})
		return err
	}
}

func (c *Coordinator) write(log *slog.Logger, sink Sink, ev event.Event) error {
	frame, err := Frame(ev)
	if err != nil {
		log.Error("Failed to encode event", "type", ev.Type(), "error", err)
		return err
	}
	if err := sink.Write(frame); err != nil {
		if errors.Is(err, parleyErrors.ErrTransportClosed) {
			log.Debug("Dropped frame after close", "type", ev.Type())
			return err
		}
		log.Debug("Failed to write frame", "type", ev.Type(), "error", err)
		return err
	}
	return nil
}

// persist saves the turn off the delivery path with a context detached from
// the request.
func (c *Coordinator) persist(ctx context.Context, turn Turn, acc *Accumulator) {
	if c.persister == nil || turn.ConversationID == "" || acc.Empty() {
		return
	}
	c.save(ctx, "persist-assistant", turn.ConversationID, acc.Message(), turn.After)
}

// PersistAsync saves msg in the background and returns a channel closed when
// the attempt has finished, successfully or not.
func (c *Coordinator) PersistAsync(ctx context.Context, conversationID string, msg conversation.Message) <-chan struct{} {
	if c.persister == nil || conversationID == "" {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.save(ctx, "persist-user", conversationID, msg, nil)
}

func (c *Coordinator) save(ctx context.Context, name, conversationID string, msg conversation.Message, after <-chan struct{}) <-chan struct{} {
	base := context.WithoutCancel(ctx)
	done := make(chan struct{})
	c.pending.Add(1)
	concurrency.SafeGo(name, func() {
		defer c.pending.Done()
		defer close(done)

		pctx, cancel := context.WithTimeout(base, c.opts.PersistTimeout)
		defer cancel()
		log := logger.FromContext(pctx)

		if after != nil {
			select {
			case <-after:
			case <-pctx.Done():
				log.Warn("Gave up waiting for earlier message to persist", "role", msg.Role)
				return
			}
		}
		if err := c.persister.SaveMessage(pctx, conversationID, msg); err != nil {
			log.Warn("Failed to persist message", "role", msg.Role, "error", err)
		}
	}, nil)
	return done
}

// Wait blocks until in-flight persistence finishes or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
