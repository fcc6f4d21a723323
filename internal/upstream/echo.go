package upstream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/parley/internal/concurrency"
	parleyErrors "github.com/harunnryd/parley/internal/errors"
)

// echoConn is a local agent that repeats the user's message back, word by
// word, using the same loose vocabulary a real agent backend emits. A message
// starting with "/fail" yields an error event.
type echoConn struct {
	cfg   Config
	delay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	turns  turnSlot
	done   chan struct{}
	once   sync.Once
}

func NewEchoConnection(cfg Config, delay time.Duration) Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &echoConn{cfg: cfg, delay: delay, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (c *echoConn) Send(ctx context.Context, text string) error {
	select {
	case <-c.done:
		return parleyErrors.NewConnectionError("send", c.cfg.ModelName, parleyErrors.ErrDisconnected)
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t := newTurn(c.ctx)
	c.turns.replace(t)

	concurrency.SafeGo("echo-turn", func() { c.run(text, t) }, nil)
	return nil
}

func (c *echoConn) run(text string, out *turn) {
	defer out.finish()

	// The history prefix, if any, is not part of what gets echoed.
	if _, msg, ok := strings.Cut(text, "\n\nCurrent message:\n"); ok {
		text = msg
	}

	if strings.HasPrefix(text, "/fail") {
		out.emit(RawEvent{"type": "error", "message": strings.TrimSpace(strings.TrimPrefix(text, "/fail")), "code": "echo_failure"})
		return
	}

	steps := []RawEvent{
		{"type": "todo", "todos": []any{
			map[string]any{"content": "Read the message", "status": "completed"},
			map[string]any{"content": "Echo it back", "activeForm": "Echoing it back", "status": "in_progress"},
		}},
		{"type": "tool_call", "tool_name": "echo", "title": "Echo message", "input": map[string]any{"text": text}, "status": "running"},
	}
	for _, ev := range steps {
		if !c.step(out, ev) {
			return
		}
	}

	var full strings.Builder
	for i, word := range strings.Fields(text) {
		if i > 0 {
			full.WriteByte(' ')
		}
		full.WriteString(word)
		ev := RawEvent{"type": "text_delta", "chunk": map[string]any{"text": full.String()}, "agent": "echo", "model": c.cfg.ModelName}
		if !c.step(out, ev) {
			return
		}
	}

	tail := []RawEvent{
		{"type": "tool_result", "tool_name": "echo", "output": text},
		{"type": "plan_update", "entries": []any{
			map[string]any{"content": "Read the message", "status": "completed"},
			map[string]any{"content": "Echo it back", "activeForm": "Echoing it back", "status": "completed"},
		}},
		{"type": "turn_complete", "stopReason": "end_turn"},
	}
	for _, ev := range tail {
		if !c.step(out, ev) {
			return
		}
	}
}

func (c *echoConn) step(out *turn, ev RawEvent) bool {
	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-out.ctx.Done():
			return false
		}
	}
	return out.emit(ev)
}

func (c *echoConn) Events(ctx context.Context) EventStream {
	return c.turns.stream(c.done)
}

func (c *echoConn) Disconnect() error {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
	})
	return nil
}
