package upstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/parley/internal/concurrency"
	parleyErrors "github.com/harunnryd/parley/internal/errors"
	"github.com/harunnryd/parley/internal/upstream/contract"
)

// TurnOptions tune a generator-backed connection.
type TurnOptions struct {
	Model          string
	MaxTokens      int
	RequestTimeout time.Duration
}

// turnConn keeps the running transcript for a model that has no session of
// its own and replays it on every turn.
type turnConn struct {
	gen  contract.Generator
	cfg  Config
	opts TurnOptions

	ctx    context.Context
	cancel context.CancelFunc

	turns turnSlot

	mu      sync.Mutex
	history []*exchange
	done    chan struct{}
	once    sync.Once
}

// NewTurnConnection wraps gen as a Connection.
func NewTurnConnection(gen contract.Generator, cfg Config, opts TurnOptions) Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &turnConn{
		gen:    gen,
		cfg:    cfg,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (c *turnConn) Send(ctx context.Context, text string) error {
	select {
	case <-c.done:
		return parleyErrors.NewConnectionError("send", c.cfg.ModelName, parleyErrors.ErrDisconnected)
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ex := &exchange{user: text}
	c.mu.Lock()
	c.history = append(c.history, ex)
	req := contract.CompletionRequest{
		Model:     c.opts.Model,
		System:    systemPrompt(c.cfg.PermissionMode),
		Messages:  c.transcriptLocked(),
		MaxTokens: c.opts.MaxTokens,
	}
	c.mu.Unlock()

	t := newTurn(c.ctx)
	c.turns.replace(t)

	concurrency.SafeGo("upstream-turn", func() { c.run(req, ex, t) }, nil)
	return nil
}

// exchange is one user message and whatever the model answered to it. An
// abandoned turn keeps the text produced before it was cut off.
type exchange struct {
	user  string
	reply string
}

func (c *turnConn) transcriptLocked() []contract.Message {
	out := make([]contract.Message, 0, 2*len(c.history))
	for _, ex := range c.history {
		out = append(out, contract.Message{Role: "user", Content: ex.user})
		if ex.reply != "" {
			out = append(out, contract.Message{Role: "assistant", Content: ex.reply})
		}
	}
	return out
}

func (c *turnConn) setReply(ex *exchange, content string) {
	c.mu.Lock()
	ex.reply = content
	c.mu.Unlock()
}

func (c *turnConn) run(req contract.CompletionRequest, ex *exchange, out *turn) {
	defer out.finish()

	genCtx := out.ctx
	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(out.ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	var partial string
	agent := map[string]any{"name": c.gen.Name(), "model": c.cfg.ModelName}
	resp, err := c.gen.Generate(genCtx, req, func(full string) {
		partial = full
		out.emit(RawEvent{"type": "assistant", "content": full, "agentInfo": agent})
	})
	if err != nil {
		c.setReply(ex, partial)
		if out.ctx.Err() != nil {
			slog.Debug("Upstream turn abandoned", "provider", c.gen.Name(), "model", c.cfg.ModelName)
			return
		}
		slog.Warn("Upstream turn failed", "provider", c.gen.Name(), "model", c.cfg.ModelName, "error", err)
		out.emit(RawEvent{"type": "error", "error": map[string]any{"message": err.Error(), "code": "provider_error"}})
		return
	}
	c.setReply(ex, resp.Content)

	for _, tc := range resp.ToolCalls {
		if !out.emit(RawEvent{"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": tc.Input, "status": "pending"}) {
			return
		}
	}
	out.emit(RawEvent{"type": "done", "stop_reason": stopReason(resp.StopReason)})
}

func (c *turnConn) Events(ctx context.Context) EventStream {
	return c.turns.stream(c.done)
}

func (c *turnConn) Disconnect() error {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
	})
	return nil
}

func systemPrompt(mode string) string {
	switch mode {
	case "plan":
		return "You are in planning mode. Describe the steps you would take; do not claim to have changed anything."
	case "acceptEdits":
		return "File edits proposed in this conversation are pre-approved."
	case "bypassPermissions":
		return "All actions in this conversation are pre-approved."
	default:
		return ""
	}
}

func stopReason(reason string) string {
	switch reason {
	case "", "stop", "STOP":
		return "end_turn"
	case "length", "MAX_TOKENS":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return reason
	}
}
