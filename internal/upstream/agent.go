package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/parley/internal/concurrency"
	parleyErrors "github.com/harunnryd/parley/internal/errors"
)

// AgentOptions configure a remote agent backend reached over HTTP.
type AgentOptions struct {
	Endpoint       string
	Token          string
	RequestTimeout time.Duration
}

// agentConn talks to an agent backend that keeps its own session state and
// answers each message with a server-sent event stream of raw events.
type agentConn struct {
	cfg    Config
	opts   AgentOptions
	client *http.Client

	ctx    context.Context
	cancel context.CancelFunc

	turns turnSlot
	done  chan struct{}
	once  sync.Once
}

func NewAgentConnection(cfg Config, opts AgentOptions) (Connection, error) {
	u, err := url.Parse(opts.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, parleyErrors.NewConnectionError("connect", cfg.ModelName, fmt.Errorf("invalid agent endpoint %q", opts.Endpoint))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &agentConn{
		cfg:    cfg,
		opts:   opts,
		client: newStreamingHTTPClient(opts.RequestTimeout),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

func newStreamingHTTPClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	if headerTimeout > 0 {
		transport.ResponseHeaderTimeout = headerTimeout
	}
	// No Client.Timeout: it would cap the whole stream, not just the handshake.
	return &http.Client{Transport: transport}
}

func (c *agentConn) Send(ctx context.Context, text string) error {
	select {
	case <-c.done:
		return parleyErrors.NewConnectionError("send", c.cfg.ModelName, parleyErrors.ErrDisconnected)
	default:
	}

	body, err := json.Marshal(map[string]string{
		"message":        text,
		"model":          c.cfg.ModelName,
		"permissionMode": c.cfg.PermissionMode,
		"sessionId":      c.cfg.SessionID,
	})
	if err != nil {
		return err
	}

	// The response body is read for the whole turn, so the request lives on the
	// turn's context rather than the caller's.
	t := newTurn(c.ctx)
	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		t.cancel()
		return parleyErrors.NewConnectionError("send", c.cfg.ModelName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", "parley (go)")
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	type result struct {
		resp *http.Response
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := c.client.Do(req)
		resCh <- result{resp, err}
	}()

	var res result
	select {
	case res = <-resCh:
	case <-ctx.Done():
		t.cancel()
		go func() {
			if r := <-resCh; r.resp != nil {
				r.resp.Body.Close()
			}
		}()
		return ctx.Err()
	}
	if res.err != nil {
		t.cancel()
		return parleyErrors.NewConnectionError("send", c.cfg.ModelName, res.err)
	}
	if res.resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.resp.Body, 4096))
		res.resp.Body.Close()
		t.cancel()
		return parleyErrors.NewConnectionError("send", c.cfg.ModelName,
			fmt.Errorf("agent returned %s: %s", res.resp.Status, strings.TrimSpace(string(msg))))
	}

	c.turns.replace(t)

	respBody := res.resp.Body
	concurrency.SafeGo("agent-sse", func() {
		defer respBody.Close()
		defer t.finish()
		c.consume(respBody, t)
	}, nil)
	return nil
}

// consume relays every SSE data payload as a raw event. Multi-line data
// fields are joined as the SSE format prescribes.
func (c *agentConn) consume(r io.Reader, out *turn) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)

	var eventName string
	dataLines := make([]string, 0, 1)

	flush := func() bool {
		if len(dataLines) == 0 {
			eventName = ""
			return true
		}
		data := strings.TrimSpace(strings.Join(dataLines, "\n"))
		dataLines = dataLines[:0]
		name := eventName
		eventName = ""

		if data == "" || data == "[DONE]" {
			return true
		}
		var raw RawEvent
		if err := json.Unmarshal([]byte(data), &raw); err != nil {
			slog.Debug("Skipping malformed agent event", "error", err)
			return true
		}
		if raw.Type() == "" && name != "" {
			raw["type"] = name
		}
		return out.emit(raw)
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if !flush() {
				return
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimPrefix(line, "data:")
			payload = strings.TrimPrefix(payload, " ")
			dataLines = append(dataLines, payload)
		}
	}

	if err := scanner.Err(); err != nil {
		if out.ctx.Err() != nil {
			return
		}
		slog.Warn("Agent stream read failed", "model", c.cfg.ModelName, "error", err)
		out.emit(RawEvent{"type": "error", "message": "agent stream interrupted", "code": "stream_read"})
		return
	}
	flush()
}

func (c *agentConn) Events(ctx context.Context) EventStream {
	return c.turns.stream(c.done)
}

func (c *agentConn) Disconnect() error {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		c.client.CloseIdleConnections()
	})
	return nil
}
