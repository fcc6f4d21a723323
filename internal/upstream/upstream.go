// Package upstream defines the agent-backend connection contract and the
// provider-backed factory that opens connections.
package upstream

import "context"

// RawEvent is one loosely typed event as produced by an agent backend.
type RawEvent map[string]any

// Type returns the raw "type" tag, or "" when missing.
func (r RawEvent) Type() string {
	s, _ := r["type"].(string)
	return s
}

// Config selects the model and permission behaviour of a connection.
type Config struct {
	ModelName      string
	PermissionMode string
	SessionID      string
	// WorkDir is passed through to backends that operate on a workspace.
	WorkDir string
}

// Connection is one live agent session.
type Connection interface {
	// Send submits a user message and starts a turn; the agent's reply is read
	// from Events. Starting a turn abandons the previous one.
	Send(ctx context.Context, text string) error
	// Events opens the pull stream for the latest turn. Closing the stream
	// abandons the turn and releases what the backend holds for it.
	Events(ctx context.Context) EventStream
	Disconnect() error
}

// EventStream is a pull-based sequence of raw events. Next returns io.EOF on
// exhaustion and an error wrapping errors.ErrDisconnected once the owning
// connection has been disconnected.
type EventStream interface {
	Next(ctx context.Context) (RawEvent, error)
	Close() error
}

// Connector opens connections.
type Connector interface {
	Connect(ctx context.Context, cfg Config) (Connection, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, cfg Config) (Connection, error)

func (f ConnectorFunc) Connect(ctx context.Context, cfg Config) (Connection, error) {
	return f(ctx, cfg)
}
