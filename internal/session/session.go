// Package session owns the live upstream connections, one per user and
// conversation, and the pool that bounds them.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	parleyErrors "github.com/harunnryd/parley/internal/errors"
	"github.com/harunnryd/parley/internal/upstream"
)

type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionAcceptEdits       PermissionMode = "acceptEdits"
	PermissionPlan              PermissionMode = "plan"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
)

// PermissionModes lists the accepted modes.
var PermissionModes = []PermissionMode{PermissionDefault, PermissionAcceptEdits, PermissionPlan, PermissionBypassPermissions}

func ValidPermissionMode(mode string) bool {
	for _, m := range PermissionModes {
		if string(m) == mode {
			return true
		}
	}
	return false
}

// Key identifies a session.
type Key struct {
	UserID         string
	ConversationID string
}

func (k Key) String() string {
	return k.UserID + "\x00" + k.ConversationID
}

// Config is the part of a session that forces recreation when it changes.
type Config struct {
	ModelName      string
	PermissionMode PermissionMode
}

// Session binds one upstream connection to a user and conversation.
type Session struct {
	ID             string
	UserID         string
	ConversationID string
	ModelName      string
	PermissionMode PermissionMode
	CreatedAt      time.Time

	conn upstream.Connection
	now  func() time.Time

	// turnSlot is held from Send until the turn's stream is closed.
	turnSlot chan struct{}

	mu                    sync.Mutex
	lastActivity          time.Time
	messageCount          int
	pendingHistoryPrefix  string
	historyPrefixConsumed bool
	activeStreams         int

	closeOnce sync.Once
}

func (s *Session) Key() Key {
	return Key{UserID: s.UserID, ConversationID: s.ConversationID}
}

func (s *Session) Config() Config {
	return Config{ModelName: s.ModelName, PermissionMode: s.PermissionMode}
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

func (s *Session) HistoryPrefixConsumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyPrefixConsumed
}

// Streaming reports whether a stream is currently coordinated over s.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeStreams > 0
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// Send forwards text to the agent and returns the stream of the turn it
// starts. Turns on one session run one at a time: Send waits until the stream
// of the previous turn is closed, or ctx ends. The pending history prefix is
// prepended to the first message that reaches the agent successfully and never
// again.
func (s *Session) Send(ctx context.Context, text string) (upstream.EventStream, error) {
	select {
	case s.turnSlot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	outbound := text
	usePrefix := !s.historyPrefixConsumed && s.pendingHistoryPrefix != ""
	if usePrefix {
		outbound = s.pendingHistoryPrefix + text
	}
	s.lastActivity = s.now()
	s.mu.Unlock()

	if err := s.conn.Send(ctx, outbound); err != nil {
		<-s.turnSlot
		var connErr *parleyErrors.ConnectionError
		if errors.As(err, &connErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, parleyErrors.NewConnectionError("send", s.ModelName, err)
	}
	events := s.conn.Events(ctx)

	s.mu.Lock()
	s.messageCount++
	s.historyPrefixConsumed = true
	s.pendingHistoryPrefix = ""
	s.lastActivity = s.now()
	s.mu.Unlock()

	return &turnStream{EventStream: events, release: func() { <-s.turnSlot }}, nil
}

// turnStream gives the session's turn slot back when the stream is closed.
type turnStream struct {
	upstream.EventStream
	once    sync.Once
	release func()
}

func (t *turnStream) Close() error {
	err := t.EventStream.Close()
	t.once.Do(t.release)
	return err
}

// BeginStream marks s as streaming until the returned release is called.
// Streaming sessions are skipped by the idle sweep and are the last choice for
// capacity eviction.
func (s *Session) BeginStream() (release func()) {
	s.mu.Lock()
	s.activeStreams++
	s.lastActivity = s.now()
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.activeStreams--
			s.lastActivity = s.now()
			s.mu.Unlock()
		})
	}
}

// close disconnects the connection once. Failures are logged, never returned.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		if err := s.conn.Disconnect(); err != nil {
			slog.Warn("Failed to disconnect session", "session_id", s.ID, "conversation_id", s.ConversationID, "reason", reason, "error", err)
			return
		}
		slog.Debug("Session disconnected", "session_id", s.ID, "conversation_id", s.ConversationID, "reason", reason)
	})
}

// Turn is one prior exchange rendered into the history prefix.
type Turn struct {
	Role    string
	Content string
}

// RenderHistoryPrefix formats prior turns as the context block prepended to
// the first message of a fresh connection. Each turn is cut to maxLen runes.
func RenderHistoryPrefix(turns []Turn, maxLen int) string {
	if len(turns) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, t := range turns {
		role := "User"
		if t.Role == "assistant" {
			role = "Assistant"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(truncateRunes(t.Content, maxLen))
		b.WriteByte('\n')
	}
	b.WriteString("\nCurrent message:\n")
	return b.String()
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
