package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/parley/internal/concurrency"
	parleyErrors "github.com/harunnryd/parley/internal/errors"
	"github.com/harunnryd/parley/internal/upstream"
	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
)

const (
	DefaultMaxSessions        = 1000
	DefaultSessionTimeout     = 30 * time.Minute
	DefaultCleanupSchedule    = "@every 5m"
	DefaultConnectTimeout     = 30 * time.Second
	DefaultMaxContextMessages = 20
	DefaultMaxMessageLength   = 1000
)

// HistoryLoader returns the most recent turns of a conversation, oldest first.
type HistoryLoader interface {
	LoadHistory(ctx context.Context, conversationID string, limit int) ([]Turn, error)
}

type Options struct {
	MaxSessions        int
	SessionTimeout     time.Duration
	CleanupSchedule    string
	ConnectTimeout     time.Duration
	MaxContextMessages int
	MaxMessageLength   int
	Now                func() time.Time
}

func (o *Options) applyDefaults() {
	if o.MaxSessions <= 0 {
		o.MaxSessions = DefaultMaxSessions
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	if o.CleanupSchedule == "" {
		o.CleanupSchedule = DefaultCleanupSchedule
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.MaxContextMessages <= 0 {
		o.MaxContextMessages = DefaultMaxContextMessages
	}
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = DefaultMaxMessageLength
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Sessions  int `json:"sessions"`
	Streaming int `json:"streaming"`
	Capacity  int `json:"capacity"`
}

// Pool is the bounded set of live sessions. All methods are safe for
// concurrent use; after Shutdown every call fails with ErrPoolClosed.
type Pool struct {
	connector upstream.Connector
	history   HistoryLoader
	opts      Options
	schedule  cron.Schedule

	mu       sync.Mutex
	sessions map[Key]*Session
	closed   bool

	keyLocks *concurrency.KeyedMutex

	startOnce sync.Once
	sweeping  bool
	stopOnce  sync.Once
	stop      chan struct{}
	sweepDone chan struct{}
}

// NewPool builds a pool. history may be nil.
func NewPool(connector upstream.Connector, history HistoryLoader, opts Options) (*Pool, error) {
	opts.applyDefaults()

	schedule, err := cron.ParseStandard(opts.CleanupSchedule)
	if err != nil {
		return nil, parleyErrors.InvalidInput(fmt.Sprintf("invalid cleanup schedule %q: %v", opts.CleanupSchedule, err))
	}

	return &Pool{
		connector: connector,
		history:   history,
		opts:      opts,
		schedule:  schedule,
		sessions:  make(map[Key]*Session),
		keyLocks:  concurrency.NewKeyedMutex(),
		stop:      make(chan struct{}),
		sweepDone: make(chan struct{}),
	}, nil
}

// Start launches the periodic idle sweep.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.sweeping = true
		concurrency.SafeGo("session-sweep", p.sweepLoop, nil)
	})
}

func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)

	for {
		now := p.opts.Now()
		wait := p.schedule.Next(now).Sub(now)
		timer := time.NewTimer(wait)

		select {
		case <-p.stop:
			timer.Stop()
			return
		case <-timer.C:
			if n := p.Sweep(); n > 0 {
				slog.Info("Idle sessions swept", "count", n, "remaining", p.Len())
			}
		}
	}
}

// GetOrCreate returns the session for (userID, conversationID), reusing it
// when cfg matches and replacing it when cfg differs.
func (p *Pool) GetOrCreate(ctx context.Context, userID, conversationID string, cfg Config) (*Session, error) {
	s, _, err := p.acquire(ctx, Key{UserID: userID, ConversationID: conversationID}, cfg, false)
	return s, err
}

// GetOrCreateStreaming is GetOrCreate for a caller that is about to stream
// over the session. The session is marked streaming before any other pool
// call can see it, so capacity eviction treats it as busy from the start.
// release ends the mark.
func (p *Pool) GetOrCreateStreaming(ctx context.Context, userID, conversationID string, cfg Config) (s *Session, release func(), err error) {
	return p.acquire(ctx, Key{UserID: userID, ConversationID: conversationID}, cfg, true)
}

func (p *Pool) acquire(ctx context.Context, key Key, cfg Config, streaming bool) (*Session, func(), error) {
	release := func() {}

	p.keyLocks.Lock(key.String())
	defer p.keyLocks.Unlock(key.String())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, release, parleyErrors.ErrPoolClosed
	}
	existing := p.sessions[key]
	if existing != nil && existing.Config() == cfg {
		if streaming {
			release = existing.BeginStream()
		}
		p.mu.Unlock()
		existing.touch()
		return existing, release, nil
	}
	if existing != nil {
		delete(p.sessions, key)
	}
	p.mu.Unlock()

	if existing != nil {
		slog.Info("Session config changed, recreating",
			"conversation_id", key.ConversationID,
			"old_model", existing.ModelName, "new_model", cfg.ModelName,
			"old_mode", existing.PermissionMode, "new_mode", cfg.PermissionMode)
		existing.close("config_changed")
	}

	s, err := p.create(ctx, key, cfg)
	if err != nil {
		return nil, release, err
	}
	if streaming {
		release = s.BeginStream()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.close("pool_closed")
		return nil, func() {}, parleyErrors.ErrPoolClosed
	}
	var victims []*Session
	for len(p.sessions) >= p.opts.MaxSessions {
		victim := p.evictionCandidateLocked()
		if victim == nil {
			break
		}
		delete(p.sessions, victim.Key())
		victims = append(victims, victim)
	}
	p.sessions[key] = s
	p.mu.Unlock()

	for _, v := range victims {
		slog.Info("Session evicted at capacity", "session_id", v.ID, "conversation_id", v.ConversationID, "streaming", v.Streaming())
		v.close("capacity")
	}

	slog.Debug("Session created", "session_id", s.ID, "conversation_id", key.ConversationID, "model", cfg.ModelName, "mode", cfg.PermissionMode)
	return s, release, nil
}

func (p *Pool) create(ctx context.Context, key Key, cfg Config) (*Session, error) {
	id := ulid.Make().String()
	now := p.opts.Now()

	prefix := ""
	if p.history != nil {
		turns, err := p.history.LoadHistory(ctx, key.ConversationID, p.opts.MaxContextMessages)
		if err != nil {
			slog.Warn("Failed to load conversation history", "conversation_id", key.ConversationID, "error", err)
		} else {
			if len(turns) > p.opts.MaxContextMessages {
				turns = turns[len(turns)-p.opts.MaxContextMessages:]
			}
			prefix = RenderHistoryPrefix(turns, p.opts.MaxMessageLength)
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()

	conn, err := p.connector.Connect(connectCtx, upstream.Config{
		ModelName:      cfg.ModelName,
		PermissionMode: string(cfg.PermissionMode),
		SessionID:      id,
	})
	if err != nil {
		var connErr *parleyErrors.ConnectionError
		if errors.As(err, &connErr) {
			return nil, err
		}
		return nil, parleyErrors.NewConnectionError("connect", cfg.ModelName, err)
	}
	if conn == nil {
		return nil, parleyErrors.NewConnectionError("connect", cfg.ModelName, errors.New("connector returned no connection"))
	}

	return &Session{
		ID:                   id,
		UserID:               key.UserID,
		ConversationID:       key.ConversationID,
		ModelName:            cfg.ModelName,
		PermissionMode:       cfg.PermissionMode,
		CreatedAt:            now,
		conn:                 conn,
		now:                  p.opts.Now,
		lastActivity:         now,
		pendingHistoryPrefix: prefix,
		turnSlot:             make(chan struct{}, 1),
	}, nil
}

// evictionCandidateLocked picks the least recently active session, preferring
// sessions with no stream in flight. Caller holds p.mu.
func (p *Pool) evictionCandidateLocked() *Session {
	var idle, oldest *Session
	var idleAt, oldestAt time.Time

	for _, s := range p.sessions {
		s.mu.Lock()
		at, streaming := s.lastActivity, s.activeStreams > 0
		s.mu.Unlock()

		if oldest == nil || at.Before(oldestAt) {
			oldest, oldestAt = s, at
		}
		if !streaming && (idle == nil || at.Before(idleAt)) {
			idle, idleAt = s, at
		}
	}
	if idle != nil {
		return idle
	}
	return oldest
}

// Get returns the live session for key without touching it.
func (p *Pool) Get(key Key) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[key]
	return s, ok
}

// Destroy removes and disconnects the session for key. It reports whether a
// session existed; calling it again is a no-op.
func (p *Pool) Destroy(key Key) bool {
	p.mu.Lock()
	s, ok := p.sessions[key]
	if ok {
		delete(p.sessions, key)
	}
	p.mu.Unlock()

	if ok {
		s.close("destroyed")
	}
	return ok
}

// Logout destroys every session owned by userID.
func (p *Pool) Logout(userID string) int {
	p.mu.Lock()
	var victims []*Session
	for key, s := range p.sessions {
		if key.UserID == userID {
			delete(p.sessions, key)
			victims = append(victims, s)
		}
	}
	p.mu.Unlock()

	for _, s := range victims {
		s.close("logout")
	}
	return len(victims)
}

// Sweep destroys sessions idle for longer than the session timeout. Sessions
// with a stream in flight are kept.
func (p *Pool) Sweep() int {
	now := p.opts.Now()

	p.mu.Lock()
	var victims []*Session
	for key, s := range p.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActivity) > p.opts.SessionTimeout && s.activeStreams == 0
		s.mu.Unlock()
		if idle {
			delete(p.sessions, key)
			victims = append(victims, s)
		}
	}
	p.mu.Unlock()

	for _, s := range victims {
		s.close("idle")
	}
	return len(victims)
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{Sessions: len(p.sessions), Capacity: p.opts.MaxSessions}
	for _, s := range p.sessions {
		if s.Streaming() {
			st.Streaming++
		}
	}
	return st
}

// Closed reports whether Shutdown has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Shutdown stops the sweep and disconnects every session.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	victims := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		victims = append(victims, s)
	}
	p.sessions = make(map[Key]*Session)
	p.mu.Unlock()

	p.startOnce.Do(func() {})
	p.stopOnce.Do(func() { close(p.stop) })

	for _, s := range victims {
		s.close("shutdown")
	}
	slog.Info("Session pool shut down", "sessions", len(victims))

	if p.sweeping {
		select {
		case <-p.sweepDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
