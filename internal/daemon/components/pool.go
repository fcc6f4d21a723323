package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/parley/internal/config"
	"github.com/harunnryd/parley/internal/daemon"
	"github.com/harunnryd/parley/internal/normalizer"
	"github.com/harunnryd/parley/internal/session"
	"github.com/harunnryd/parley/internal/store"
	"github.com/harunnryd/parley/internal/stream"
	"github.com/harunnryd/parley/internal/upstream"
)

const SessionPoolName = "SessionPool"

// SessionPoolComponent wires the model registry, the session pool and the
// stream coordinator on top of the store worker.
type SessionPoolComponent struct {
	cfg         *config.Config
	storeComp   *StoreWorkerComponent
	factory     *upstream.Factory
	pool        *session.Pool
	coordinator *stream.Coordinator
	initialized bool
	started     bool
	mu          sync.RWMutex
}

func NewSessionPoolComponent(cfg *config.Config, storeComp *StoreWorkerComponent) *SessionPoolComponent {
	return &SessionPoolComponent{cfg: cfg, storeComp: storeComp}
}

func (p *SessionPoolComponent) Name() string {
	return SessionPoolName
}

func (p *SessionPoolComponent) Dependencies() []string {
	return []string{StoreWorkerName}
}

func (p *SessionPoolComponent) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	worker := p.storeComp.GetWorker()
	if worker == nil {
		return fmt.Errorf("store worker not available")
	}

	factory, err := upstream.NewFactory(ctx, p.cfg.Models)
	if err != nil {
		return fmt.Errorf("init model registry: %w", err)
	}

	opts, err := poolOptions(p.cfg)
	if err != nil {
		return err
	}
	pool, err := session.NewPool(factory, &storeHistory{worker: worker}, opts)
	if err != nil {
		return fmt.Errorf("init session pool: %w", err)
	}

	persistTimeout, err := config.DurationOrDefault(p.cfg.Stream.PersistTimeout, config.DefaultStreamPersistTimeout)
	if err != nil {
		return fmt.Errorf("parse stream persist timeout: %w", err)
	}

	p.factory = factory
	p.pool = pool
	p.coordinator = stream.NewCoordinator(normalizer.New(), worker, stream.Options{PersistTimeout: persistTimeout})
	p.initialized = true
	slog.Info("SessionPool initialized", "component", p.Name(), "models", factory.Models(), "max_sessions", opts.MaxSessions)
	return nil
}

func poolOptions(cfg *config.Config) (session.Options, error) {
	sessionTimeout, err := config.DurationOrDefault(cfg.Pool.SessionTimeout, config.DefaultPoolSessionTimeout)
	if err != nil {
		return session.Options{}, fmt.Errorf("parse pool session timeout: %w", err)
	}
	connectTimeout, err := config.DurationOrDefault(cfg.Pool.ConnectTimeout, config.DefaultPoolConnectTimeout)
	if err != nil {
		return session.Options{}, fmt.Errorf("parse pool connect timeout: %w", err)
	}
	schedule := cfg.Pool.CleanupSchedule
	if schedule == "" {
		schedule = config.DefaultPoolCleanupSchedule
	}

	return session.Options{
		MaxSessions:        config.PositiveOrDefault(cfg.Pool.MaxSessions, config.DefaultPoolMaxSessions),
		SessionTimeout:     sessionTimeout,
		CleanupSchedule:    schedule,
		ConnectTimeout:     connectTimeout,
		MaxContextMessages: config.PositiveOrDefault(cfg.History.MaxContextMessages, config.DefaultHistoryMaxContextMessages),
		MaxMessageLength:   config.PositiveOrDefault(cfg.History.MaxMessageLength, config.DefaultHistoryMaxMessageLength),
	}, nil
}

func (p *SessionPoolComponent) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return fmt.Errorf("SessionPool not initialized")
	}

	p.pool.Start()
	p.started = true
	slog.Info("SessionPool started", "component", p.Name())
	return nil
}

// Stop disconnects every session, then lets pending transcript writes drain.
func (p *SessionPoolComponent) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		slog.Info("SessionPool not initialized, skipping stop", "component", p.Name())
		return nil
	}
	pool, coordinator := p.pool, p.coordinator
	p.started = false
	p.mu.Unlock()

	slog.Info("Stopping SessionPool...", "component", p.Name(), "sessions", pool.Len())
	var errs []error
	if err := pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pool shutdown: %w", err))
	}
	if err := coordinator.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pending persistence: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	slog.Info("SessionPool stopped", "component", p.Name())
	return nil
}

func (p *SessionPoolComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	health := &daemon.ComponentHealth{Name: p.Name()}
	switch {
	case !p.initialized:
		health.Error = errors.New("not initialized")
	case !p.started:
		health.Error = errors.New("not started")
	case p.pool.Closed():
		health.Error = errors.New("pool closed")
	default:
		health.Healthy = true
	}
	return health, nil
}

func (p *SessionPoolComponent) Pool() *session.Pool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pool
}

func (p *SessionPoolComponent) Coordinator() *stream.Coordinator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.coordinator
}

func (p *SessionPoolComponent) Models() *upstream.Factory {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.factory
}

// storeHistory feeds stored transcripts to new sessions as context turns.
type storeHistory struct {
	worker *store.Worker
}

func (h *storeHistory) LoadHistory(ctx context.Context, conversationID string, limit int) ([]session.Turn, error) {
	msgs, err := h.worker.LoadRecentMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	turns := make([]session.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		turns = append(turns, session.Turn{Role: string(m.Role), Content: m.Content})
	}
	return turns, nil
}
