package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/parley/internal/config"
	"github.com/harunnryd/parley/internal/daemon"
	"github.com/harunnryd/parley/internal/store"
)

const StoreWorkerName = "StoreWorker"

// StoreWorkerComponent owns the workspace transcript store.
type StoreWorkerComponent struct {
	workspaceID       string
	workspaceRootPath string
	storeCfg          *config.StoreConfig
	worker            *store.Worker
	initialized       bool
	started           bool
	mu                sync.RWMutex
}

func NewStoreWorkerComponent(workspaceID string, workspaceRootPath string, storeCfg *config.StoreConfig) *StoreWorkerComponent {
	return &StoreWorkerComponent{
		workspaceID:       workspaceID,
		workspaceRootPath: workspaceRootPath,
		storeCfg:          storeCfg,
	}
}

func (s *StoreWorkerComponent) Name() string {
	return StoreWorkerName
}

func (s *StoreWorkerComponent) Dependencies() []string {
	return []string{}
}

func (s *StoreWorkerComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("StoreWorker init cancelled: %w", err)
	}

	runtimeCfg, err := storeRuntimeConfig(s.storeCfg)
	if err != nil {
		return err
	}

	worker, err := store.NewWorker(s.workspaceID, s.workspaceRootPath, runtimeCfg)
	if err != nil {
		return fmt.Errorf("failed to init store worker for workspace %s: %w", s.workspaceID, err)
	}

	s.worker = worker
	s.initialized = true
	slog.Info("StoreWorker initialized", "component", s.Name(), "workspace", s.workspaceID, "path", worker.BasePath())
	return nil
}

func storeRuntimeConfig(cfg *config.StoreConfig) (store.RuntimeConfig, error) {
	if cfg == nil {
		cfg = &config.StoreConfig{}
	}

	lockTimeout, err := config.DurationOrDefault(cfg.LockTimeout, config.DefaultStoreLockTimeout)
	if err != nil {
		return store.RuntimeConfig{}, fmt.Errorf("parse store lock timeout: %w", err)
	}
	lockRetry, err := config.DurationOrDefault(cfg.LockRetry, config.DefaultStoreLockRetry)
	if err != nil {
		return store.RuntimeConfig{}, fmt.Errorf("parse store lock retry: %w", err)
	}

	rotate := cfg.TranscriptRotateMaxBytes
	if rotate <= 0 {
		rotate = config.DefaultStoreTranscriptRotateMaxBytes
	}

	return store.RuntimeConfig{
		LockTimeout:              lockTimeout,
		LockRetry:                lockRetry,
		LockMaxRetry:             config.PositiveOrDefault(cfg.LockMaxRetry, config.DefaultStoreLockMaxRetry),
		InboxSize:                config.PositiveOrDefault(cfg.InboxSize, config.DefaultStoreInboxSize),
		TranscriptRotateMaxBytes: rotate,
	}, nil
}

func (s *StoreWorkerComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("StoreWorker not initialized")
	}

	s.worker.Start()
	s.started = true
	slog.Info("StoreWorker started", "component", s.Name())
	return nil
}

// Stop stops the worker loop and releases the workspace lock. A worker that
// was initialized but never started still gives up its lock.
func (s *StoreWorkerComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.worker == nil {
		slog.Info("StoreWorker not initialized, skipping stop", "component", s.Name())
		return nil
	}

	slog.Info("Stopping StoreWorker...", "component", s.Name())
	s.worker.Stop()
	s.started = false
	slog.Info("StoreWorker stopped", "component", s.Name())
	return nil
}

func (s *StoreWorkerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	health := &daemon.ComponentHealth{Name: s.Name()}
	switch {
	case !s.initialized:
		health.Error = errors.New("not initialized")
	case !s.started:
		health.Error = errors.New("not started")
	case !s.worker.IsLockHeld():
		health.Error = errors.New("lock not held")
	case !s.worker.IsRunning():
		health.Error = errors.New("loop not running")
	default:
		health.Healthy = true
	}
	return health, nil
}

func (s *StoreWorkerComponent) GetWorker() *store.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.worker
}
