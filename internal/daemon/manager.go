package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harunnryd/parley/internal/config"
	"github.com/harunnryd/parley/internal/store"
)

// Daemon runs registered components in dependency order and stops them in
// reverse on SIGINT or SIGTERM.
type Daemon struct {
	cfg             *config.Config
	workspaceID     string
	components      []Component
	startOrder      []string
	health          HealthStatus
	uptimeStart     time.Time
	mu              sync.RWMutex
	healthCheckDone chan struct{}
	forceCleanup    bool
}

func NewDaemon(workspaceID string, cfg *config.Config) (*Daemon, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace ID cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	return &Daemon{
		workspaceID:     workspaceID,
		cfg:             cfg,
		components:      make([]Component, 0),
		health:          StatusStarting,
		uptimeStart:     time.Now(),
		healthCheckDone: make(chan struct{}),
	}, nil
}

func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components = append(d.components, comp)
	slog.Info("Component registered", "component", comp.Name(), "total_components", len(d.components))
}

func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("Parley daemon starting...", "workspace", d.workspaceID)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.validateConfig(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	d.preInitChecks(d.forceCleanup)

	if err := d.initializeComponents(ctx); err != nil {
		d.rollback(context.Background())
		return fmt.Errorf("component initialization failed: %w", err)
	}

	if err := d.startComponents(ctx); err != nil {
		startupShutdownTimeout, timeoutErr := config.DurationOrDefault(d.cfg.Daemon.StartupShutdownTimeout, config.DefaultDaemonStartupShutdownTimeout)
		if timeoutErr != nil {
			return fmt.Errorf("parse daemon startup shutdown timeout: %w", timeoutErr)
		}
		d.gracefulShutdown(context.Background(), startupShutdownTimeout)
		return fmt.Errorf("component startup failed: %w", err)
	}

	d.setHealth(StatusRunning)
	slog.Info("Parley daemon is running", "workspace", d.workspaceID, "components", len(d.components))

	go d.startHealthMonitor(ctx)

	<-ctx.Done()

	slog.Info("Context cancelled, initiating graceful shutdown", "workspace", d.workspaceID, "reason", ctx.Err())
	d.setHealth(StatusStopping)
	close(d.healthCheckDone)
	shutdownTimeout, err := config.DurationOrDefault(d.cfg.Daemon.ShutdownTimeout, config.DefaultDaemonShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse daemon shutdown timeout: %w", err)
	}
	if err := d.gracefulShutdown(context.Background(), shutdownTimeout); err != nil {
		return err
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

func (d *Daemon) Uptime() time.Duration {
	return time.Since(d.uptimeStart)
}

func (d *Daemon) SetForceCleanup(force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceCleanup = force
}

func (d *Daemon) ComponentHealth() map[string]*ComponentHealth {
	d.mu.RLock()
	components := make([]Component, len(d.components))
	copy(components, d.components)
	d.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(components))
	for _, comp := range components {
		health, err := comp.Health(context.Background())
		if health == nil {
			health = &ComponentHealth{Name: comp.Name()}
		}
		if err != nil {
			health.Healthy = false
			health.Error = err
		}
		result[comp.Name()] = health
	}
	return result
}

func (d *Daemon) setHealth(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = status
}

func (d *Daemon) validateConfig() error {
	slog.Info("Validating configuration...")

	if d.cfg.Server.Port < 1 || d.cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", d.cfg.Server.Port)
	}
	if _, ok := d.cfg.Models.Lookup(d.cfg.Models.Default); !ok {
		return fmt.Errorf("default model %q is not in the model registry", d.cfg.Models.Default)
	}

	workspacePath, err := store.GetWorkspacePath(d.workspaceID, d.cfg.Daemon.WorkspacePath)
	if err != nil {
		return fmt.Errorf("resolve workspace path: %w", err)
	}
	if err := os.MkdirAll(workspacePath, 0755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	slog.Info("Configuration validated", "workspace", d.workspaceID, "port", d.cfg.Server.Port)
	return nil
}

func (d *Daemon) preInitChecks(forceCleanup bool) {
	workspacePath, err := store.GetWorkspacePath(d.workspaceID, d.cfg.Daemon.WorkspacePath)
	if err != nil {
		slog.Warn("Failed to resolve workspace path", "workspace", d.workspaceID, "error", err)
		return
	}
	staleLockTTL, err := config.DurationOrDefault(d.cfg.Daemon.StaleLockTTL, config.DefaultDaemonStaleLockTTL)
	if err != nil {
		slog.Warn("Invalid stale lock ttl, skipping lock check", "error", err)
		return
	}
	if err := store.CleanupStaleLocks(workspacePath, staleLockTTL, forceCleanup); err != nil {
		slog.Warn("Failed to cleanup stale locks", "workspace", d.workspaceID, "error", err)
	}
}

func (d *Daemon) initializeComponents(ctx context.Context) error {
	slog.Info("Initializing components...", "workspace", d.workspaceID)

	if err := d.validateDependencies(); err != nil {
		return fmt.Errorf("dependency validation failed: %w", err)
	}

	order, err := d.resolveInitOrder()
	if err != nil {
		return fmt.Errorf("failed to resolve init order: %w", err)
	}

	for _, name := range order {
		comp := d.getComponentByName(name)
		if err := comp.Init(ctx); err != nil {
			slog.Error("Component initialization failed", "component", name, "error", err)
			return fmt.Errorf("component %s init failed: %w", name, err)
		}
		d.mu.Lock()
		d.startOrder = append(d.startOrder, name)
		d.mu.Unlock()
		slog.Info("Component initialized", "component", name)
	}

	slog.Info("All components initialized", "count", len(d.components))
	return nil
}

func (d *Daemon) startComponents(ctx context.Context) error {
	for _, name := range d.initialized() {
		comp := d.getComponentByName(name)
		if err := comp.Start(ctx); err != nil {
			slog.Error("Component startup failed", "component", name, "error", err)
			return fmt.Errorf("component %s startup failed: %w", name, err)
		}
		slog.Info("Component started", "component", name)
	}
	return nil
}

// initialized returns the names of initialized components in init order.
func (d *Daemon) initialized() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.startOrder...)
}

func (d *Daemon) gracefulShutdown(ctx context.Context, timeout time.Duration) error {
	slog.Info("Graceful shutdown initiated", "workspace", d.workspaceID, "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.shutdownComponents(shutdownCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			slog.Error("Shutdown completed with error", "workspace", d.workspaceID, "error", err)
		} else {
			slog.Info("Graceful shutdown completed", "workspace", d.workspaceID)
		}
		return err
	case <-shutdownCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		}
		slog.Error("Shutdown timeout exceeded", "workspace", d.workspaceID, "timeout", timeout)
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}

// shutdownComponents stops initialized components in reverse init order.
// Stop errors are logged and do not prevent later components from stopping.
func (d *Daemon) shutdownComponents(ctx context.Context) error {
	order := d.initialized()
	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if err := d.getComponentByName(name).Stop(ctx); err != nil {
			slog.Error("Component stop failed", "component", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		slog.Info("Component stopped", "component", name)
	}

	d.setHealth(StatusStopped)
	return errors.Join(errs...)
}

func (d *Daemon) rollback(ctx context.Context) {
	slog.Warn("Rolling back initialized components...", "workspace", d.workspaceID)
	if err := d.shutdownComponents(ctx); err != nil {
		slog.Error("Rollback incomplete", "error", err)
	}
}

func (d *Daemon) getComponentByName(name string) Component {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, comp := range d.components {
		if comp.Name() == name {
			return comp
		}
	}
	return nil
}

// Component returns the registered component called name, or nil.
func (d *Daemon) Component(name string) Component {
	return d.getComponentByName(name)
}

func (d *Daemon) startHealthMonitor(ctx context.Context) {
	interval, err := config.DurationOrDefault(d.cfg.Daemon.HealthCheckInterval, config.DefaultDaemonHealthCheckInterval)
	if err != nil {
		slog.Error("Failed to parse daemon health check interval", "error", err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.healthCheckDone:
			return
		case <-ticker.C:
			d.checkComponentHealth()
		}
	}
}

func (d *Daemon) checkComponentHealth() {
	healths := d.ComponentHealth()
	unhealthy := 0
	for name, health := range healths {
		if !health.Healthy {
			unhealthy++
			slog.Warn("Component unhealthy", "component", name, "error", health.Error)
		}
	}

	if unhealthy > 0 {
		slog.Warn("Daemon has unhealthy components", "count", unhealthy, "total", len(healths))
	} else {
		slog.Debug("All components healthy", "count", len(healths))
	}
}

func (d *Daemon) validateDependencies() error {
	names := make(map[string]bool)
	for _, comp := range d.components {
		names[comp.Name()] = true
	}

	for _, comp := range d.components {
		for _, dep := range comp.Dependencies() {
			if !names[dep] {
				return fmt.Errorf("component %s depends on %s which is not registered", comp.Name(), dep)
			}
		}
	}
	return nil
}

func (d *Daemon) resolveInitOrder() ([]string, error) {
	visited := make(map[string]bool)
	inProgress := make(map[string]bool)
	order := []string{}

	var visit func(name string) error
	visit = func(name string) error {
		if inProgress[name] {
			return fmt.Errorf("circular dependency detected involving %s", name)
		}
		if visited[name] {
			return nil
		}

		comp := d.getComponentByName(name)
		if comp == nil {
			return fmt.Errorf("component %s not found", name)
		}

		inProgress[name] = true
		for _, dep := range comp.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		inProgress[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	for _, comp := range d.components {
		if err := visit(comp.Name()); err != nil {
			return nil, err
		}
	}

	slog.Info("Initialization order resolved", "order", order)
	return order, nil
}
