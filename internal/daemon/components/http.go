package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/parley/internal/concurrency"
	"github.com/harunnryd/parley/internal/config"
	"github.com/harunnryd/parley/internal/daemon"
	"github.com/harunnryd/parley/internal/httpapi"
)

const HTTPServerName = "HTTPServer"

type HTTPServerComponent struct {
	daemon      *daemon.Daemon
	cfg         *config.Config
	poolComp    *SessionPoolComponent
	server      *http.Server
	listener    net.Listener
	shutdownTTL time.Duration
	initialized bool
	started     bool
	mu          sync.RWMutex
}

func NewHTTPServerComponent(d *daemon.Daemon, cfg *config.Config, poolComp *SessionPoolComponent) *HTTPServerComponent {
	return &HTTPServerComponent{
		daemon:   d,
		cfg:      cfg,
		poolComp: poolComp,
	}
}

func (h *HTTPServerComponent) Name() string {
	return HTTPServerName
}

func (h *HTTPServerComponent) Dependencies() []string {
	return []string{StoreWorkerName, SessionPoolName}
}

func (h *HTTPServerComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	srv := h.cfg.Server
	readTimeout, err := config.DurationOrDefault(srv.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse server read timeout: %w", err)
	}
	// Zero disables the write deadline, which a long-lived stream needs.
	writeTimeout, err := config.DurationOrDefault(srv.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse server write timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(srv.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse server idle timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(srv.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse server shutdown timeout: %w", err)
	}

	pool := h.poolComp.Pool()
	if pool == nil {
		return fmt.Errorf("session pool not available")
	}

	api := httpapi.New(pool, h.poolComp.Coordinator(), h.poolComp.Models(), httpapi.Options{
		MaxMessageChars: h.cfg.Request.MaxMessageChars,
		DefaultModel:    h.cfg.Models.Default,
		Health:          h.componentStatus,
	})

	host := srv.Host
	if host == "" {
		host = config.DefaultServerHost
	}
	h.server = &http.Server{
		Addr:         net.JoinHostPort(host, strconv.Itoa(srv.Port)),
		Handler:      api.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	h.shutdownTTL = shutdownTimeout

	h.initialized = true
	slog.Info("HTTPServer initialized", "component", h.Name(), "addr", h.server.Addr)
	return nil
}

func (h *HTTPServerComponent) componentStatus() map[string]httpapi.ComponentStatus {
	if h.daemon == nil {
		return nil
	}
	out := make(map[string]httpapi.ComponentStatus)
	for name, ch := range h.daemon.ComponentHealth() {
		status := httpapi.ComponentStatus{Healthy: ch.Healthy}
		if ch.Error != nil {
			status.Error = ch.Error.Error()
		}
		out[name] = status
	}
	return out
}

// Start binds the listener synchronously so a taken port fails startup.
func (h *HTTPServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("HTTPServer not initialized")
	}

	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	concurrency.SafeGo("http-server", func() {
		slog.Info("HTTP server listening", "component", h.Name(), "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "component", h.Name(), "error", err)
		}
	}, nil)

	h.started = true
	slog.Info("HTTPServer started", "component", h.Name())
	return nil
}

// Stop drains in-flight requests. The lock is released first because
// /health handlers read component state while the server drains.
func (h *HTTPServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		slog.Info("HTTPServer not started, skipping stop", "component", h.Name())
		return nil
	}
	h.started = false
	server, ttl := h.server, h.shutdownTTL
	h.mu.Unlock()

	slog.Info("Stopping HTTPServer...", "component", h.Name())
	shutdownCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTPServer graceful shutdown incomplete, closing connections", "component", h.Name(), "error", err)
		_ = server.Close()
	}

	slog.Info("HTTPServer stopped", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health := &daemon.ComponentHealth{Name: h.Name()}
	switch {
	case !h.initialized:
		health.Error = errors.New("not initialized")
	case !h.started:
		health.Error = errors.New("not started")
	default:
		health.Healthy = true
	}
	return health, nil
}

// Addr returns the bound address once started.
func (h *HTTPServerComponent) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}
