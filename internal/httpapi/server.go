// Package httpapi exposes the chat stream and session management endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harunnryd/parley/internal/client"
	"github.com/harunnryd/parley/internal/config"
	"github.com/harunnryd/parley/internal/conversation"
	parleyErrors "github.com/harunnryd/parley/internal/errors"
	"github.com/harunnryd/parley/internal/logger"
	"github.com/harunnryd/parley/internal/session"
	"github.com/harunnryd/parley/internal/stream"

	"github.com/oklog/ulid/v2"
)

// ModelCatalog answers whether a model name can be connected to.
type ModelCatalog interface {
	Has(model string) bool
}

type ComponentStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HealthFunc reports per-component health for GET /health.
type HealthFunc func() map[string]ComponentStatus

type Options struct {
	MaxMessageChars int
	DefaultModel    string
	Health          HealthFunc
}

type Server struct {
	pool        *session.Pool
	coordinator *stream.Coordinator
	models      ModelCatalog
	mapper      parleyErrors.Mapper
	opts        Options
	mux         *http.ServeMux
}

func New(pool *session.Pool, coordinator *stream.Coordinator, models ModelCatalog, opts Options) *Server {
	opts.MaxMessageChars = config.PositiveOrDefault(opts.MaxMessageChars, config.DefaultRequestMaxMessageChars)

	s := &Server{
		pool:        pool,
		coordinator: coordinator,
		models:      models,
		mapper:      parleyErrors.NewDefaultMapper(),
		opts:        opts,
		mux:         http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	s.mux.HandleFunc("DELETE /api/v1/conversations/{conversationId}", s.handleDeleteConversation)
	s.mux.HandleFunc("POST /api/v1/logout", s.handleLogout)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

// Handler returns the routed handler wrapped with request tracing.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Request-ID")
		if traceID == "" {
			traceID = ulid.Make().String()
		}
		w.Header().Set("X-Request-ID", traceID)

		ctx := logger.WithTraceID(r.Context(), traceID)
		start := time.Now()
		s.mux.ServeHTTP(w, r.WithContext(ctx))
		logger.FromContext(ctx).Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

type chatRequest = client.ChatRequest

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	req, err := s.decodeChat(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := logger.WithConversationID(logger.WithUserID(r.Context(), userID), req.ConversationID)
	log := logger.FromContext(ctx)

	sess, release, err := s.pool.GetOrCreateStreaming(ctx, userID, req.ConversationID, session.Config{
		ModelName:      req.ModelName,
		PermissionMode: session.PermissionMode(req.PermissionMode),
	})
	if err != nil {
		log.Warn("Failed to acquire session", "model", req.ModelName, "error", err)
		s.writeError(w, r, err)
		return
	}
	defer release()

	events, err := sess.Send(ctx, req.Message)
	if err != nil {
		log.Warn("Failed to send message to agent", "session_id", sess.ID, "error", err)
		s.writeError(w, r, err)
		return
	}
	defer events.Close()
	userSaved := s.coordinator.PersistAsync(ctx, req.ConversationID, conversation.NewUser(req.Message))

	sink := stream.NewSSESink(w)
	acc, err := s.coordinator.Run(ctx, stream.Turn{
		ConversationID: req.ConversationID,
		Events:         events,
		After:          userSaved,
	}, sink)
	switch {
	case err == nil:
		log.Debug("Stream completed", "session_id", sess.ID, "stop_reason", acc.StopReason, "tool_calls", len(acc.ToolCalls))
	case ctx.Err() != nil:
		log.Info("Client went away mid-stream", "session_id", sess.ID)
	default:
		log.Warn("Stream ended with error", "session_id", sess.ID, "error", err)
	}
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (chatRequest, error) {
	var req chatRequest

	limit := int64(s.opts.MaxMessageChars)*utf8.UTFMax + 4096
	body := http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, parleyErrors.InvalidInput("request body too large")
		}
		if errors.Is(err, io.EOF) {
			return req, parleyErrors.InvalidInput("request body is empty")
		}
		return req, parleyErrors.InvalidInput("invalid request body")
	}

	req.ConversationID = strings.TrimSpace(req.ConversationID)
	if req.ConversationID == "" {
		return req, parleyErrors.InvalidInput("conversationId is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return req, parleyErrors.InvalidInput("message is required")
	}
	if n := utf8.RuneCountInString(req.Message); n > s.opts.MaxMessageChars {
		return req, parleyErrors.InvalidInput("message exceeds maximum length")
	}

	if req.ModelName == "" {
		req.ModelName = s.opts.DefaultModel
	}
	if s.models != nil && !s.models.Has(req.ModelName) {
		return req, parleyErrors.InvalidInput("unknown model " + req.ModelName)
	}

	if req.PermissionMode == "" {
		req.PermissionMode = string(session.PermissionDefault)
	}
	if !session.ValidPermissionMode(req.PermissionMode) {
		return req, parleyErrors.InvalidInput("unknown permission mode " + req.PermissionMode)
	}
	return req, nil
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conversationID := r.PathValue("conversationId")
	if conversationID == "" {
		s.writeError(w, r, parleyErrors.InvalidInput("conversationId is required"))
		return
	}

	destroyed := s.pool.Destroy(session.Key{UserID: userID, ConversationID: conversationID})
	logger.FromContext(r.Context()).Debug("Conversation session dropped", "conversation_id", conversationID, "existed", destroyed)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	n := s.pool.Logout(userID)
	logger.FromContext(logger.WithUserID(r.Context(), userID)).Info("User logged out", "sessions", n)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	status := "ok"
	if s.pool.Closed() {
		status = "shutting_down"
	}

	resp := map[string]any{
		"status": status,
		"pool": map[string]int{
			"sessions":  stats.Sessions,
			"streaming": stats.Streaming,
			"capacity":  stats.Capacity,
		},
	}
	if s.opts.Health != nil {
		components := s.opts.Health()
		for _, c := range components {
			if !c.Healthy {
				status = "degraded"
			}
		}
		resp["status"] = status
		resp["components"] = components
	}

	writeJSON(w, http.StatusOK, resp)
}

func requireUser(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.Header.Get(client.UserHeader))
	if userID == "" {
		return "", parleyErrors.InvalidInput("missing " + client.UserHeader + " header")
	}
	return userID, nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := s.mapper.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("Request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error":    err.Error(),
		"category": s.mapper.Category(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write JSON response", "error", err)
	}
}
