package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/parley/internal/client"
	"github.com/harunnryd/parley/internal/conversation"
	"github.com/harunnryd/parley/internal/event"
	"github.com/harunnryd/parley/internal/normalizer"
	"github.com/harunnryd/parley/internal/session"
	"github.com/harunnryd/parley/internal/stream"
	"github.com/harunnryd/parley/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu   sync.Mutex
	msgs map[string][]conversation.Message
}

func (m *memoryStore) SaveMessage(ctx context.Context, conversationID string, msg conversation.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.msgs == nil {
		m.msgs = make(map[string][]conversation.Message)
	}
	m.msgs[conversationID] = append(m.msgs[conversationID], msg)
	return nil
}

func (m *memoryStore) get(conversationID string) []conversation.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]conversation.Message(nil), m.msgs[conversationID]...)
}

type catalog map[string]bool

func (c catalog) Has(model string) bool { return c[model] }

type harness struct {
	srv         *httptest.Server
	pool        *session.Pool
	coordinator *stream.Coordinator
	store       *memoryStore
}

func newHarness(t *testing.T, connector upstream.Connector) *harness {
	t.Helper()
	if connector == nil {
		connector = upstream.ConnectorFunc(func(ctx context.Context, cfg upstream.Config) (upstream.Connection, error) {
			return upstream.NewEchoConnection(cfg, 0), nil
		})
	}

	pool, err := session.NewPool(connector, nil, session.Options{MaxSessions: 4})
	require.NoError(t, err)
	st := &memoryStore{}
	coord := stream.NewCoordinator(normalizer.New(), st, stream.Options{PersistTimeout: time.Second})

	api := New(pool, coord, catalog{"echo": true, "other": true}, Options{
		MaxMessageChars: 50,
		DefaultModel:    "echo",
		Health: func() map[string]ComponentStatus {
			return map[string]ComponentStatus{"StoreWorker": {Healthy: true}}
		},
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = pool.Shutdown(context.Background())
	})
	return &harness{srv: srv, pool: pool, coordinator: coord, store: st}
}

func (h *harness) post(t *testing.T, user string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/v1/chat", strings.NewReader(body))
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(client.UserHeader, user)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeError(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestChatStreamsEchoTurnEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	c := client.New(h.srv.URL, "u1", h.srv.Client())

	var events []event.Event
	err := c.Chat(context.Background(), client.ChatRequest{ConversationID: "c1", Message: "hello big world"}, func(ev event.Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, event.Finish{StopReason: "end_turn"}, events[len(events)-1])

	msgs := conversation.Fold([]conversation.Message{conversation.NewUser("hello big world"), conversation.NewAssistant()}, events...)
	reply := msgs[1]
	assert.Equal(t, "hello big world", reply.Content)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, event.ToolCompleted, reply.ToolCalls[0].Status)
	assert.Len(t, reply.Plan, 2)
	assert.Equal(t, "end_turn", reply.StopReason)

	require.NoError(t, h.coordinator.Wait(context.Background()))
	saved := h.store.get("c1")
	require.Len(t, saved, 2)
	assert.Equal(t, conversation.RoleUser, saved[0].Role)
	assert.Equal(t, "hello big world", saved[0].Content)
	assert.Equal(t, conversation.RoleAssistant, saved[1].Role)
	assert.Equal(t, "hello big world", saved[1].Content)

	sess, ok := h.pool.Get(session.Key{UserID: "u1", ConversationID: "c1"})
	require.True(t, ok)
	assert.Eventually(t, func() bool { return !sess.Streaming() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sess.MessageCount())
}

func TestChatReusesSessionAcrossTurns(t *testing.T) {
	h := newHarness(t, nil)
	c := client.New(h.srv.URL, "u1", h.srv.Client())
	ctx := context.Background()

	require.NoError(t, c.Chat(ctx, client.ChatRequest{ConversationID: "c1", Message: "one"}, func(event.Event) {}))
	first, _ := h.pool.Get(session.Key{UserID: "u1", ConversationID: "c1"})
	require.NoError(t, c.Chat(ctx, client.ChatRequest{ConversationID: "c1", Message: "two"}, func(event.Event) {}))
	second, _ := h.pool.Get(session.Key{UserID: "u1", ConversationID: "c1"})
	assert.Equal(t, first.ID, second.ID)

	require.NoError(t, c.Chat(ctx, client.ChatRequest{ConversationID: "c1", Message: "three", PermissionMode: "plan"}, func(event.Event) {}))
	third, _ := h.pool.Get(session.Key{UserID: "u1", ConversationID: "c1"})
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, 1, h.pool.Len())
}

func TestChatAgentErrorIsTerminalAndNotPersisted(t *testing.T) {
	h := newHarness(t, nil)
	c := client.New(h.srv.URL, "u1", h.srv.Client())

	var events []event.Event
	require.NoError(t, c.Chat(context.Background(), client.ChatRequest{ConversationID: "c1", Message: "/fail boom"}, func(ev event.Event) {
		events = append(events, ev)
	}))
	require.Len(t, events, 1)
	assert.Equal(t, event.Error{Message: "boom", Code: "echo_failure"}, events[0])

	require.NoError(t, h.coordinator.Wait(context.Background()))
	saved := h.store.get("c1")
	require.Len(t, saved, 1)
	assert.Equal(t, conversation.RoleUser, saved[0].Role)
}

func TestChatValidation(t *testing.T) {
	h := newHarness(t, nil)

	cases := []struct {
		name string
		user string
		body string
	}{
		{"missing user", "", `{"conversationId":"c1","message":"hi"}`},
		{"empty body", "u1", ``},
		{"malformed body", "u1", `{"conversationId":`},
		{"missing conversation", "u1", `{"message":"hi"}`},
		{"blank message", "u1", `{"conversationId":"c1","message":"   "}`},
		{"message too long", "u1", `{"conversationId":"c1","message":"` + strings.Repeat("x", 51) + `"}`},
		{"unknown model", "u1", `{"conversationId":"c1","message":"hi","modelName":"nope"}`},
		{"unknown mode", "u1", `{"conversationId":"c1","message":"hi","permissionMode":"yolo"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.post(t, tc.user, tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "ErrInvalidInput", decodeError(t, resp)["category"])
		})
	}
	assert.Equal(t, 0, h.pool.Len())
}

func TestChatMessageLengthCountsRunes(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.post(t, "u1", `{"conversationId":"c1","message":"`+strings.Repeat("é", 50)+`"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}

func TestChatConnectFailureIsBadGateway(t *testing.T) {
	h := newHarness(t, upstream.ConnectorFunc(func(ctx context.Context, cfg upstream.Config) (upstream.Connection, error) {
		return nil, errors.New("agent unreachable")
	}))

	resp := h.post(t, "u1", `{"conversationId":"c1","message":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "ErrConnection", decodeError(t, resp)["category"])
	assert.Equal(t, 0, h.pool.Len())
}

func TestChatAfterShutdownIsUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.pool.Shutdown(context.Background()))

	resp := h.post(t, "u1", `{"conversationId":"c1","message":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "ErrPoolClosed", decodeError(t, resp)["category"])
}

func TestDeleteConversationAndLogout(t *testing.T) {
	h := newHarness(t, nil)
	c := client.New(h.srv.URL, "u1", h.srv.Client())
	other := client.New(h.srv.URL, "u2", h.srv.Client())
	ctx := context.Background()

	for _, id := range []string{"c1", "c2"} {
		require.NoError(t, c.Chat(ctx, client.ChatRequest{ConversationID: id, Message: "hi"}, func(event.Event) {}))
	}
	require.NoError(t, other.Chat(ctx, client.ChatRequest{ConversationID: "c1", Message: "hi"}, func(event.Event) {}))
	require.Equal(t, 3, h.pool.Len())

	require.NoError(t, c.DeleteConversation(ctx, "c1"))
	require.NoError(t, c.DeleteConversation(ctx, "c1"))
	assert.Equal(t, 2, h.pool.Len())

	require.NoError(t, c.Logout(ctx))
	assert.Equal(t, 1, h.pool.Len())
	_, ok := h.pool.Get(session.Key{UserID: "u2", ConversationID: "c1"})
	assert.True(t, ok)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := h.srv.Client().Get(h.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body struct {
		Status     string                     `json:"status"`
		Pool       map[string]int             `json:"pool"`
		Components map[string]ComponentStatus `json:"components"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 4, body.Pool["capacity"])
	assert.True(t, body.Components["StoreWorker"].Healthy)
}
