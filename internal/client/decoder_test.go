package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/harunnryd/parley/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedSplitFrame(t *testing.T) {
	dec := NewDecoder()

	got := dec.Feed([]byte(`data: {"type":"text-delta","te`))
	assert.Empty(t, got)

	got = dec.Feed([]byte("xt\":\"Hi\"}\n\n"))
	require.Len(t, got, 1)
	assert.Equal(t, event.TextDelta{Text: "Hi"}, got[0])
}

func TestFeedMultipleFramesOneChunk(t *testing.T) {
	dec := NewDecoder()
	got := dec.Feed([]byte(
		"data: {\"type\":\"text-delta\",\"text\":\"a\"}\n\n" +
			"data: {\"type\":\"plan\",\"entries\":[]}\n\n" +
			"data: {\"type\":\"text-delta\",\"text\":\"ab\"}\n",
	))
	require.Len(t, got, 3)
	assert.Equal(t, event.TypePlan, got[1].Type())
}

func TestFeedSkipsMalformedAndNonDataLines(t *testing.T) {
	dec := NewDecoder()
	got := dec.Feed([]byte(
		": keepalive\n" +
			"event: message\n" +
			"data: {not json}\n" +
			"data: {\"type\":\"mystery\"}\n" +
			"data: {\"type\":\"text-delta\",\"text\":\"ok\"}\r\n",
	))
	require.Len(t, got, 1)
	assert.Equal(t, event.TextDelta{Text: "ok"}, got[0])
}

func TestFeedStopsAfterTerminal(t *testing.T) {
	dec := NewDecoder()
	got := dec.Feed([]byte(
		"data: {\"type\":\"finish\",\"stopReason\":\"end_turn\"}\n\n" +
			"data: {\"type\":\"text-delta\",\"text\":\"late\"}\n\n",
	))
	require.Len(t, got, 1)
	assert.True(t, dec.Done())
	assert.Empty(t, dec.Feed([]byte("data: {\"type\":\"text-delta\",\"text\":\"later\"}\n")))
}

func TestConsumeByteAtATime(t *testing.T) {
	stream := "data: {\"type\":\"text-delta\",\"text\":\"Hello\"}\n\n" +
		"data: {\"type\":\"tool-call\",\"toolName\":\"Read\",\"status\":\"executing\"}\n\n" +
		"data: {\"type\":\"error\",\"message\":\"boom\"}\n\n" +
		"data: {\"type\":\"text-delta\",\"text\":\"ignored\"}\n\n"

	var got []event.Event
	err := Consume(context.Background(), iotest.OneByteReader(strings.NewReader(stream)), func(ev event.Event) {
		got = append(got, ev)
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, event.Error{Message: "boom"}, got[2])
}

func TestConsumeReturnsReadError(t *testing.T) {
	err := Consume(context.Background(), iotest.ErrReader(io.ErrUnexpectedEOF), func(event.Event) {})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestConsumeHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Consume(ctx, strings.NewReader("data: {}\n"), func(event.Event) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClientChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat", r.URL.Path)
		assert.Equal(t, "u1", r.Header.Get(UserHeader))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"text-delta\",\"text\":\"Hi\"}\n\ndata: {\"type\":\"finish\",\"stopReason\":\"end_turn\"}\n\n")
	}))
	defer srv.Close()

	var got []event.Event
	c := New(srv.URL, "u1", srv.Client())
	err := c.Chat(context.Background(), ChatRequest{ConversationID: "c1", Message: "hi"}, func(ev event.Event) {
		got = append(got, ev)
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, event.Finish{StopReason: "end_turn"}, got[1])
}

func TestClientSurfacesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"unknown model","category":"ErrInvalidInput"}`)
	}))
	defer srv.Close()

	err := New(srv.URL, "u1", nil).Chat(context.Background(), ChatRequest{}, func(event.Event) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model")
}
