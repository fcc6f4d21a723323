package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/harunnryd/parley/internal/event"
)

// UserHeader carries the caller identity established by the fronting auth layer.
const UserHeader = "X-User-ID"

type ChatRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	ModelName      string `json:"modelName"`
	PermissionMode string `json:"permissionMode"`
}

// Client talks to a parley server.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
}

func New(baseURL, userID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    httpClient,
	}
}

// Chat sends one message and streams the reply to fn until a terminal event.
func (c *Client) Chat(ctx context.Context, req ChatRequest, fn func(event.Event)) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return Consume(ctx, resp.Body, fn)
}

// DeleteConversation drops the server-side session of one conversation.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/v1/conversations/"+url.PathEscape(conversationID), nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Logout drops every server-side session of the user.
func (c *Client) Logout(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/logout", nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set(UserHeader, c.userID)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var payload struct {
			Error    string `json:"error"`
			Category string `json:"category"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			return nil, fmt.Errorf("%s %s: %s (%s)", method, path, payload.Error, resp.Status)
		}
		return nil, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return resp, nil
}
