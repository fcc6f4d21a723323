package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/harunnryd/parley/internal/upstream/contract"

	"github.com/sashabaranov/go-openai"
)

type Provider struct {
	client *openai.Client
}

func New(apiKey, baseURL string) *Provider {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}

	return &Provider{client: openai.NewClientWithConfig(cfg)}
}

func (p *Provider) Name() string {
	return "openai"
}

// Generate streams the completion, reporting the accumulated text after every
// content delta.
func (p *Provider) Generate(ctx context.Context, req contract.CompletionRequest, onText contract.TextFunc) (*contract.CompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer stream.Close()

	var text strings.Builder
	result := &contract.CompletionResponse{}
	calls := make(map[int]*pendingCall)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("openai stream failed: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if onText != nil {
				onText(text.String())
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc, ok := calls[idx]
			if !ok {
				pc = &pendingCall{}
				calls[idx] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			result.StopReason = string(choice.FinishReason)
		}
	}

	result.Content = text.String()
	result.ToolCalls = collectCalls(calls)
	return result, nil
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func collectCalls(calls map[int]*pendingCall) []*contract.ToolCall {
	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]*contract.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		pc := calls[idx]
		id := pc.id
		if id == "" {
			id = fmt.Sprintf("call_%d", idx+1)
		}
		var input map[string]any
		_ = json.Unmarshal([]byte(pc.args.String()), &input)
		out = append(out, &contract.ToolCall{ID: id, Name: pc.name, Input: input})
	}
	return out
}
