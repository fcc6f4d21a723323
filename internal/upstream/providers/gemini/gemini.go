package gemini

import (
	"context"
	"fmt"
	"os"

	"github.com/harunnryd/parley/internal/upstream/contract"

	"google.golang.org/genai"
)

type Provider struct {
	client *genai.Client
}

func New(ctx context.Context, apiKey string) (*Provider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	return &Provider{client: client}, nil
}

func (p *Provider) Name() string {
	return "gemini"
}

func (p *Provider) Generate(ctx context.Context, req contract.CompletionRequest, onText contract.TextFunc) (*contract.CompletionResponse, error) {
	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}

	genCfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		genCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, genCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	out := &contract.CompletionResponse{}
	if resp == nil {
		return out, nil
	}

	for _, fc := range resp.FunctionCalls() {
		id := fc.ID
		if id == "" {
			id = fc.Name
		}
		out.ToolCalls = append(out.ToolCalls, &contract.ToolCall{ID: id, Name: fc.Name, Input: fc.Args})
	}

	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		out.StopReason = string(cand.FinishReason)
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					out.Content += part.Text
				}
			}
		}
	}

	if onText != nil && out.Content != "" {
		onText(out.Content)
	}
	return out, nil
}
