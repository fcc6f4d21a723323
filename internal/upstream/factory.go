package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/parley/internal/config"
	parleyErrors "github.com/harunnryd/parley/internal/errors"
	"github.com/harunnryd/parley/internal/upstream/contract"
	anthropicProvider "github.com/harunnryd/parley/internal/upstream/providers/anthropic"
	geminiProvider "github.com/harunnryd/parley/internal/upstream/providers/gemini"
	openaiProvider "github.com/harunnryd/parley/internal/upstream/providers/openai"
)

// Factory opens connections for the models in the registry.
type Factory struct {
	entries    map[string]config.ModelRegistry
	generators map[string]contract.Generator
	echoDelay  time.Duration
	mu         sync.RWMutex
}

// NewFactory validates the registry. Entries that cannot be initialised are
// logged and skipped; an error is returned only if none survive.
func NewFactory(ctx context.Context, cfg config.ModelsConfig) (*Factory, error) {
	f := &Factory{
		entries:    make(map[string]config.ModelRegistry),
		generators: make(map[string]contract.Generator),
		echoDelay:  25 * time.Millisecond,
	}

	for _, entry := range cfg.Registry {
		if err := f.register(ctx, entry); err != nil {
			slog.Warn("Failed to register model", "model", entry.Name, "provider", entry.Provider, "error", err)
			continue
		}
		slog.Debug("Model registered", "name", entry.Name, "provider", entry.Provider)
	}

	if len(f.entries) == 0 && len(cfg.Registry) > 0 {
		return nil, parleyErrors.Internal("no models initialized")
	}
	return f, nil
}

// SetEchoDelay adjusts the pacing of the echo agent.
func (f *Factory) SetEchoDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.echoDelay = d
}

func (f *Factory) register(ctx context.Context, entry config.ModelRegistry) error {
	var gen contract.Generator

	switch entry.Provider {
	case "openai":
		if entry.APIKey == "" {
			return parleyErrors.InvalidInput("API key required for OpenAI provider")
		}
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = config.DefaultOpenAIBaseURL
		}
		gen = openaiProvider.New(entry.APIKey, baseURL)

	case "ollama":
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = config.DefaultOllamaBaseURL
		}
		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = config.DefaultOllamaAPIKey
		}
		gen = openaiProvider.New(apiKey, baseURL)

	case "anthropic":
		if entry.APIKey == "" {
			return parleyErrors.InvalidInput("API key required for Anthropic provider")
		}
		gen = anthropicProvider.New(entry.APIKey)

	case "gemini":
		if entry.APIKey == "" {
			return parleyErrors.InvalidInput("API key required for Gemini provider")
		}
		p, err := geminiProvider.New(ctx, entry.APIKey)
		if err != nil {
			return parleyErrors.Wrap(err, "failed to create Gemini provider")
		}
		gen = p

	case "http":
		if entry.BaseURL == "" {
			return parleyErrors.InvalidInput("base_url required for http agent provider")
		}

	case "echo":

	default:
		return parleyErrors.InvalidInput(fmt.Sprintf("unknown provider type: %s", entry.Provider))
	}

	if _, err := config.DurationOrDefault(entry.RequestTimeout, config.DefaultModelRequestTimeout); err != nil {
		return parleyErrors.InvalidInput(fmt.Sprintf("invalid request_timeout for model %s: %v", entry.Name, err))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[entry.Name] = entry
	if gen != nil {
		f.generators[entry.Name] = gen
	}
	return nil
}

// Models lists registered model names.
func (f *Factory) Models() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.entries))
	for name := range f.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether model is registered.
func (f *Factory) Has(model string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.entries[model]
	return ok
}

// Connect opens a connection for cfg.ModelName. Failures are ConnectionErrors.
func (f *Factory) Connect(ctx context.Context, cfg Config) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, parleyErrors.NewConnectionError("connect", cfg.ModelName, err)
	}

	f.mu.RLock()
	entry, ok := f.entries[cfg.ModelName]
	gen := f.generators[cfg.ModelName]
	echoDelay := f.echoDelay
	f.mu.RUnlock()

	if !ok {
		return nil, parleyErrors.NewConnectionError("connect", cfg.ModelName, parleyErrors.NotFound("model not registered"))
	}

	timeout, _ := config.DurationOrDefault(entry.RequestTimeout, config.DefaultModelRequestTimeout)

	switch entry.Provider {
	case "echo":
		return NewEchoConnection(cfg, echoDelay), nil
	case "http":
		return NewAgentConnection(cfg, AgentOptions{
			Endpoint:       entry.BaseURL,
			Token:          entry.APIKey,
			RequestTimeout: timeout,
		})
	default:
		return NewTurnConnection(gen, cfg, TurnOptions{
			Model:          entry.Model,
			MaxTokens:      config.PositiveOrDefault(entry.MaxTokens, config.DefaultModelMaxTokens),
			RequestTimeout: timeout,
		}), nil
	}
}
