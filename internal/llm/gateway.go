package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/puckettventures/converse/internal/config"
	"github.com/puckettventures/converse/internal/retry"
	"github.com/puckettventures/converse/internal/secrets"
)

type gateway struct {
	providers        map[string]Provider
	defaultProvider  string
	fallbackProvider string
	temperature      float64
	exec             *retry.Executor
}

func NewGateway(cfg config.LLMConfig, creds secrets.Credentials, exec *retry.Executor) Gateway {
	providers := make(map[string]Provider)
	if creds.OpenAIKey != "" {
		providers["openai"] = NewOpenAIProvider(creds.OpenAIKey, cfg.OpenAIBaseURL, cfg.DefaultModel)
	}
	if creds.AnthropicKey != "" {
		providers["anthropic"] = NewAnthropicProvider(creds.AnthropicKey, cfg.AnthropicModel)
	}
	if cfg.OllamaURL != "" {
		providers["ollama"] = NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel)
	}
	return newGateway(providers, cfg, exec)
}

func newGateway(providers map[string]Provider, cfg config.LLMConfig, exec *retry.Executor) *gateway {
	return &gateway{
		providers:        providers,
		defaultProvider:  cfg.DefaultProvider,
		fallbackProvider: cfg.FallbackProvider,
		temperature:      cfg.Temperature,
		exec:             exec,
	}
}

func (g *gateway) Provider(name string) (Provider, error) {
	p, ok := g.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", name)
	}
	return p, nil
}

func (g *gateway) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	providerName := req.Provider
	if providerName == "" {
		providerName = g.defaultProvider
	}
	if req.Temperature == 0 {
		req.Temperature = g.temperature
	}

	resp, err := g.chatWithRetry(ctx, providerName, req)
	if err != nil && ctx.Err() == nil && g.fallbackProvider != "" && g.fallbackProvider != providerName {
		slog.Warn("primary provider failed, trying fallback",
			"primary", providerName,
			"fallback", g.fallbackProvider,
			"error", err,
		)
		// The requested model belongs to the primary provider.
		req.Model = ""
		return g.chatWithRetry(ctx, g.fallbackProvider, req)
	}
	return resp, err
}

func (g *gateway) chatWithRetry(ctx context.Context, providerName string, req ChatRequest) (*ChatResponse, error) {
	p, err := g.Provider(providerName)
	if err != nil {
		return nil, err
	}
	if req.Model == "" {
		req.Model = p.DefaultModel()
	}

	resp, err := retry.Call(ctx, g.exec, func(ctx context.Context) (*ChatResponse, error) {
		return p.ChatCompletion(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("%s chat: %w", providerName, err)
	}

	slog.Debug("llm call complete",
		"provider", resp.Provider,
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"cost_usd", resp.CostUSD,
		"latency_ms", resp.LatencyMs,
	)
	return resp, nil
}
