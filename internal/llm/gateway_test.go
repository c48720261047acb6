package llm

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/puckettventures/converse/internal/config"
	"github.com/puckettventures/converse/internal/retry"
)

type scriptedProvider struct {
	name   string
	model  string
	errs   []error
	calls  int
	models []string
}

func (p *scriptedProvider) Name() string         { return p.name }
func (p *scriptedProvider) DefaultModel() string { return p.model }

func (p *scriptedProvider) ChatCompletion(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	p.calls++
	p.models = append(p.models, req.Model)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &ChatResponse{Provider: p.name, Model: req.Model, Content: `{"ok":true}`}, nil
}

func fastExecutor() *retry.Executor {
	return retry.NewExecutor(config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
}

func TestGatewayRetriesRateLimits(t *testing.T) {
	primary := &scriptedProvider{name: "openai", model: "gpt-4o-mini", errs: []error{
		&retry.RateLimitError{StatusCode: 429, Err: errors.New("slow down")},
		nil,
	}}
	g := newGateway(map[string]Provider{"openai": primary}, config.LLMConfig{DefaultProvider: "openai"}, fastExecutor())

	resp, err := g.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls != 2 {
		t.Fatalf("calls = %d, want 2", primary.calls)
	}
	if resp.Model != "gpt-4o-mini" {
		t.Fatalf("default model not applied: %q", resp.Model)
	}
}

func TestGatewayFallsBackAfterExhaustion(t *testing.T) {
	rl := &retry.RateLimitError{StatusCode: 429, Err: errors.New("slow down")}
	primary := &scriptedProvider{name: "openai", model: "gpt-4o-mini", errs: []error{rl, rl, rl}}
	fallback := &scriptedProvider{name: "anthropic", model: "claude-3-haiku-20240307"}
	g := newGateway(map[string]Provider{"openai": primary, "anthropic": fallback},
		config.LLMConfig{DefaultProvider: "openai", FallbackProvider: "anthropic"}, fastExecutor())

	resp, err := g.Chat(context.Background(), ChatRequest{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls != 3 || fallback.calls != 1 {
		t.Fatalf("calls primary=%d fallback=%d", primary.calls, fallback.calls)
	}
	if resp.Provider != "anthropic" || fallback.models[0] != "claude-3-haiku-20240307" {
		t.Fatalf("fallback should use its own model, got %q", fallback.models[0])
	}
}

func TestGatewayNonRateLimitErrorNotRetried(t *testing.T) {
	primary := &scriptedProvider{name: "openai", errs: []error{errors.New("invalid request")}}
	g := newGateway(map[string]Provider{"openai": primary}, config.LLMConfig{DefaultProvider: "openai"}, fastExecutor())

	if _, err := g.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if primary.calls != 1 {
		t.Fatalf("calls = %d, want 1", primary.calls)
	}
}

func TestGatewayUnknownProvider(t *testing.T) {
	g := newGateway(map[string]Provider{}, config.LLMConfig{DefaultProvider: "openai"}, fastExecutor())
	if _, err := g.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected error for unconfigured provider")
	}
}

func TestOllamaRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "llama3").ChatCompletion(context.Background(), ChatRequest{})
	var rl *retry.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rl.RetryAfter != 3*time.Second {
		t.Fatalf("retry after = %s", rl.RetryAfter)
	}
}

func TestOllamaChatRequestsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Format != "json" || req.Stream {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(ollamaChatResp{
			Message:         ollamaMessage{Role: "assistant", Content: `{"conversation":[]}`},
			Done:            true,
			PromptEvalCount: 10,
			EvalCount:       5,
		})
	}))
	defer srv.Close()

	resp, err := NewOllamaProvider(srv.URL, "llama3").ChatCompletion(context.Background(), ChatRequest{JSON: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != `{"conversation":[]}` || resp.TotalTokens != 15 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestOpenAIRateLimitClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", srv.URL+"/v1", "gpt-4o-mini")
	_, err := p.ChatCompletion(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if !retry.IsRateLimited(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestCalculateCost(t *testing.T) {
	if got := CalculateCost("gpt-4o-mini", 1000, 1000); math.Abs(got-0.00075) > 1e-12 {
		t.Fatalf("cost = %v", got)
	}
	if got := CalculateCost("unknown", 1000, 1000); got != 0 {
		t.Fatalf("cost = %v", got)
	}
}
