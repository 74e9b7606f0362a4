package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/iuriikogan/rlm-sandbox/internal/observability"
	"github.com/iuriikogan/rlm-sandbox/internal/types"
)

// Client is a chat completion backend. It is used both as the driving model
// and as the sub-model behind llm_query.
type Client interface {
	Completion(ctx context.Context, messages []types.Message) (string, error)
	GetUsageSummary() types.UsageSummary
	ModelName() string
}

const (
	BackendGemini = "gemini"
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
)

// Config selects and parameterises a backend.
type Config struct {
	Backend    string
	Model      string
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// New builds the client for cfg.Backend. An empty backend means gemini.
func New(ctx context.Context, cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendGemini:
		return NewGeminiClient(ctx, cfg.APIKey, cfg.Model, cfg.BaseURL)
	case BackendOllama:
		return NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.HTTPClient)
	case BackendOpenAI:
		return NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// usage accumulates token counts. Sub-model calls can run concurrently, so
// it is guarded.
type usage struct {
	mu      sync.Mutex
	summary types.UsageSummary
}

func (u *usage) record(model string, input, output int) {
	u.mu.Lock()
	u.summary.TotalCalls++
	u.summary.TotalInputTokens += input
	u.summary.TotalOutputTokens += output
	u.mu.Unlock()

	observability.TokenUsage.WithLabelValues(model, "input").Add(float64(input))
	observability.TokenUsage.WithLabelValues(model, "output").Add(float64(output))
}

func (u *usage) get() types.UsageSummary {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.summary
}
