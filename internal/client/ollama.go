package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/iuriikogan/rlm-sandbox/internal/types"
	"github.com/ollama/ollama/api"
)

const DefaultOllamaModel = "qwen2.5:7b"

// OllamaClient talks to a local Ollama server. Responses are requested
// unstreamed.
type OllamaClient struct {
	client    *api.Client
	modelName string
	usage     usage
}

// NewOllamaClient connects to baseURL, or to OLLAMA_HOST when baseURL is
// empty.
func NewOllamaClient(baseURL, modelName string, httpClient *http.Client) (*OllamaClient, error) {
	if modelName == "" {
		modelName = DefaultOllamaModel
	}

	var (
		client *api.Client
		err    error
	)
	if baseURL == "" {
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
	} else {
		u, perr := url.Parse(baseURL)
		if perr != nil {
			return nil, fmt.Errorf("parse ollama url: %w", perr)
		}
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		client = api.NewClient(u, httpClient)
	}

	return &OllamaClient{client: client, modelName: modelName}, nil
}

func (c *OllamaClient) Completion(ctx context.Context, messages []types.Message) (string, error) {
	msgs := make([]api.Message, len(messages))
	for i, m := range messages {
		msgs[i] = api.Message{Role: string(m.Role), Content: m.Content}
	}

	stream := false
	req := &api.ChatRequest{
		Model:    c.modelName,
		Messages: msgs,
		Stream:   &stream,
	}

	var sb strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		if resp.Done {
			c.usage.record(c.modelName, resp.PromptEvalCount, resp.EvalCount)
		}
		return nil
	})
	if err != nil {
		slog.Error("Ollama chat failed", "error", err, "model", c.modelName)
		return "", err
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no response from model")
	}
	return sb.String(), nil
}

func (c *OllamaClient) GetUsageSummary() types.UsageSummary {
	return c.usage.get()
}

func (c *OllamaClient) ModelName() string {
	return c.modelName
}
