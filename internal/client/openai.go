package client

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/iuriikogan/rlm-sandbox/internal/types"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIClient works against the OpenAI API or any server exposing the same
// chat completions endpoint.
type OpenAIClient struct {
	client    openai.Client
	modelName string
	usage     usage
}

func NewOpenAIClient(apiKey, modelName, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if modelName == "" {
		modelName = DefaultOpenAIModel
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client:    openai.NewClient(opts...),
		modelName: modelName,
	}, nil
}

func (c *OpenAIClient) Completion(ctx context.Context, messages []types.Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.modelName),
		Messages: toOpenAIMessages(messages),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err, "model", c.modelName)
		return "", err
	}

	c.usage.record(c.modelName, int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens))

	if len(resp.Choices) == 0 {
		slog.Warn("No response content from model", "model", c.modelName)
		return "", fmt.Errorf("no response from model")
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(messages []types.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case types.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func (c *OpenAIClient) GetUsageSummary() types.UsageSummary {
	return c.usage.get()
}

func (c *OpenAIClient) ModelName() string {
	return c.modelName
}
