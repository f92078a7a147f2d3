// Package openai adapts any OpenAI-compatible chat endpoint (Ollama exposes
// one) to the llm.Port interface.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/wrldbldr/stagegate/service/llm"
)

// Config identifies the backend endpoint and model.
type Config struct {
	BaseURL     string        `json:"baseURL" yaml:"baseURL"`
	APIKey      string        `json:"apiKey" yaml:"apiKey"` // ignored by Ollama, required by hosted backends
	Model       string        `json:"model" yaml:"model"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	Temperature float32       `json:"temperature" yaml:"temperature"`
}

// DefaultConfig targets a local Ollama instance.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
		Timeout: 60 * time.Second,
	}
}

// Client implements llm.Port over the OpenAI chat-completion API.
type Client struct {
	client *openai.Client
	config Config
}

// New creates a client for the configured endpoint.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Model == "" {
		config.Model = DefaultConfig().Model
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	clientConfig.BaseURL = config.BaseURL
	return &Client{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}
}

// Generate sends one chat completion request. Transport and timeout errors
// come back as llm.ErrUnavailable so callers fall back to rule-based
// behaviour.
func (c *Client) Generate(ctx context.Context, request *llm.Request) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(request.Messages))
	for _, m := range request.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	var tools []openai.Tool
	for _, t := range request.Tools {
		var parameters any
		if t.Schema != "" {
			parameters = json.RawMessage(t.Schema)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  parameters,
			},
		})
	}

	temperature := request.Temperature
	if temperature == 0 {
		temperature = c.config.Temperature
	}
	model := request.Model
	if model == "" {
		model = c.config.Model
	}

	completion, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   request.MaxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrUnavailable, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", llm.ErrUnavailable)
	}

	choice := completion.Choices[0]
	response := &llm.Response{Content: choice.Message.Content}
	for _, call := range choice.Message.ToolCalls {
		response.ToolCalls = append(response.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return response, nil
}

var _ llm.Port = (*Client)(nil)
