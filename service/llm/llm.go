// Package llm defines the narrow boundary to the language-model
// collaborator. Producers treat every failure - including timeout - as "no
// suggestion available", never as a workflow failure.
package llm

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the backend cannot serve requests right now
// (connection failure, timeout, open circuit). Callers degrade to rule-based
// behaviour.
var ErrUnavailable = errors.New("llm: backend unavailable")

// ChatMessage is one prompt message.
type ChatMessage struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// ToolSpec describes a tool the model may propose calling.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Schema      string `json:"schema,omitempty"` // JSON schema of the arguments
}

// Request is a single generation request.
type Request struct {
	// Model overrides the adapter's configured default when set.
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Tools       []ToolSpec    `json:"tools,omitempty"`
	MaxTokens   int           `json:"maxTokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
}

// ToolCall is a tool invocation proposed by the model.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"` // raw JSON
}

// Response is the generated content.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// Port is the capability interface injected into producers. Implementations
// must honour ctx cancellation; callers always pass an explicit timeout.
type Port interface {
	Generate(ctx context.Context, request *Request) (*Response, error)
}
