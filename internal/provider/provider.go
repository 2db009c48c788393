// Package provider defines the text-generation backend consumed by the
// governor and the adapters that speak each vendor's HTTP API.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool carries the result of a tool call back to the model.
	RoleTool Role = "tool"
)

type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []Tool
	MaxTokens   int
	Temperature float64
	// Metadata for logging and tracing
	TenantID string
	CallID   string
}

type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall // set on assistant messages that requested tools
	ToolCallID string     // set on tool messages
}

type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

type Response struct {
	ID        string
	Text      string
	ToolCalls []ToolCall
	// InputTokens includes CachedInputTokens.
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
	StopReason        StopReason
	Model             string
	Provider          string
	LatencyMs         int64
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
	SupportedModels() []string
}

// APIError is a non-2xx answer from a vendor API.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// SchemaOrEmpty substitutes an empty object schema for tools declared
// without one.
func SchemaOrEmpty(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return schema
}
