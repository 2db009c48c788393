package claude

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/llm-governor/internal/provider"
)

func newTestProvider(url string) *ClaudeProvider {
	return &ClaudeProvider{
		apiKey:  "test-key",
		baseURL: url,
		client:  http.DefaultClient,
	}
}

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("Expected api key header, got %q", r.Header.Get("x-api-key"))
		}
		resp := claudeResponse{
			ID: "msg_123",
			Content: []claudeContent{
				{Type: "text", Text: "Hello from Claude mock!"},
			},
			StopReason: "end_turn",
			Usage: claudeUsage{
				InputTokens:          10,
				OutputTokens:         20,
				CacheReadInputTokens: 90,
			},
			Model: "claude-3-5-sonnet-20241022",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	req := &provider.Request{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: "hi"},
		},
	}

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Text != "Hello from Claude mock!" {
		t.Errorf("Expected 'Hello from Claude mock!', got %s", resp.Text)
	}
	if resp.InputTokens != 100 {
		t.Errorf("Expected 100 input tokens, got %d", resp.InputTokens)
	}
	if resp.CachedInputTokens != 90 {
		t.Errorf("Expected 90 cached input tokens, got %d", resp.CachedInputTokens)
	}
	if resp.OutputTokens != 20 {
		t.Errorf("Expected 20 output tokens, got %d", resp.OutputTokens)
	}
	if resp.StopReason != provider.StopEndTurn {
		t.Errorf("Expected end_turn, got %s", resp.StopReason)
	}
}

func TestComplete_ToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := claudeResponse{
			ID: "msg_456",
			Content: []claudeContent{
				{Type: "text", Text: "Looking that up."},
				{Type: "tool_use", ID: "toolu_1", Name: "lookup_company", Input: json.RawMessage(`{"domain":"acme.io"}`)},
			},
			StopReason: "tool_use",
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	resp, err := newTestProvider(server.URL).Complete(context.Background(), &provider.Request{Model: "claude-3-5-haiku-20241022"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.StopReason != provider.StopToolUse {
		t.Errorf("Expected tool_use, got %s", resp.StopReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "lookup_company" {
		t.Fatalf("Expected one lookup_company call, got %+v", resp.ToolCalls)
	}
	if string(resp.ToolCalls[0].Input) != `{"domain":"acme.io"}` {
		t.Errorf("Unexpected tool input %s", resp.ToolCalls[0].Input)
	}
}

func TestComplete_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).Complete(context.Background(), &provider.Request{Model: "claude-3-5-haiku-20241022"})
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", apiErr.StatusCode)
	}
}

func TestName(t *testing.T) {
	p := New("key")
	if p.Name() != "claude" {
		t.Errorf("Expected 'claude', got %s", p.Name())
	}
}

func TestSupportedModels(t *testing.T) {
	p := New("key")
	found := false
	for _, m := range p.SupportedModels() {
		if m == "claude-3-5-haiku-20241022" {
			found = true
			break
		}
	}
	if !found {
		t.Error("claude-3-5-haiku-20241022 should be in supported models")
	}
}

func TestRequestMapping(t *testing.T) {
	var capturedReq claudeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &capturedReq)

		resp := claudeResponse{
			ID:      "msg_123",
			Content: []claudeContent{{Type: "text", Text: "ok"}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	req := &provider.Request{
		Model:  "claude-3-5-sonnet-20241022",
		System: "You are a research assistant.",
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: "research acme"},
			{Role: provider.RoleAssistant, ToolCalls: []provider.ToolCall{
				{ID: "t1", Name: "search"},
				{ID: "t2", Name: "fetch", Input: json.RawMessage(`{"url":"x"}`)},
			}},
			{Role: provider.RoleTool, ToolCallID: "t1", Content: "result one"},
			{Role: provider.RoleTool, ToolCallID: "t2", Content: "result two"},
		},
		Tools: []provider.Tool{{Name: "search"}},
	}

	if _, err := newTestProvider(server.URL).Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if capturedReq.System != "You are a research assistant." {
		t.Errorf("Expected system prompt to be set, got %s", capturedReq.System)
	}
	if len(capturedReq.Messages) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(capturedReq.Messages))
	}
	if got := len(capturedReq.Messages[2].Content); got != 2 {
		t.Errorf("Expected tool results merged into one message, got %d blocks", got)
	}
	if capturedReq.Messages[2].Content[1].ToolUseID != "t2" {
		t.Errorf("Expected tool_use_id t2, got %s", capturedReq.Messages[2].Content[1].ToolUseID)
	}
	if string(capturedReq.Messages[1].Content[0].Input) != `{}` {
		t.Errorf("Expected empty tool input to be {}, got %s", capturedReq.Messages[1].Content[0].Input)
	}
	if len(capturedReq.Tools) != 1 || len(capturedReq.Tools[0].InputSchema) == 0 {
		t.Errorf("Expected one tool with a schema, got %+v", capturedReq.Tools)
	}
	if capturedReq.MaxTokens != 4096 {
		t.Errorf("Expected default max tokens 4096, got %d", capturedReq.MaxTokens)
	}
}
