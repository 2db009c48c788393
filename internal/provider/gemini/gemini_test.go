package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/llm-governor/internal/provider"
)

func newTestProvider(url string) *GeminiProvider {
	return &GeminiProvider{
		apiKey:  "test-key",
		baseURL: url,
		client:  http.DefaultClient,
	}
}

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.0-flash:generateContent" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("Expected api key header, got %q", r.Header.Get("x-goog-api-key"))
		}
		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{
					Content: geminiContent{
						Parts: []geminiPart{{Text: "Hello from mock!"}},
					},
					FinishReason: "STOP",
				},
			},
			UsageMetadata: geminiUsageMetadata{
				PromptTokenCount:        10,
				CandidatesTokenCount:    20,
				CachedContentTokenCount: 4,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	req := &provider.Request{
		Model: "gemini-2.0-flash",
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: "hi"},
		},
	}

	resp, err := newTestProvider(server.URL).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Text != "Hello from mock!" {
		t.Errorf("Expected 'Hello from mock!', got %s", resp.Text)
	}
	if resp.InputTokens != 10 {
		t.Errorf("Expected 10 input tokens, got %d", resp.InputTokens)
	}
	if resp.OutputTokens != 20 {
		t.Errorf("Expected 20 output tokens, got %d", resp.OutputTokens)
	}
	if resp.CachedInputTokens != 4 {
		t.Errorf("Expected 4 cached input tokens, got %d", resp.CachedInputTokens)
	}
}

func TestComplete_FunctionCallRoundTrip(t *testing.T) {
	var captured geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)

		resp := geminiResponse{
			Candidates: []geminiCandidate{{
				Content: geminiContent{Parts: []geminiPart{{
					FunctionCall: &geminiFunctionCall{Name: "lookup_company", Args: json.RawMessage(`{"domain":"acme.io"}`)},
				}}},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	req := &provider.Request{
		Model:  "gemini-2.0-flash",
		System: "be brief",
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: "who is acme"},
			{Role: provider.RoleAssistant, ToolCalls: []provider.ToolCall{{ID: "search-0", Name: "search"}}},
			{Role: provider.RoleTool, ToolCallID: "search-0", Content: "acme makes anvils"},
		},
		Tools: []provider.Tool{{Name: "lookup_company"}},
	}

	resp, err := newTestProvider(server.URL).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.StopReason != provider.StopToolUse {
		t.Errorf("Expected tool_use, got %s", resp.StopReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "lookup_company-0" {
		t.Errorf("Unexpected tool calls %+v", resp.ToolCalls)
	}

	if captured.SystemInstruction == nil {
		t.Fatal("Expected system instruction")
	}
	if len(captured.Contents) != 3 {
		t.Fatalf("Expected 3 contents, got %d", len(captured.Contents))
	}
	fr := captured.Contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "search" {
		t.Errorf("Expected function response named search, got %+v", fr)
	}
	if captured.Contents[1].Role != "model" {
		t.Errorf("Expected assistant mapped to model, got %s", captured.Contents[1].Role)
	}
}

func TestName(t *testing.T) {
	p := New("key")
	if p.Name() != "gemini" {
		t.Errorf("Expected 'gemini', got %s", p.Name())
	}
}
