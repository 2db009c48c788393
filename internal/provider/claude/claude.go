package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/llm-governor/internal/provider"
)

type ClaudeProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Tools       []claudeTool    `json:"tools,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type claudeResponse struct {
	ID         string          `json:"id"`
	Content    []claudeContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      claudeUsage     `json:"usage"`
}

type claudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

func New(apiKey string) provider.Provider {
	return &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
		client:  http.DefaultClient,
	}
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &provider.APIError{Provider: p.Name(), StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, err
	}

	out := &provider.Response{
		ID:                claudeResp.ID,
		InputTokens:       claudeResp.Usage.InputTokens + claudeResp.Usage.CacheReadInputTokens + claudeResp.Usage.CacheCreationInputTokens,
		OutputTokens:      claudeResp.Usage.OutputTokens,
		CachedInputTokens: claudeResp.Usage.CacheReadInputTokens,
		StopReason:        mapStopReason(claudeResp.StopReason),
		Model:             claudeResp.Model,
		Provider:          p.Name(),
		LatencyMs:         time.Since(start).Milliseconds(),
	}

	var text strings.Builder
	for _, c := range claudeResp.Content {
		switch c.Type {
		case "text":
			text.WriteString(c.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, provider.ToolCall{ID: c.ID, Name: c.Name, Input: c.Input})
		}
	}
	out.Text = text.String()

	if out.Text == "" && len(out.ToolCalls) == 0 {
		return nil, fmt.Errorf("claude api returned no content")
	}
	return out, nil
}

func mapStopReason(reason string) provider.StopReason {
	switch reason {
	case "tool_use":
		return provider.StopToolUse
	case "max_tokens":
		return provider.StopMaxTokens
	default:
		return provider.StopEndTurn
	}
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	var messages []claudeMessage

	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleAssistant:
			var blocks []claudeContent
			if m.Content != "" {
				blocks = append(blocks, claudeContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, claudeContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			messages = append(messages, claudeMessage{Role: "assistant", Content: blocks})

		case provider.RoleTool:
			result := claudeContent{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}
			// All results for one assistant turn travel in a single user message.
			if n := len(messages); n > 0 && messages[n-1].Role == "user" && isToolResults(messages[n-1]) {
				messages[n-1].Content = append(messages[n-1].Content, result)
				continue
			}
			messages = append(messages, claudeMessage{Role: "user", Content: []claudeContent{result}})

		default:
			messages = append(messages, claudeMessage{
				Role:    "user",
				Content: []claudeContent{{Type: "text", Text: m.Content}},
			})
		}
	}

	var tools []claudeTool
	for _, t := range req.Tools {
		tools = append(tools, claudeTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: provider.SchemaOrEmpty(t.InputSchema),
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return claudeRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Messages:    messages,
		Tools:       tools,
		Temperature: req.Temperature,
	}
}

func isToolResults(m claudeMessage) bool {
	for _, c := range m.Content {
		if c.Type != "tool_result" {
			return false
		}
	}
	return len(m.Content) > 0
}

func (p *ClaudeProvider) Name() string {
	return "claude"
}

func (p *ClaudeProvider) SupportedModels() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"claude-3-sonnet-20240229",
		"claude-3-haiku-20240307",
	}
}
