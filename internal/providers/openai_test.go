package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAI_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Error("missing bearer token")
		}
		w.Write([]byte(`{
			"choices": [{"message": {"content": "pong"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
		}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("key", WithOpenAIBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "ping"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "pong" || resp.FinishReason != "stop" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAI_ChatStreamToolCalls(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"choices": [{"delta": {"tool_calls": [{"index": 0, "id": "call_1", "function": {"name": "grep_search", "arguments": "{\"pat"}}]}}]}`,
		`data: {"choices": [{"delta": {"tool_calls": [{"index": 0, "function": {"arguments": "tern\": \"foo\"}"}}]}}]}`,
		`data: {"choices": [{"delta": {}, "finish_reason": "tool_calls"}]}`,
		`data: [DONE]`,
		``,
	}, "\n\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(stream))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("key", WithOpenAIBaseURL(srv.URL))
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "search"}},
	}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "grep_search" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments["pattern"] != "foo" {
		t.Errorf("fragmented arguments not reassembled: %#v", tc.Arguments)
	}
}

func TestOpenAI_CompatibleProviderName(t *testing.T) {
	p := NewOpenAIProvider("key",
		WithOpenAIBaseURL("http://localhost:9999/v1"),
		WithOpenAIProviderName("deepseek"),
	)
	if p.Name() != "deepseek" {
		t.Errorf("name = %q", p.Name())
	}
}
