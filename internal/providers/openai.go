package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAIModel = "gpt-4o"
	openAIAPIBase      = "https://api.openai.com/v1"
)

// OpenAIProvider implements Provider against the OpenAI chat-completions
// API. Any OpenAI-compatible endpoint works via WithOpenAIBaseURL.
type OpenAIProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	providerName string
	client       *http.Client
	retryConfig  RetryConfig
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:       apiKey,
		baseURL:      openAIAPIBase,
		defaultModel: defaultOpenAIModel,
		providerName: "openai",
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type OpenAIOption func(*OpenAIProvider)

func WithOpenAIModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) { p.defaultModel = model }
}

func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithOpenAIProviderName relabels the provider for compatible endpoints.
func WithOpenAIProviderName(name string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if name != "" {
			p.providerName = name
		}
	}
}

func (p *OpenAIProvider) Name() string         { return p.providerName }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildRequestBody(req, false)

	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp openAIResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", p.providerName, err)
		}
		return p.parseResponse(&resp)
	})
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := p.buildRequestBody(req, true)

	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &ChatResponse{FinishReason: "stop"}
	// tool call accumulation keyed by stream index
	type partialCall struct {
		id   string
		name string
		args string
	}
	partials := make(map[int]*partialCall)
	maxIdx := -1

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var ev openAIStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil || len(ev.Choices) == 0 {
			continue
		}
		choice := ev.Choices[0]

		if choice.Delta.Content != "" {
			result.Content += choice.Delta.Content
			if onChunk != nil {
				onChunk(StreamChunk{Content: choice.Delta.Content})
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			pc, ok := partials[tc.Index]
			if !ok {
				pc = &partialCall{}
				partials[tc.Index] = pc
				if tc.Index > maxIdx {
					maxIdx = tc.Index
				}
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			result.FinishReason = normalizeFinishReason(choice.FinishReason)
		}
		if ev.Usage != nil {
			result.Usage = &Usage{
				PromptTokens:     ev.Usage.PromptTokens,
				CompletionTokens: ev.Usage.CompletionTokens,
				TotalTokens:      ev.Usage.TotalTokens,
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: read stream: %w", p.providerName, err)
	}

	for i := 0; i <= maxIdx; i++ {
		pc, ok := partials[i]
		if !ok {
			continue
		}
		args := make(map[string]any)
		if pc.args != "" {
			_ = json.Unmarshal([]byte(pc.args), &args)
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{ID: pc.id, Name: pc.name, Arguments: args})
	}
	if len(result.ToolCalls) > 0 && result.FinishReason == "stop" {
		result.FinishReason = "tool_calls"
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

func (p *OpenAIProvider) buildRequestBody(req ChatRequest, stream bool) map[string]any {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var messages []map[string]any
	for _, msg := range req.Messages {
		entry := map[string]any{"role": msg.Role, "content": msg.Content}
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			var calls []map[string]any
			for _, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(args),
					},
				})
			}
			entry["tool_calls"] = calls
		}
		if msg.Role == "tool" {
			entry["tool_call_id"] = msg.ToolCallID
		}
		messages = append(messages, entry)
	}

	body := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Function.Name,
					"description": t.Function.Description,
					"parameters":  t.Function.Parameters,
				},
			})
		}
		body["tools"] = tools
	}
	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}
	return body
}

func (p *OpenAIProvider) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.providerName, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.providerName, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.providerName, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.providerName, string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (p *OpenAIProvider) parseResponse(resp *openAIResponse) (*ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty choices", p.providerName)
	}
	choice := resp.Choices[0]

	result := &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: normalizeFinishReason(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		args := make(map[string]any)
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	if resp.Usage != nil {
		result.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return "tool_calls"
	case "length":
		return "length"
	default:
		return "stop"
	}
}

// --- OpenAI API types (internal) ---

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
