package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// webFetchMaxBody caps how much of a page is returned to the model.
const webFetchMaxBody = 64 * 1024

// WebFetchTool fetches a URL and returns its (truncated) body. Outbound
// requests are rate limited so a looping model cannot hammer a site.
type WebFetchTool struct {
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 3),
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Description() string {
	return "Fetch an http(s) URL and return up to 64KB of the response body."
}
func (t *WebFetchTool) Permissions() []Permission { return []Permission{PermNetwork} }

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "Absolute http or https URL"},
		},
		"required": []any{"url"},
	}
}

func (t *WebFetchTool) Run(ctx context.Context, _ *TaskContext, args map[string]any) (*Result, error) {
	raw := stringArg(args, "url")
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ErrorResult(fmt.Sprintf("invalid url: %s", raw)), nil
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("build request: %v", err)), nil
	}
	req.Header.Set("User-Agent", "OrbitX/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch %s: %v", raw, err)), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, webFetchMaxBody+1))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read body: %v", err)), nil
	}
	truncated := len(body) > webFetchMaxBody
	if truncated {
		body = body[:webFetchMaxBody]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP %d %s\n\n", resp.StatusCode, resp.Header.Get("Content-Type"))
	sb.Write(body)
	if truncated {
		sb.WriteString("\n... body truncated")
	}

	result := TextResult(sb.String())
	result.IsError = resp.StatusCode >= 400
	return result, nil
}
