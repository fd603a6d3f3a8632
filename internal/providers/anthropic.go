package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/waddleai/waddleai/pkg/models"
)

const (
	defaultAnthropicEndpoint = "https://api.anthropic.com"
	anthropicVersion         = "2023-06-01"
	anthropicDefaultMaxTok   = 1000
)

var anthropicContextLengths = map[string]int{
	"claude-3-opus-20240229":   200000,
	"claude-3-sonnet-20240229": 200000,
	"claude-3-haiku-20240307":  200000,
}

type anthropicConnector struct {
	link   models.ConnectionLink
	client *http.Client
}

func (c *anthropicConnector) Name() string                { return c.link.Name }
func (c *anthropicConnector) Kind() models.ProviderKind   { return models.ProviderAnthropic }
func (c *anthropicConnector) Link() models.ConnectionLink { return c.link }

func (c *anthropicConnector) endpoint() string {
	if c.link.Endpoint != "" {
		return c.link.Endpoint
	}
	return defaultAnthropicEndpoint
}

type anthropicRequest struct {
	Model     string               `json:"model"`
	System    string               `json:"system,omitempty"`
	Messages  []models.ChatMessage `json:"messages"`
	MaxTokens int                  `json:"max_tokens"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (c *anthropicConnector) Chat(ctx context.Context, req *models.ChatRequest) (*ChatResult, error) {
	// Anthropic takes the system prompt out of band.
	var system string
	var turns []models.ChatMessage
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		turns = append(turns, m)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTok
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     req.Model,
		System:    system,
		Messages:  turns,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint()+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.link.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var resp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	var content string
	for _, part := range resp.Content {
		if part.Type == "text" {
			content += part.Text
		}
	}

	result := &ChatResult{
		ID:           resp.ID,
		Content:      content,
		FinishReason: resp.StopReason,
	}
	result.Usage = models.TokenUsage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		Model:        req.Model,
		Provider:     models.ProviderAnthropic,
		Link:         c.link.Name,
		FinishReason: resp.StopReason,
		Reported:     resp.Usage.InputTokens+resp.Usage.OutputTokens > 0,
	}
	if !result.Usage.Reported {
		result.Usage.InputTokens = estimateTokens(system + " " + joinedPrompt(turns))
		result.Usage.OutputTokens = estimateTokens(content)
		result.Usage.TotalTokens = result.Usage.InputTokens + result.Usage.OutputTokens
	}
	return result, nil
}

func (c *anthropicConnector) CountTokens(text, model string) int64 {
	return estimateTokens(text)
}

// ListModels synthesizes descriptors from the configured model list since
// the upstream has no models endpoint.
func (c *anthropicConnector) ListModels(ctx context.Context) ([]models.ModelDescriptor, error) {
	now := time.Now().Unix()
	out := make([]models.ModelDescriptor, 0, len(c.link.ModelList))
	for _, id := range c.link.ModelList {
		ctxLen := anthropicContextLengths[id]
		if ctxLen == 0 {
			ctxLen = 100000
		}
		out = append(out, models.ModelDescriptor{
			ID:            id,
			Object:        "model",
			Created:       now,
			OwnedBy:       "anthropic",
			Provider:      models.ProviderAnthropic,
			ContextLength: ctxLen,
		})
	}
	return out, nil
}

// HealthCheck sends a one-token probe message.
func (c *anthropicConnector) HealthCheck(ctx context.Context) error {
	model := "claude-3-haiku-20240307"
	if len(c.link.ModelList) > 0 {
		model = c.link.ModelList[0]
	}
	body, _ := json.Marshal(anthropicRequest{
		Model:     model,
		Messages:  []models.ChatMessage{{Role: "user", Content: "hi"}},
		MaxTokens: 1,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint()+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.link.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("anthropic: health check: status %d", httpResp.StatusCode)
	}
	return nil
}
