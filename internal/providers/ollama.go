package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/waddleai/waddleai/pkg/models"
)

const (
	defaultOllamaEndpoint = "http://localhost:11434"
	// Model pulls download gigabytes; they get their own generous timeout.
	ollamaPullTimeout = 30 * time.Minute
)

type ollamaConnector struct {
	link   models.ConnectionLink
	client *http.Client
}

func (c *ollamaConnector) Name() string                { return c.link.Name }
func (c *ollamaConnector) Kind() models.ProviderKind   { return models.ProviderOllama }
func (c *ollamaConnector) Link() models.ConnectionLink { return c.link }

func (c *ollamaConnector) endpoint() string {
	if c.link.Endpoint != "" {
		return c.link.Endpoint
	}
	return defaultOllamaEndpoint
}

// Chat uses Ollama's OpenAI-compatible endpoint. Usage fields are usually
// absent, so counts fall back to the local estimator.
func (c *ollamaConnector) Chat(ctx context.Context, req *models.ChatRequest) (*ChatResult, error) {
	body, err := json.Marshal(chatPayload(req, req.Model))
	if err != nil {
		return nil, fmt.Errorf("ollama: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint()+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("ollama: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var resp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}

	result := &ChatResult{ID: resp.ID}
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if len(resp.Choices) > 0 {
		result.Content = resp.Choices[0].Message.Content
		result.FinishReason = resp.Choices[0].FinishReason
	}
	result.Usage = models.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
		Model:        req.Model,
		Provider:     models.ProviderOllama,
		Link:         c.link.Name,
		FinishReason: result.FinishReason,
		Reported:     resp.Usage.TotalTokens > 0,
	}
	if !result.Usage.Reported {
		result.Usage.InputTokens = estimateTokens(joinedPrompt(req.Messages))
		result.Usage.OutputTokens = estimateTokens(result.Content)
		result.Usage.TotalTokens = result.Usage.InputTokens + result.Usage.OutputTokens
	}
	return result, nil
}

func (c *ollamaConnector) CountTokens(text, model string) int64 {
	return estimateTokens(text)
}

type ollamaTags struct {
	Models []struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	} `json:"models"`
}

func (c *ollamaConnector) ListModels(ctx context.Context) ([]models.ModelDescriptor, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint()+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: list models: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: list models: status %d", httpResp.StatusCode)
	}

	var tags ollamaTags
	if err := json.NewDecoder(httpResp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("ollama: decode tags: %w", err)
	}

	now := time.Now().Unix()
	out := make([]models.ModelDescriptor, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, models.ModelDescriptor{
			ID:            m.Name,
			Object:        "model",
			Created:       now,
			OwnedBy:       "ollama",
			Provider:      models.ProviderOllama,
			ContextLength: 4096,
		})
	}
	return out, nil
}

func (c *ollamaConnector) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint()+"/api/tags", nil)
	if err != nil {
		return err
	}
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama: health check: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: health check: status %d", httpResp.StatusCode)
	}
	return nil
}

type ollamaModelOp struct {
	Name string `json:"name"`
}

// PullModel downloads a model onto the Ollama host.
func (c *ollamaConnector) PullModel(ctx context.Context, model string) error {
	ctx, cancel := context.WithTimeout(ctx, ollamaPullTimeout)
	defer cancel()

	body, _ := json.Marshal(ollamaModelOp{Name: model})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint()+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama: pull %s: %w", model, err)
	}
	defer httpResp.Body.Close()
	// The pull endpoint streams progress lines; drain them.
	_, _ = io.Copy(io.Discard, httpResp.Body)
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: pull %s: status %d", model, httpResp.StatusCode)
	}
	return nil
}

// RemoveModel deletes a model from the Ollama host.
func (c *ollamaConnector) RemoveModel(ctx context.Context, model string) error {
	body, _ := json.Marshal(ollamaModelOp{Name: model})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint()+"/api/delete", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama: remove %s: %w", model, err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: remove %s: status %d", model, httpResp.StatusCode)
	}
	return nil
}

// ModelManager is implemented by connectors that can install and remove
// models on their backend.
type ModelManager interface {
	PullModel(ctx context.Context, model string) error
	RemoveModel(ctx context.Context, model string) error
}
