package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/waddleai/waddleai/pkg/models"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1"

// openAIContextLengths are the known context windows; unlisted models get
// the conservative default.
var openAIContextLengths = map[string]int{
	"gpt-4":             8192,
	"gpt-4-32k":         32768,
	"gpt-3.5-turbo":     4096,
	"gpt-3.5-turbo-16k": 16384,
}

type openAIConnector struct {
	link   models.ConnectionLink
	client *http.Client
}

func (c *openAIConnector) Name() string                { return c.link.Name }
func (c *openAIConnector) Kind() models.ProviderKind   { return models.ProviderOpenAI }
func (c *openAIConnector) Link() models.ConnectionLink { return c.link }

func (c *openAIConnector) endpoint() string {
	if c.link.Endpoint != "" {
		return c.link.Endpoint
	}
	return defaultOpenAIEndpoint
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (c *openAIConnector) Chat(ctx context.Context, req *models.ChatRequest) (*ChatResult, error) {
	body, err := json.Marshal(chatPayload(req, req.Model))
	if err != nil {
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint()+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.link.APIKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("openai: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var resp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}

	result := &ChatResult{ID: resp.ID}
	if len(resp.Choices) > 0 {
		result.Content = resp.Choices[0].Message.Content
		result.FinishReason = resp.Choices[0].FinishReason
	}
	result.Usage = models.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
		Model:        req.Model,
		Provider:     models.ProviderOpenAI,
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

func (c *openAIConnector) CountTokens(text, model string) int64 {
	return estimateTokens(text)
}

type openAIModelList struct {
	Data []struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

func (c *openAIConnector) ListModels(ctx context.Context) ([]models.ModelDescriptor, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint()+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.link.APIKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: list models: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai: list models: status %d", httpResp.StatusCode)
	}

	var list openAIModelList
	if err := json.NewDecoder(httpResp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("openai: decode model list: %w", err)
	}

	var out []models.ModelDescriptor
	for _, m := range list.Data {
		if !c.link.ServesModel(m.ID) {
			continue
		}
		ctxLen := openAIContextLengths[m.ID]
		if ctxLen == 0 {
			ctxLen = 4096
		}
		out = append(out, models.ModelDescriptor{
			ID:            m.ID,
			Object:        "model",
			Created:       m.Created,
			OwnedBy:       m.OwnedBy,
			Provider:      models.ProviderOpenAI,
			ContextLength: ctxLen,
		})
	}
	return out, nil
}

func (c *openAIConnector) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint()+"/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.link.APIKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai: health check: status %d", httpResp.StatusCode)
	}
	return nil
}
