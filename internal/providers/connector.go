// Package providers implements the upstream LLM connectors (OpenAI,
// Anthropic, Ollama) and the registry that materializes them from the
// configured connection links.
package providers

import (
	"context"
	"net/http"
	"time"

	"github.com/waddleai/waddleai/pkg/models"
)

// ChatResult is one completed upstream exchange.
type ChatResult struct {
	ID           string
	Content      string
	FinishReason string
	Usage        models.TokenUsage
}

// Connector is one configured route to an upstream backend. Implementations
// are safe for concurrent use.
type Connector interface {
	// Name is the connection link name, unique per registry.
	Name() string
	Kind() models.ProviderKind
	Link() models.ConnectionLink

	// Chat sends one completion request upstream and returns the content
	// plus token usage. Usage.Reported marks counts that came from the
	// upstream rather than the local estimator.
	Chat(ctx context.Context, req *models.ChatRequest) (*ChatResult, error)

	// CountTokens approximates the raw token count of text for this
	// backend's models.
	CountTokens(text, model string) int64

	// ListModels returns the models this link advertises.
	ListModels(ctx context.Context) ([]models.ModelDescriptor, error)

	// HealthCheck verifies the upstream is reachable.
	HealthCheck(ctx context.Context) error
}

// httpTimeout bounds a single upstream completion call.
const httpTimeout = 120 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

// New builds the connector for a link. Unknown provider kinds get the
// OpenAI-compatible treatment, which is what most self-hosted gateways
// speak.
func New(link models.ConnectionLink, client *http.Client) Connector {
	if client == nil {
		client = newHTTPClient()
	}
	switch link.Provider {
	case models.ProviderAnthropic:
		return &anthropicConnector{link: link, client: client}
	case models.ProviderOllama:
		return &ollamaConnector{link: link, client: client}
	default:
		return &openAIConnector{link: link, client: client}
	}
}

// estimateTokens is the shared four-chars-per-token fallback, rounded up.
func estimateTokens(text string) int64 {
	return int64((len(text) + 3) / 4)
}

// chatPayload builds the OpenAI-style request body, layering the typed
// fields over any unknown passthrough fields so upstream extensions keep
// working.
func chatPayload(req *models.ChatRequest, model string) map[string]any {
	body := make(map[string]any, len(req.Extra)+4)
	for k, v := range req.Extra {
		body[k] = v
	}
	body["model"] = model
	body["messages"] = req.Messages
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	delete(body, "stream")
	return body
}

// joinedPrompt concatenates message contents for estimation.
func joinedPrompt(msgs []models.ChatMessage) string {
	var b []byte
	for _, m := range msgs {
		if len(b) > 0 {
			b = append(b, ' ')
		}
		b = append(b, m.Content...)
	}
	return string(b)
}
