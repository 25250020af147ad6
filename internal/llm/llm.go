package llm

import (
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/unichat-go/internal/config"
)

// NewClient creates the provider client used for both chat and image calls.
// BaseURL points it at any OpenAI-compatible endpoint.
func NewClient(cfg config.LLMConfig) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(clientCfg)
}
