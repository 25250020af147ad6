package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/unichat-go/internal/apperr"
	"github.com/comigor/unichat-go/internal/config"
	"github.com/comigor/unichat-go/internal/history"
)

// ImageOptions are the generation parameters passed to the image model.
type ImageOptions struct {
	Size    string
	Quality string
	Style   string
}

// DefaultImageOptions returns the configured image generation parameters.
func DefaultImageOptions(cfg config.ImageConfig) ImageOptions {
	return ImageOptions{Size: cfg.Size, Quality: cfg.Quality, Style: cfg.Style}
}

// Dispatcher resolves intents to models and calls them.
type Dispatcher struct {
	client       Client
	models       config.ModelsConfig
	textTimeout  time.Duration
	imageTimeout time.Duration
}

// NewDispatcher creates a dispatcher over client using the model table and
// the per-call timeouts from the configuration.
func NewDispatcher(client Client, models config.ModelsConfig, llmCfg config.LLMConfig) *Dispatcher {
	return &Dispatcher{
		client:       client,
		models:       models,
		textTimeout:  llmCfg.TextTimeout,
		imageTimeout: llmCfg.ImageTimeout,
	}
}

// SelectModel returns override when set, otherwise the model configured for
// intent.
func (d *Dispatcher) SelectModel(intent Intent, override string) string {
	if override != "" {
		return override
	}
	switch intent {
	case IntentImage:
		return d.models.Image
	case IntentSearch:
		return d.models.Search
	case IntentMini:
		return d.models.Mini
	case IntentChat:
		return d.models.Chat
	}
	panic(fmt.Sprintf("llm: invalid intent %d", int(intent)))
}

// InvokeText runs a chat completion over messages and returns the assistant
// text. Failures are reported as external service errors.
func (d *Dispatcher) InvokeText(ctx context.Context, model string, messages []history.Message, temperature float32, maxTokens int) (string, error) {
	ctx, cancel := withTimeout(ctx, d.textTimeout)
	defer cancel()

	resp, err := d.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    ProviderMessages(messages),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", apperr.NewExternalServiceError("AI model", err)
	}
	if len(resp.Choices) == 0 {
		return "", apperr.NewExternalServiceError("AI model", errors.New("empty choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

// InvokeImage generates one image for prompt and returns it base64 encoded.
// Failures are reported as external service errors carrying the upstream
// error text.
func (d *Dispatcher) InvokeImage(ctx context.Context, prompt string, opts ImageOptions) (string, error) {
	ctx, cancel := withTimeout(ctx, d.imageTimeout)
	defer cancel()

	resp, err := d.client.CreateImage(ctx, openai.ImageRequest{
		Model:          d.models.Image,
		Prompt:         prompt,
		N:              1,
		Size:           opts.Size,
		Quality:        opts.Quality,
		Style:          opts.Style,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return "", apperr.NewExternalServiceError("image generation", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return "", apperr.NewExternalServiceError("image generation", errors.New("no image data in response"))
	}
	return resp.Data[0].B64JSON, nil
}

// ProviderMessages converts conversation messages to the provider format.
// System, user and assistant map one-to-one; any other role is dropped.
func ProviderMessages(messages []history.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		var role string
		switch m.Role {
		case history.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case history.RoleUser:
			role = openai.ChatMessageRoleUser
		case history.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		default:
			continue
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
