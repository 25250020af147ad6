package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/unichat-go/internal/history"
)

const (
	classifierTemperature = 0.1
	classifierContextSize = 3
)

// ErrNoLabel is returned when the classifier answer names no known intent.
var ErrNoLabel = errors.New("classifier answer contains no known intent")

const classificationTemplate = `Analyze this user prompt and determine which type of AI service would be most suitable:

Previous conversation context:
%s

User prompt: "%s"

Classify as exactly ONE of:
- "image": For image generation or modification requests (DALL-E)
- "search": For real time questions that benefit from web search capability
- "mini": For simple greetings, acknowledgments, or very brief interactions
- "chat": For standard conversational AI interactions

Return only the classification word, nothing else.`

// Classifier maps a user utterance to an Intent with one call to a
// text-generation model.
type Classifier struct {
	client  Client
	model   string
	timeout time.Duration
}

// NewClassifier creates a classifier calling model through client. A
// non-positive timeout leaves the call bounded only by the caller's context.
func NewClassifier(client Client, model string, timeout time.Duration) *Classifier {
	return &Classifier{client: client, model: model, timeout: timeout}
}

// Classify asks the model for the intent of prompt given the conversation so
// far; only the last three messages of recent are shown to the model.
//
// On any failure it returns IntentChat together with the error, leaving the
// decision to apply that default to the caller. It never retries.
func (c *Classifier) Classify(ctx context.Context, prompt string, recent []history.Message) (Intent, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: classifierTemperature,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: ClassificationPrompt(prompt, recent),
		}},
	})
	if err != nil {
		return IntentChat, fmt.Errorf("classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return IntentChat, fmt.Errorf("classify: empty choices")
	}

	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	intent, ok := matchIntent(answer)
	if !ok {
		return IntentChat, fmt.Errorf("classify %q: %w", answer, ErrNoLabel)
	}
	return intent, nil
}

// ClassificationPrompt builds the instruction sent to the classifier model.
func ClassificationPrompt(prompt string, recent []history.Message) string {
	if len(recent) > classifierContextSize {
		recent = recent[len(recent)-classifierContextSize:]
	}
	lines := make([]string, len(recent))
	for i, m := range recent {
		lines[i] = fmt.Sprintf("%s: %s", m.Role, m.Content)
	}
	return fmt.Sprintf(classificationTemplate, strings.Join(lines, "\n"), prompt)
}
