package llm

import (
	"context"
	"sync"

	"github.com/sashabaranov/go-openai"
)

type mockLLM struct {
	mu        sync.Mutex
	chatReqs  []openai.ChatCompletionRequest
	imageReqs []openai.ImageRequest
	deadlines []bool

	chatResp  openai.ChatCompletionResponse
	chatErr   error
	imageResp openai.ImageResponse
	imageErr  error
}

func textResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
	}
}

func (m *mockLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := ctx.Deadline()
	m.deadlines = append(m.deadlines, ok)
	m.chatReqs = append(m.chatReqs, r)
	return m.chatResp, m.chatErr
}

func (m *mockLLM) CreateImage(ctx context.Context, r openai.ImageRequest) (openai.ImageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := ctx.Deadline()
	m.deadlines = append(m.deadlines, ok)
	m.imageReqs = append(m.imageReqs, r)
	return m.imageResp, m.imageErr
}
