package agent

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/unichat-go/internal/config"
	"github.com/comigor/unichat-go/internal/history"
	"github.com/comigor/unichat-go/internal/imagectx"
	"github.com/comigor/unichat-go/internal/imagestore"
)

var testCfg = config.Config{
	LLM: config.LLMConfig{
		ClassifierTimeout: time.Second,
		TextTimeout:       time.Second,
		ImageTimeout:      time.Second,
	},
	Models: config.ModelsConfig{
		Chat:       "chat-model",
		Search:     "search-model",
		Mini:       "mini-model",
		Image:      "image-model",
		Classifier: "classifier-model",
	},
	Image: config.ImageConfig{Dir: "images", Size: "1024x1024", Quality: "standard", Style: "vivid"},
}

// mockLLM answers classifier calls with classifyAs and every other chat call
// with reply, unless the corresponding func is set.
type mockLLM struct {
	mu         sync.Mutex
	classifyAs string
	reply      string
	chatFunc   func(r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	imageFunc  func(r openai.ImageRequest) (openai.ImageResponse, error)

	chatReqs  []openai.ChatCompletionRequest
	imageReqs []openai.ImageRequest
}

func textResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
	}
}

func (m *mockLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	m.chatReqs = append(m.chatReqs, r)
	m.mu.Unlock()
	if m.chatFunc != nil {
		return m.chatFunc(r)
	}
	if r.Model == testCfg.Models.Classifier {
		return textResponse(m.classifyAs), nil
	}
	return textResponse(m.reply), nil
}

func (m *mockLLM) CreateImage(ctx context.Context, r openai.ImageRequest) (openai.ImageResponse, error) {
	m.mu.Lock()
	m.imageReqs = append(m.imageReqs, r)
	m.mu.Unlock()
	if m.imageFunc != nil {
		return m.imageFunc(r)
	}
	b64 := base64.StdEncoding.EncodeToString([]byte("png:" + r.Prompt))
	return openai.ImageResponse{Data: []openai.ImageResponseDataInner{{B64JSON: b64}}}, nil
}

func (m *mockLLM) textRequests() []openai.ChatCompletionRequest {
	var out []openai.ChatCompletionRequest
	for _, r := range m.chatReqs {
		if r.Model != testCfg.Models.Classifier {
			out = append(out, r)
		}
	}
	return out
}

type testEnv struct {
	agent *Agent
	store *history.Store
	files *imagestore.Store
	fs    afero.Fs
}

func newTestEnv(t *testing.T, m *mockLLM) *testEnv {
	t.Helper()
	store, err := history.Open(config.DatabaseConfig{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "agent.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fs := afero.NewMemMapFs()
	files, err := imagestore.New(fs, testCfg.Image.Dir)
	require.NoError(t, err)

	return &testEnv{agent: New(m, store, files, testCfg), store: store, files: files, fs: fs}
}

func userMsg(content string) history.Message {
	return history.Message{Role: history.RoleUser, Content: content}
}

func imageID(t *testing.T, msg history.Message) string {
	t.Helper()
	require.NotNil(t, msg.ImageURL)
	require.True(t, strings.HasPrefix(*msg.ImageURL, "/images/"))
	return strings.TrimSuffix(strings.TrimPrefix(*msg.ImageURL, "/images/"), ".png")
}

// TestProcess_ForcedMini covers a fresh conversation with a forced intent: no
// classifier call, the mini model answers and both turns are stored.
func TestProcess_ForcedMini(t *testing.T) {
	m := &mockLLM{reply: "Hi there!"}
	env := newTestEnv(t, m)

	resp, err := env.agent.Process(context.Background(), Request{
		Messages:  []history.Message{userMsg("Hello")},
		UserID:    "alice",
		ForceType: "mini",
	})
	require.NoError(t, err)
	require.Equal(t, "mini-model", resp.ModelUsed)
	require.NotEmpty(t, resp.ConversationID)
	require.Equal(t, history.RoleAssistant, resp.Message.Role)
	require.Equal(t, "Hi there!", resp.Message.Content)
	require.Equal(t, history.ContentText, resp.Message.ContentType)

	require.Len(t, m.chatReqs, 1)
	require.Equal(t, "mini-model", m.chatReqs[0].Model)
	require.InDelta(t, DefaultTemperature, m.chatReqs[0].Temperature, 1e-6)

	conv, err := env.store.GetConversation(context.Background(), resp.ConversationID)
	require.NoError(t, err)
	require.Equal(t, "alice", conv.UserID)
	require.Equal(t, "Hello", conv.Title)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, history.RoleUser, conv.Messages[0].Role)
	require.Equal(t, history.ContentText, conv.Messages[0].ContentType)
	require.Equal(t, history.RoleAssistant, conv.Messages[1].Role)
}

func TestProcess_ClassifiedText(t *testing.T) {
	m := &mockLLM{classifyAs: "search", reply: "It is sunny."}
	env := newTestEnv(t, m)
	temp := float32(0.2)

	resp, err := env.agent.Process(context.Background(), Request{
		Messages:    []history.Message{userMsg("Weather in Paris today?")},
		UserID:      "alice",
		Temperature: &temp,
		MaxTokens:   100,
	})
	require.NoError(t, err)
	require.Equal(t, "search-model", resp.ModelUsed)

	text := m.textRequests()
	require.Len(t, text, 1)
	require.InDelta(t, 0.2, text[0].Temperature, 1e-6)
	require.Equal(t, 100, text[0].MaxTokens)

	// follow-up in the same conversation: classifier sees stored turns, the
	// model sees stored and incoming turns once each
	m.classifyAs = "chat"
	resp2, err := env.agent.Process(context.Background(), Request{
		Messages: []history.Message{
			userMsg("Weather in Paris today?"),
			{Role: history.RoleAssistant, Content: "It is sunny."},
			userMsg("And tomorrow?"),
		},
		UserID:         "alice",
		ConversationID: resp.ConversationID,
		ModelOverride:  "custom-model",
	})
	require.NoError(t, err)
	require.Equal(t, "custom-model", resp2.ModelUsed)
	require.Equal(t, resp.ConversationID, resp2.ConversationID)

	classifier := m.chatReqs[len(m.chatReqs)-2]
	require.Equal(t, "classifier-model", classifier.Model)
	require.Contains(t, classifier.Messages[0].Content, "assistant: It is sunny.")

	text = m.textRequests()
	payload := text[len(text)-1].Messages
	require.Len(t, payload, 3)
	require.Equal(t, "And tomorrow?", payload[2].Content)

	conv, err := env.store.GetConversation(context.Background(), resp.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
}

func TestProcess_IdempotentResubmission(t *testing.T) {
	m := &mockLLM{reply: "Hello!"}
	env := newTestEnv(t, m)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, env.store.SaveConversation(ctx, &history.Conversation{
		ID:        "conv-1",
		UserID:    "alice",
		Messages:  []history.Message{userMsg("Hi")},
		CreatedAt: now,
		UpdatedAt: now,
	}))

	_, err := env.agent.Process(ctx, Request{
		Messages:       []history.Message{userMsg("Hi")},
		UserID:         "alice",
		ConversationID: "conv-1",
		ForceType:      "chat",
	})
	require.NoError(t, err)

	conv, err := env.store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, "Hi", conv.Messages[0].Content)
	require.Equal(t, "Hello!", conv.Messages[1].Content)

	payload := m.textRequests()[0].Messages
	require.Len(t, payload, 1)
}

func TestProcess_ImageRevisions(t *testing.T) {
	m := &mockLLM{classifyAs: "image"}
	env := newTestEnv(t, m)
	ctx := context.Background()

	first, err := env.agent.Process(ctx, Request{
		Messages: []history.Message{userMsg("A cat sitting on a red mat")},
		UserID:   "alice",
	})
	require.NoError(t, err)
	require.Equal(t, "image-model", first.ModelUsed)
	require.Equal(t, history.ContentImage, first.Message.ContentType)
	require.Equal(t, replyFresh, first.Message.Content)
	firstID := imageID(t, first.Message)
	require.True(t, env.files.Exists(firstID))
	require.Equal(t, "A cat sitting on a red mat", m.imageReqs[0].Prompt)

	ic := env.agent.ImageContext("alice")
	require.Equal(t, firstID, ic.LastImageID)
	require.Equal(t, 0, ic.RevisionCount)

	second, err := env.agent.Process(ctx, Request{
		Messages:       []history.Message{userMsg("make it blue")},
		UserID:         "alice",
		ConversationID: first.ConversationID,
	})
	require.NoError(t, err)
	require.Equal(t, replyModifiedSameConversation, second.Message.Content)
	require.Equal(t, imagectx.ModificationPrompt("A cat sitting on a red mat", "make it blue"), m.imageReqs[1].Prompt)

	ic = env.agent.ImageContext("alice")
	require.Equal(t, imageID(t, second.Message), ic.LastImageID)
	require.Equal(t, "A cat sitting on a red mat + make it blue", ic.LastPrompt)
	require.Equal(t, 1, ic.RevisionCount)

	third, err := env.agent.Process(ctx, Request{
		Messages: []history.Message{userMsg("Paint a sunset over the ocean please")},
		UserID:   "alice",
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ConversationID, third.ConversationID)
	require.Equal(t, replyFresh, third.Message.Content)
	require.Equal(t, 0, env.agent.ImageContext("alice").RevisionCount)

	fourth, err := env.agent.Process(ctx, Request{
		Messages:       []history.Message{userMsg("Draw a mountain landscape at dawn please")},
		UserID:         "alice",
		ConversationID: third.ConversationID,
	})
	require.NoError(t, err)
	require.Equal(t, replyFreshSameConversation, fourth.Message.Content)

	fifth, err := env.agent.Process(ctx, Request{
		Messages:       []history.Message{userMsg("try again")},
		UserID:         "alice",
		ConversationID: first.ConversationID,
	})
	require.NoError(t, err)
	require.Equal(t, replyModifiedSameConversation, fifth.Message.Content)

	sixth, err := env.agent.Process(ctx, Request{
		Messages: []history.Message{userMsg("another version")},
		UserID:   "alice",
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ConversationID, sixth.ConversationID)
	require.Equal(t, replyModifiedOtherConversation, sixth.Message.Content)

	ic = env.agent.ImageContext("alice")
	require.Len(t, ic.History, 6)
	require.Equal(t, 2, ic.RevisionCount)
	bobCtx := env.agent.ImageContext("bob")
	require.False(t, bobCtx.HasImage())

	conv, err := env.store.GetConversation(ctx, first.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 6)
	require.Equal(t, *second.Message.ImageURL, *conv.Messages[3].ImageURL)
}

func TestProcess_FirstImageInExistingConversation(t *testing.T) {
	m := &mockLLM{reply: "Sure."}
	env := newTestEnv(t, m)
	ctx := context.Background()

	chat, err := env.agent.Process(ctx, Request{
		Messages:  []history.Message{userMsg("Hello")},
		UserID:    "alice",
		ForceType: "chat",
	})
	require.NoError(t, err)

	img, err := env.agent.Process(ctx, Request{
		Messages:       []history.Message{userMsg("A cat sitting on a red mat")},
		UserID:         "alice",
		ConversationID: chat.ConversationID,
		ForceType:      "image",
	})
	require.NoError(t, err)
	require.Equal(t, replyFreshSameConversation, img.Message.Content)
	require.Equal(t, 0, env.agent.ImageContext("alice").RevisionCount)
}

func TestProcess_ModificationDemotedWhenImageMissing(t *testing.T) {
	m := &mockLLM{}
	env := newTestEnv(t, m)
	ctx := context.Background()

	first, err := env.agent.Process(ctx, Request{
		Messages:  []history.Message{userMsg("A cat sitting on a red mat")},
		UserID:    "alice",
		ForceType: "image",
	})
	require.NoError(t, err)
	require.NoError(t, env.files.Remove(imageID(t, first.Message)))

	second, err := env.agent.Process(ctx, Request{
		Messages:       []history.Message{userMsg("make it blue")},
		UserID:         "alice",
		ConversationID: first.ConversationID,
		ForceType:      "image",
	})
	require.NoError(t, err)
	require.Equal(t, replyFreshSameConversation, second.Message.Content)
	require.Equal(t, "make it blue", m.imageReqs[1].Prompt)

	ic := env.agent.ImageContext("alice")
	require.Equal(t, "make it blue", ic.LastPrompt)
	require.Equal(t, 0, ic.RevisionCount)
}

func TestProcess_ConcurrentImageRequests(t *testing.T) {
	m := &mockLLM{}
	env := newTestEnv(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.agent.Process(context.Background(), Request{
				Messages:  []history.Message{userMsg("another")},
				UserID:    "alice",
				ForceType: "image",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ic := env.agent.ImageContext("alice")
	require.Len(t, ic.History, 8)
	require.Equal(t, 7, ic.RevisionCount)
}

func TestMergeTurns(t *testing.T) {
	a := userMsg("a")
	b := history.Message{Role: history.RoleAssistant, Content: "b"}
	c := userMsg("c")

	cases := []struct {
		name     string
		stored   []history.Message
		incoming []history.Message
		want     []history.Message
	}{
		{"empty store", nil, []history.Message{a}, []history.Message{a}},
		{"full history resent", []history.Message{a, b}, []history.Message{a, b, c}, []history.Message{a, b, c}},
		{"only new turn", []history.Message{a, b}, []history.Message{c}, []history.Message{a, b, c}},
		{"resubmitted trailing turn", []history.Message{a, b, c}, []history.Message{c}, []history.Message{a, b, c}},
		{"unrelated batch", []history.Message{a, b}, []history.Message{b, a}, []history.Message{a, b, a}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, mergeTurns(tc.stored, tc.incoming))
		})
	}
}
