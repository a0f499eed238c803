package jbot

import (
	"context"
	"errors"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockOpenAIClient implements OpenAIClient, recording each request and
// replying with a canned response
type mockOpenAIClient struct {
	// reply is used as the content of every successful completion
	reply string

	// err, if set, is returned instead of a completion
	err error

	requests []openai.ChatCompletionRequest
	mu       sync.Mutex
}

func newMockOpenAIClient(reply string) *mockOpenAIClient {
	return &mockOpenAIClient{reply: reply}
}

func (m *mockOpenAIClient) CreateChatCompletion(
	_ context.Context,
	req openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	return openai.ChatCompletionResponse{
		ID:    "chatcmpl-test",
		Model: req.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: m.reply,
				},
				FinishReason: openai.FinishReasonStop,
			},
		},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (m *mockOpenAIClient) calls() []openai.ChatCompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]openai.ChatCompletionRequest{}, m.requests...)
}

func newTestOpenAI(t testing.TB, client OpenAIClient) *OpenAI {
	t.Helper()
	cfg := newTestConfig()
	o := newOpenAI(cfg.OpenAI, nil)
	o.client = client
	return o
}

func TestOpenAI_Complete(t *testing.T) {
	client := newMockOpenAIClient("42")
	o := newTestOpenAI(t, client)

	reply, err := o.Complete(context.Background(), "what is the answer?")
	require.NoError(t, err)
	assert.Equal(t, "42", reply)

	calls := client.calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, o.config.Model, req.Model)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[0].Role)
	assert.Equal(t, "what is the answer?", req.Messages[0].Content)
}

func TestOpenAI_CompleteSystemPrompt(t *testing.T) {
	client := newMockOpenAIClient("ok")
	o := newTestOpenAI(t, client)
	o.config.SystemPrompt = "You are terse."
	o.config.MaxTokens = 256

	_, err := o.Complete(context.Background(), "hi")
	require.NoError(t, err)

	req := client.calls()[0]
	assert.Equal(t, 256, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "You are terse.", req.Messages[0].Content)
	assert.Equal(t, "hi", req.Messages[1].Content)
}

func TestOpenAI_CompleteImage(t *testing.T) {
	client := newMockOpenAIClient("a cat")
	o := newTestOpenAI(t, client)
	o.config.VisionModel = "vision-test"

	imageURL := "https://cdn.example.com/cat.png"
	reply, err := o.CompleteImage(context.Background(), imageURL, "")
	require.NoError(t, err)
	assert.Equal(t, "a cat", reply)

	req := client.calls()[0]
	assert.Equal(t, "vision-test", req.Model)
	require.Len(t, req.Messages, 1)
	msg := req.Messages[0]
	assert.Empty(t, msg.Content)
	require.Len(t, msg.MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, msg.MultiContent[0].Type)
	assert.Equal(t, DefaultImagePrompt, msg.MultiContent[0].Text)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, msg.MultiContent[1].Type)
	require.NotNil(t, msg.MultiContent[1].ImageURL)
	assert.Equal(t, imageURL, msg.MultiContent[1].ImageURL.URL)

	_, err = o.CompleteImage(context.Background(), imageURL, "what breed?")
	require.NoError(t, err)
	assert.Equal(t, "what breed?", client.calls()[1].Messages[0].MultiContent[0].Text)
}

func TestOpenAI_CompleteError(t *testing.T) {
	client := newMockOpenAIClient("")
	client.err = errors.New("rate limited")
	o := newTestOpenAI(t, client)

	reply, err := o.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, client.err)
	assert.Contains(t, err.Error(), "chat completion failed")
	assert.Empty(t, reply)
}

func TestOpenAI_CompleteEmpty(t *testing.T) {
	client := newMockOpenAIClient("")
	o := newTestOpenAI(t, client)

	_, err := o.Complete(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}
