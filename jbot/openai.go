package jbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

var ErrEmptyCompletion = errors.New("no completion content returned")

// OpenAIClient is the subset of [openai.Client] used by the bot, so
// tests can swap in a mock.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// OpenAI wraps the chat completion endpoint.
type OpenAI struct {
	client OpenAIClient
	config *OpenAIConfig
	logger *slog.Logger
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	o := &OpenAI{
		config: config,
		logger: newLogger(config.LogLevel, "openai"),
	}

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)
	return o
}

// Complete sends a text prompt and returns the response text
func (o *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	messages := o.withSystemPrompt(
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		},
	)
	return o.createChatCompletion(ctx, o.config.Model, messages)
}

// CompleteImage sends an image, along with a text prompt, to the vision
// model and returns the response text.
func (o *OpenAI) CompleteImage(
	ctx context.Context,
	imageURL string,
	prompt string,
) (string, error) {
	if prompt == "" {
		prompt = DefaultImagePrompt
	}
	messages := o.withSystemPrompt(
		openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{
					Type: openai.ChatMessagePartTypeText,
					Text: prompt,
				},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    imageURL,
						Detail: openai.ImageURLDetailAuto,
					},
				},
			},
		},
	)
	return o.createChatCompletion(ctx, o.config.VisionModel, messages)
}

func (o *OpenAI) withSystemPrompt(
	msg openai.ChatCompletionMessage,
) []openai.ChatCompletionMessage {
	if o.config.SystemPrompt == "" {
		return []openai.ChatCompletionMessage{msg}
	}
	return []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.config.SystemPrompt,
		},
		msg,
	}
}

func (o *OpenAI) createChatCompletion(
	ctx context.Context,
	model string,
	messages []openai.ChatCompletionMessage,
) (string, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = o.logger
	}
	logger = logger.With("model", model)

	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: o.config.MaxTokens,
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		logger.ErrorContext(ctx, "chat completion failed", tint.Err(err), "duration", elapsed)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	logger.InfoContext(
		ctx,
		"chat completion finished",
		"duration", elapsed,
		slog.Group(
			"usage",
			"prompt_tokens", resp.Usage.PromptTokens,
			"completion_tokens", resp.Usage.CompletionTokens,
			"total_tokens", resp.Usage.TotalTokens,
		),
	)

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}
