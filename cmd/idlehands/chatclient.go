package main

import (
	"context"
	"fmt"

	"github.com/haasonsaas/idlehands/internal/chatclient"
	"github.com/haasonsaas/idlehands/internal/config"
)

// chatClient adapts the internal/chatclient.Client to the model parameters
// carried in the session config, so callers don't thread them through every
// call site.
type chatClient struct {
	raw   *chatclient.Client
	model string
	cfg   config.ModelConfig
}

func newChatClient(cfg *config.Config, model string) *chatClient {
	apiKey := apiKeyFromEnv()
	baseURL := baseURLFromEnv()
	return &chatClient{
		raw:   chatclient.New(chatclient.Options{BaseURL: baseURL, APIKey: apiKey}),
		model: model,
		cfg:   cfg.Model,
	}
}

// completeOnce runs a single tool-less chat turn, for the sub-agent path and
// for any caller that just wants plain text back.
func (c *chatClient) completeOnce(ctx context.Context, prompt string) (string, error) {
	resp, err := c.raw.Chat(ctx, chatclient.ChatRequest{
		Model:       c.model,
		Messages:    []chatclient.Message{{Role: "user", Content: prompt}},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// turn runs one full-context chat turn, offering the given tools.
func (c *chatClient) turn(ctx context.Context, messages []chatclient.Message, tools []toolWireDef) (*chatclient.ChatResponse, error) {
	wireTools := make([]chatclient.Tool, 0, len(tools))
	for _, t := range tools {
		wireTools = append(wireTools, chatclient.Tool{
			Type: "function",
			Function: chatclient.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	return c.raw.Chat(ctx, chatclient.ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Tools:       wireTools,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
	})
}

func apiKeyFromEnv() string {
	for _, name := range []string{"IDLEHANDS_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY"} {
		if v := envOrEmpty(name); v != "" {
			return v
		}
	}
	return ""
}

func baseURLFromEnv() string {
	return envOrEmpty("IDLEHANDS_BASE_URL")
}
