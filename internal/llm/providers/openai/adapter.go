package openai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/danshapiro/refiner/internal/llm"
	"github.com/danshapiro/refiner/internal/providerspec"
)

type Adapter struct {
	Provider string
	APIKey   string
	// BaseURL includes the API version segment, e.g. https://api.openai.com/v1.
	BaseURL string

	client *goopenai.Client
}

func init() {
	llm.RegisterEnvAdapterFactory(func() (llm.ProviderAdapter, bool, error) {
		if !spec().HasCredential() {
			return nil, false, nil
		}
		a, err := NewFromEnv()
		if err != nil {
			return nil, true, err
		}
		return a, true, nil
	})
}

func NewFromEnv() (*Adapter, error) {
	s := spec()
	key := strings.TrimSpace(os.Getenv(s.APIKeyEnv))
	if key == "" {
		return nil, fmt.Errorf("%s is required", s.APIKeyEnv)
	}
	return NewWithProvider(s.Key, key, os.Getenv(s.BaseURLEnv)), nil
}

func spec() providerspec.Spec {
	s, _ := providerspec.Lookup("openai")
	return s
}

func NewWithProvider(provider, apiKey, baseURL string) *Adapter {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		p = "openai"
	}
	cfg := goopenai.DefaultConfig(strings.TrimSpace(apiKey))
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base != "" {
		cfg.BaseURL = base
	}
	return &Adapter{
		Provider: p,
		APIKey:   strings.TrimSpace(apiKey),
		BaseURL:  cfg.BaseURL,
		client:   goopenai.NewClientWithConfig(cfg),
	}
}

func (a *Adapter) Name() string {
	if p := strings.TrimSpace(a.Provider); p != "" {
		return p
	}
	return "openai"
}

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	messages := make([]goopenai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: req.Prompt})

	chatReq := goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	resp, err := a.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return llm.Response{}, a.classify(err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, llm.ErrorFromHTTPStatus(a.Name(), 502, "response has no choices", nil, nil)
	}
	choice := resp.Choices[0]
	return llm.Response{
		Provider:   a.Name(),
		Model:      resp.Model,
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (a *Adapter) classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return llm.NewRequestTimeoutError(a.Name(), err.Error())
	}
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return llm.ErrorFromHTTPStatus(a.Name(), apiErr.HTTPStatusCode, apiErr.Message, apiErr, nil)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return llm.ErrorFromHTTPStatus(a.Name(), reqErr.HTTPStatusCode, reqErr.Error(), reqErr, nil)
	}
	return llm.NewNetworkError(a.Name(), err)
}
