package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/danshapiro/refiner/internal/llm"
	"github.com/danshapiro/refiner/internal/providerspec"
)

const defaultMaxTokens = 4096

type Adapter struct {
	Provider string
	APIKey   string
	BaseURL  string

	client sdk.Client
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
	s, _ := providerspec.Lookup("anthropic")
	return s
}

// NewWithProvider builds an adapter. SDK-level retries are disabled; callers
// own the retry policy.
func NewWithProvider(provider, apiKey, baseURL string, opts ...option.RequestOption) *Adapter {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		p = "anthropic"
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	reqOpts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(apiKey)),
		option.WithMaxRetries(0),
	}
	if base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base+"/"))
	}
	reqOpts = append(reqOpts, opts...)
	return &Adapter{
		Provider: p,
		APIKey:   strings.TrimSpace(apiKey),
		BaseURL:  base,
		client:   sdk.NewClient(reqOpts...),
	}
}

func (a *Adapter) Name() string {
	if p := strings.TrimSpace(a.Provider); p != "" {
		return p
	}
	return "anthropic"
}

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	maxTokens := defaultMaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if strings.TrimSpace(req.System) != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, a.classify(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return llm.Response{}, llm.ErrorFromHTTPStatus(a.Name(), 502, "empty text content in response", nil, nil)
	}

	return llm.Response{
		Provider:   a.Name(),
		Model:      string(msg.Model),
		Text:       text.String(),
		StopReason: string(msg.StopReason),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
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
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		var retryAfter *time.Duration
		if apiErr.Response != nil {
			retryAfter = llm.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"), time.Now())
		}
		status := apiErr.StatusCode
		if status == 0 {
			status = http.StatusBadGateway
		}
		return llm.ErrorFromHTTPStatus(a.Name(), status, apiErr.Error(), apiErr.RawJSON(), retryAfter)
	}
	return llm.NewNetworkError(a.Name(), err)
}
