package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/danshapiro/refiner/internal/providerspec"
)

type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// CompleteFunc is the shape of a completion call as seen by middleware.
type CompleteFunc func(ctx context.Context, req Request) (Response, error)

// Middleware wraps a completion call. Middleware registered first sees the
// request first and the response last.
type Middleware func(next CompleteFunc) CompleteFunc

type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
}

func NewClient() *Client {
	return &Client{providers: map[string]ProviderAdapter{}}
}

func (c *Client) Register(adapter ProviderAdapter) {
	if c.providers == nil {
		c.providers = map[string]ProviderAdapter{}
	}
	name := normalizeProviderName(adapter.Name())
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

func (c *Client) SetDefaultProvider(name string) {
	c.defaultProvider = normalizeProviderName(name)
}

func (c *Client) DefaultProvider() string {
	if c == nil {
		return ""
	}
	return c.defaultProvider
}

func (c *Client) HasProvider(name string) bool {
	if c == nil {
		return false
	}
	_, ok := c.providers[normalizeProviderName(name)]
	return ok
}

func (c *Client) ProviderNames() []string {
	if c == nil || len(c.providers) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.providers))
	for k := range c.providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	prov := req.Provider
	if prov == "" {
		prov = c.defaultProvider
	}
	if prov == "" {
		return Response{}, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	prov = normalizeProviderName(prov)
	adapter, ok := c.providers[prov]
	if !ok {
		return Response{}, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", prov)}
	}
	req.Provider = prov

	var handler CompleteFunc = func(ctx context.Context, req Request) (Response, error) {
		return adapter.Complete(ctx, req)
	}
	for i := len(c.middleware) - 1; i >= 0; i-- {
		handler = c.middleware[i](handler)
	}
	return handler(ctx, req)
}

// Use appends middleware to the client.
func (c *Client) Use(mw ...Middleware) {
	if c == nil {
		return
	}
	c.middleware = append(c.middleware, mw...)
}

// LogCalls records every completion at debug level.
func LogCalls(logger *slog.Logger) Middleware {
	return func(next CompleteFunc) CompleteFunc {
		return func(ctx context.Context, req Request) (Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			if err != nil {
				logger.Debug("provider call failed", "provider", req.Provider, "model", req.Model, "duration", time.Since(start), "error", err)
				return resp, err
			}
			logger.Debug("provider call",
				"provider", req.Provider,
				"model", req.Model,
				"duration", time.Since(start),
				"tokens", resp.Usage.Total(),
			)
			return resp, nil
		}
	}
}

func normalizeProviderName(name string) string {
	return providerspec.CanonicalProviderKey(name)
}
