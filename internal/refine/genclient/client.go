// Package genclient is the single entry point to the generative engine. Every
// call passes the operator gate, is retried on transport failures, and is
// recorded in the call history with running token totals.
package genclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/avast/retry-go/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/danshapiro/refiner/internal/llm"
	"github.com/danshapiro/refiner/internal/refine/history"
	"github.com/danshapiro/refiner/internal/refine/interview"
)

const defaultMaxAttempts = 3

// ErrCallDeclined is returned when the operator refuses to send a prompt.
var ErrCallDeclined = errors.New("generative call declined by operator")

// TransportFailureError is returned once every dispatch attempt has failed.
type TransportFailureError struct {
	Attempts int
	Err      error
}

func (e *TransportFailureError) Error() string {
	return fmt.Sprintf("generative call failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportFailureError) Unwrap() error { return e.Err }

// Invoker sends one prompt and returns the engine's text.
type Invoker interface {
	Invoke(ctx context.Context, prompt string) (string, error)
}

// Completer is the provider transport; *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

type Pricing struct {
	InputPerToken  float64 `json:"input_per_token" yaml:"input_per_token"`
	OutputPerToken float64 `json:"output_per_token" yaml:"output_per_token"`
}

func DefaultPricing() Pricing {
	return Pricing{InputPerToken: 0.000003, OutputPerToken: 0.000015}
}

func (p Pricing) Cost(in, out int) float64 {
	return float64(in)*p.InputPerToken + float64(out)*p.OutputPerToken
}

type Config struct {
	Provider    string
	Model       string
	System      string
	MaxTokens   int
	MaxAttempts int
	Pricing     Pricing
}

// Usage is the cumulative accounting across every successful call.
type Usage struct {
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
	Calls         int     `json:"calls"`
}

type CallRecord struct {
	Timestamp          time.Time `json:"timestamp"`
	Provider           string    `json:"provider,omitempty"`
	Model              string    `json:"model,omitempty"`
	Prompt             string    `json:"prompt"`
	Response           string    `json:"response"`
	InputTokens        int       `json:"input_tokens"`
	OutputTokens       int       `json:"output_tokens"`
	RunningTotalInput  int       `json:"running_total_input"`
	RunningTotalOutput int       `json:"running_total_output"`
	Attempts           int       `json:"attempts,omitempty"`
}

type Options struct {
	// Interviewer gates every call. Nil auto-approves.
	Interviewer interview.Interviewer
	// History receives one CallRecord per successful call. Optional.
	History  *history.Store[CallRecord]
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Now      func() time.Time
}

type Client struct {
	cfg       Config
	transport Completer
	gate      interview.Interviewer
	hist      *history.Store[CallRecord]
	logger    *slog.Logger
	metrics   *metrics
	now       func() time.Time

	mu    sync.Mutex
	usage Usage
}

// New builds a client. Running totals are seeded from the last persisted call
// so usage reflects the lifetime of the history file.
func New(transport Completer, cfg Config, opts Options) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("genclient: transport is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("genclient: model is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Pricing == (Pricing{}) {
		cfg.Pricing = DefaultPricing()
	}
	c := &Client{
		cfg:       cfg,
		transport: transport,
		gate:      opts.Interviewer,
		hist:      opts.History,
		logger:    opts.Logger,
		metrics:   newMetrics(opts.Registry),
		now:       opts.Now,
	}
	if c.gate == nil {
		c.gate = &interview.AutoApproveInterviewer{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.hist != nil {
		if last := c.hist.Last(1); len(last) == 1 {
			c.usage.InputTokens = last[0].RunningTotalInput
			c.usage.OutputTokens = last[0].RunningTotalOutput
		}
		c.usage.Calls = c.hist.Len()
	}
	return c, nil
}

func (c *Client) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.usage
	u.EstimatedCost = c.cfg.Pricing.Cost(u.InputTokens, u.OutputTokens)
	return u
}

// Invoke asks the operator, dispatches with retries, and records the call.
func (c *Client) Invoke(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	before := c.Usage()
	ans := c.gate.Ask(interview.Question{
		Type:  interview.QuestionConfirm,
		Text:  gateText(prompt, before),
		Stage: "generate",
		Metadata: map[string]any{
			"prompt":         prompt,
			"input_tokens":   before.InputTokens,
			"output_tokens":  before.OutputTokens,
			"estimated_cost": before.EstimatedCost,
		},
	})
	if !interview.Confirmed(ans) {
		c.metrics.call("declined")
		c.logger.Info("generative call declined", "timed_out", ans.TimedOut)
		return "", ErrCallDeclined
	}

	attempts := 0
	resp, err := retry.DoWithData(
		func() (llm.Response, error) {
			attempts++
			c.metrics.attempt()
			return c.transport.Complete(ctx, llm.Request{
				Provider:  c.cfg.Provider,
				Model:     c.cfg.Model,
				System:    c.cfg.System,
				Prompt:    prompt,
				MaxTokens: c.cfg.MaxTokens,
			})
		},
		retry.Attempts(uint(c.cfg.MaxAttempts)),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(llm.IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("generative call attempt failed", "attempt", n+1, "error", err)
		}),
		retry.Context(ctx),
	)
	if err != nil {
		c.metrics.call("failed")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &TransportFailureError{Attempts: attempts, Err: err}
	}

	rec, after, err := c.record(prompt, resp, attempts)
	if err != nil {
		return "", err
	}
	c.metrics.call("success")
	c.metrics.usage(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	c.logger.Info("generative call complete",
		"attempts", attempts,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"total_input", after.InputTokens,
		"total_output", after.OutputTokens,
	)
	c.gate.Inform(usageText(rec, after), "usage")
	return resp.Text, nil
}

// record updates the counters once and persists the call. The counters move
// only if the record was stored.
func (c *Client) record(prompt string, resp llm.Response, attempts int) (CallRecord, Usage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.usage
	next.InputTokens += resp.Usage.InputTokens
	next.OutputTokens += resp.Usage.OutputTokens
	next.Calls++
	rec := CallRecord{
		Timestamp:          c.now().UTC(),
		Provider:           resp.Provider,
		Model:              resp.Model,
		Prompt:             prompt,
		Response:           resp.Text,
		InputTokens:        resp.Usage.InputTokens,
		OutputTokens:       resp.Usage.OutputTokens,
		RunningTotalInput:  next.InputTokens,
		RunningTotalOutput: next.OutputTokens,
		Attempts:           attempts,
	}
	if c.hist != nil {
		if err := c.hist.Append(rec); err != nil {
			return CallRecord{}, Usage{}, fmt.Errorf("record call: %w", err)
		}
	}
	c.usage = next
	next.EstimatedCost = c.cfg.Pricing.Cost(next.InputTokens, next.OutputTokens)
	return rec, next, nil
}

const promptPreviewBytes = 2000

func gateText(prompt string, u Usage) string {
	preview := prompt
	if len(preview) > promptPreviewBytes {
		cut := promptPreviewBytes
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut] + "\n... (truncated)"
	}
	return fmt.Sprintf("Sending prompt:\n%s\n\nUsage so far: %d input, %d output tokens (est. $%.4f)",
		preview, u.InputTokens, u.OutputTokens, u.EstimatedCost)
}

func usageText(rec CallRecord, u Usage) string {
	return fmt.Sprintf("call used %d input / %d output tokens; total %d input / %d output (est. $%.4f)",
		rec.InputTokens, rec.OutputTokens, u.InputTokens, u.OutputTokens, u.EstimatedCost)
}
