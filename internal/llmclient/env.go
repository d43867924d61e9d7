package llmclient

import (
	"log/slog"

	"github.com/danshapiro/refiner/internal/llm"
	_ "github.com/danshapiro/refiner/internal/llm/providers/anthropic"
	_ "github.com/danshapiro/refiner/internal/llm/providers/openai"
)

// NewFromEnv registers any provider adapters that can be constructed from environment variables.
// The first successfully registered provider becomes the default provider.
// Calls are logged through logger at debug level.
func NewFromEnv(logger *slog.Logger) (*llm.Client, error) {
	c, err := llm.NewFromEnv()
	if err != nil {
		return nil, err
	}
	if logger != nil {
		c.Use(llm.LogCalls(logger))
	}
	return c, nil
}
