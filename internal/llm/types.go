package llm

import (
	"strings"
)

// Request is a single-turn completion: one system prompt and one user prompt.
type Request struct {
	Provider  string
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "model is required"}
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return &ConfigurationError{Message: "prompt is required"}
	}
	if r.MaxTokens < 0 {
		return &ConfigurationError{Message: "max_tokens must be >= 0"}
	}
	return nil
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

type Response struct {
	Provider   string
	Model      string
	Text       string
	StopReason string
	Usage      Usage
}
