package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/refiner/internal/logging"
	"github.com/danshapiro/refiner/internal/providerspec"
	"github.com/danshapiro/refiner/internal/refine/debugloop"
	"github.com/danshapiro/refiner/internal/refine/genclient"
	"github.com/danshapiro/refiner/internal/refine/history"
	"github.com/danshapiro/refiner/internal/refine/recovery"
	"github.com/danshapiro/refiner/internal/refine/synth"
)

const (
	DefaultTask = `Create a simple NLP system that can identify basic emotions in text.
The system should classify text into: happy, sad, angry, or neutral.`

	DefaultTestData = `Sample texts:
1. "I love this beautiful day!"
2. "I'm feeling really down today."
3. "This is absolutely frustrating!"
4. "The sky is blue."`

	DefaultSystemPrompt = `You write complete, runnable Python 3 programs. Programs read no input, print their results to stdout, and depend only on packages that pip can install. When asked for JSON, reply with the JSON object only.`
)

type RunConfigFile struct {
	Version  int    `json:"version" yaml:"version"`
	Task     string `json:"task,omitempty" yaml:"task,omitempty"`
	TestData string `json:"test_data,omitempty" yaml:"test_data,omitempty"`

	LLM struct {
		Provider     string            `json:"provider,omitempty" yaml:"provider,omitempty"`
		Model        string            `json:"model,omitempty" yaml:"model,omitempty"`
		MaxTokens    int               `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
		MaxAttempts  int               `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
		SystemPrompt string            `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
		Pricing      genclient.Pricing `json:"pricing,omitempty" yaml:"pricing,omitempty"`
	} `json:"llm,omitempty" yaml:"llm,omitempty"`

	History struct {
		Dir    string `json:"dir,omitempty" yaml:"dir,omitempty"`
		Format string `json:"format,omitempty" yaml:"format,omitempty"`
		Window int    `json:"window,omitempty" yaml:"window,omitempty"`
	} `json:"history,omitempty" yaml:"history,omitempty"`

	Sandbox struct {
		Root             string `json:"root,omitempty" yaml:"root,omitempty"`
		Python           string `json:"python,omitempty" yaml:"python,omitempty"`
		InstallTimeoutMS int    `json:"install_timeout_ms,omitempty" yaml:"install_timeout_ms,omitempty"`
	} `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`

	Debug struct {
		MaxSteps       int      `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
		Strategy       string   `json:"strategy,omitempty" yaml:"strategy,omitempty"`
		SuccessMarkers []string `json:"success_markers,omitempty" yaml:"success_markers,omitempty"`
		AlwaysRerun    bool     `json:"always_rerun,omitempty" yaml:"always_rerun,omitempty"`
	} `json:"debug,omitempty" yaml:"debug,omitempty"`

	Recovery struct {
		Policy               string `json:"policy,omitempty" yaml:"policy,omitempty"`
		MaxOperationAttempts int    `json:"max_operation_attempts,omitempty" yaml:"max_operation_attempts,omitempty"`
	} `json:"recovery,omitempty" yaml:"recovery,omitempty"`

	Runs struct {
		Root        string `json:"root,omitempty" yaml:"root,omitempty"`
		ErrorMarker string `json:"error_marker,omitempty" yaml:"error_marker,omitempty"`
	} `json:"runs,omitempty" yaml:"runs,omitempty"`

	Logging struct {
		Level string `json:"level,omitempty" yaml:"level,omitempty"`
		File  string `json:"file,omitempty" yaml:"file,omitempty"`
	} `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// DefaultRunConfig is the configuration used when no file is given.
func DefaultRunConfig() *RunConfigFile {
	cfg := &RunConfigFile{}
	applyConfigDefaults(cfg)
	return cfg
}

func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *RunConfigFile) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyConfigDefaults(cfg *RunConfigFile) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.Task) == "" {
		cfg.Task = DefaultTask
	}
	if strings.TrimSpace(cfg.TestData) == "" {
		cfg.TestData = DefaultTestData
	}

	cfg.LLM.Provider = providerspec.CanonicalProviderKey(firstNonEmpty(cfg.LLM.Provider, "anthropic"))
	cfg.LLM.Model = strings.TrimSpace(cfg.LLM.Model)
	if spec, ok := providerspec.Lookup(cfg.LLM.Provider); ok && cfg.LLM.Model == "" {
		cfg.LLM.Model = spec.DefaultModel
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.MaxAttempts == 0 {
		cfg.LLM.MaxAttempts = 3
	}
	if strings.TrimSpace(cfg.LLM.SystemPrompt) == "" {
		cfg.LLM.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.LLM.Pricing == (genclient.Pricing{}) {
		cfg.LLM.Pricing = genclient.DefaultPricing()
	}

	cfg.History.Dir = firstNonEmpty(cfg.History.Dir, "history")
	cfg.History.Format = strings.ToLower(firstNonEmpty(cfg.History.Format, string(history.FormatNDJSON)))
	if cfg.History.Window == 0 {
		cfg.History.Window = 3
	}

	cfg.Sandbox.Root = firstNonEmpty(cfg.Sandbox.Root, "iterations")
	cfg.Sandbox.Python = firstNonEmpty(cfg.Sandbox.Python, "python3")
	if cfg.Sandbox.InstallTimeoutMS == 0 {
		cfg.Sandbox.InstallTimeoutMS = 300000 // 5 minutes
	}

	if cfg.Debug.MaxSteps == 0 {
		cfg.Debug.MaxSteps = debugloop.DefaultMaxSteps
	}
	cfg.Debug.Strategy = strings.ToLower(firstNonEmpty(cfg.Debug.Strategy, string(debugloop.StrategyCombined)))
	cfg.Debug.SuccessMarkers = trimNonEmpty(cfg.Debug.SuccessMarkers)
	if len(cfg.Debug.SuccessMarkers) == 0 {
		cfg.Debug.SuccessMarkers = append([]string{}, debugloop.DefaultSuccessMarkers...)
	}

	cfg.Recovery.Policy = strings.ToLower(firstNonEmpty(cfg.Recovery.Policy, string(recovery.PolicyReformatOnce)))
	if cfg.Recovery.MaxOperationAttempts == 0 {
		cfg.Recovery.MaxOperationAttempts = 2
	}

	cfg.Runs.Root = firstNonEmpty(cfg.Runs.Root, "runs")
	// The marker is matched verbatim; only an unset marker gets the default.
	if cfg.Runs.ErrorMarker == "" {
		cfg.Runs.ErrorMarker = "Error"
	}

	cfg.Logging.Level = strings.ToLower(firstNonEmpty(cfg.Logging.Level, "info"))
	cfg.Logging.File = strings.TrimSpace(cfg.Logging.File)
}

func validateConfig(cfg *RunConfigFile) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if _, ok := providerspec.Lookup(cfg.LLM.Provider); !ok {
		return fmt.Errorf("invalid llm.provider: %q (want %s)", cfg.LLM.Provider, strings.Join(providerspec.Keys(), "|"))
	}
	if cfg.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if cfg.LLM.MaxTokens < 0 {
		return fmt.Errorf("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.MaxAttempts < 1 {
		return fmt.Errorf("llm.max_attempts must be >= 1")
	}
	if cfg.LLM.Pricing.InputPerToken < 0 || cfg.LLM.Pricing.OutputPerToken < 0 {
		return fmt.Errorf("llm.pricing rates must be >= 0")
	}
	if _, err := history.ParseFormat(cfg.History.Format); err != nil {
		return fmt.Errorf("history.format: %w", err)
	}
	if cfg.History.Window < 1 || cfg.History.Window > synth.DefaultWindow {
		return fmt.Errorf("history.window must be between 1 and %d", synth.DefaultWindow)
	}
	if cfg.Sandbox.InstallTimeoutMS < 0 {
		return fmt.Errorf("sandbox.install_timeout_ms must be >= 0")
	}
	if cfg.Debug.MaxSteps < 1 {
		return fmt.Errorf("debug.max_steps must be >= 1")
	}
	if _, err := debugloop.ParseStrategy(cfg.Debug.Strategy); err != nil {
		return fmt.Errorf("debug.strategy: %w", err)
	}
	if _, err := recovery.ParsePolicy(cfg.Recovery.Policy); err != nil {
		return fmt.Errorf("recovery.policy: %w", err)
	}
	if cfg.Recovery.MaxOperationAttempts < 1 {
		return fmt.Errorf("recovery.max_operation_attempts must be >= 1")
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

func trimNonEmpty(parts []string) []string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
