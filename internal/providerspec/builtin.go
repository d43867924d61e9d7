package providerspec

var builtinSpecs = map[string]Spec{
	"anthropic": {
		Key:          "anthropic",
		Aliases:      []string{"claude"},
		APIKeyEnv:    "ANTHROPIC_API_KEY",
		BaseURLEnv:   "ANTHROPIC_BASE_URL",
		DefaultModel: "claude-3-5-sonnet-20241022",
	},
	"openai": {
		Key:          "openai",
		Aliases:      []string{"gpt", "chatgpt"},
		APIKeyEnv:    "OPENAI_API_KEY",
		BaseURLEnv:   "OPENAI_BASE_URL",
		DefaultModel: "gpt-4o",
	},
}

// Builtins returns a copy of the provider table.
func Builtins() map[string]Spec {
	out := make(map[string]Spec, len(builtinSpecs))
	for k, v := range builtinSpecs {
		v.Aliases = append([]string{}, v.Aliases...)
		out[k] = v
	}
	return out
}
