package providerspec

import (
	"os"
	"sort"
	"strings"
	"sync"
)

// Spec describes how a generative provider is reached and which model a run
// uses when the config names none.
type Spec struct {
	Key          string
	Aliases      []string
	APIKeyEnv    string
	BaseURLEnv   string
	DefaultModel string
}

// HasCredential reports whether the provider's key variable is set.
func (s Spec) HasCredential() bool {
	return strings.TrimSpace(os.Getenv(s.APIKeyEnv)) != ""
}

var (
	providerAliasOnce  sync.Once
	providerAliasIndex map[string]string
)

func providerAliases() map[string]string {
	providerAliasOnce.Do(func() {
		providerAliasIndex = providerAliasIndexFromBuiltins(Builtins())
	})
	return providerAliasIndex
}

func providerAliasIndexFromBuiltins(specs map[string]Spec) map[string]string {
	out := map[string]string{}
	for rawKey, spec := range specs {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if key == "" {
			continue
		}
		out[key] = key
		for _, rawAlias := range spec.Aliases {
			alias := strings.ToLower(strings.TrimSpace(rawAlias))
			if alias != "" {
				out[alias] = key
			}
		}
	}
	return out
}

func CanonicalProviderKey(in string) string {
	key := strings.ToLower(strings.TrimSpace(in))
	if key == "" {
		return ""
	}
	if canonical, ok := providerAliases()[key]; ok {
		return canonical
	}
	return key
}

// Lookup resolves a provider name or alias to its spec.
func Lookup(name string) (Spec, bool) {
	s, ok := builtinSpecs[CanonicalProviderKey(name)]
	return s, ok
}

// Keys lists the canonical provider keys in sorted order.
func Keys() []string {
	out := make([]string, 0, len(builtinSpecs))
	for k := range builtinSpecs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
