package llm

import (
	"fmt"
	"sync"
)

// EnvAdapterFactory builds an adapter from process environment. ok=false means
// the provider's credential is absent and the provider should be skipped.
type EnvAdapterFactory func() (adapter ProviderAdapter, ok bool, err error)

var (
	envFactoriesMu sync.Mutex
	envFactories   []EnvAdapterFactory
)

// RegisterEnvAdapterFactory is called from provider packages' init functions.
func RegisterEnvAdapterFactory(f EnvAdapterFactory) {
	envFactoriesMu.Lock()
	defer envFactoriesMu.Unlock()
	envFactories = append(envFactories, f)
}

// NewFromEnv registers any provider adapters that can be constructed from
// environment variables. The first successfully registered provider becomes
// the default provider.
func NewFromEnv() (*Client, error) {
	envFactoriesMu.Lock()
	factories := append([]EnvAdapterFactory{}, envFactories...)
	envFactoriesMu.Unlock()

	c := NewClient()
	for _, f := range factories {
		a, ok, err := f()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		c.Register(a)
	}
	if len(c.providers) == 0 {
		return nil, &ConfigurationError{Message: fmt.Sprintf("no provider credentials found in environment (%d providers known)", len(factories))}
	}
	return c, nil
}
