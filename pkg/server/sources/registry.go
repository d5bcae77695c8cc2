package sources

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registry = make(map[SourceType]ProviderFactory)
	mu       sync.RWMutex
)

// Register adds a provider factory to the registry
func Register(kind SourceType, factory ProviderFactory) {
	mu.Lock()
	defer mu.Unlock()
	registry[kind] = factory
}

// Create creates a new provider instance of the given kind
func Create(kind SourceType, name string, config map[string]interface{}) (Provider, error) {
	mu.RLock()
	factory, ok := registry[kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSourceType, kind)
	}

	provider, err := factory(name, config)
	if err != nil {
		return nil, fmt.Errorf("create %s provider %q: %w", kind, name, err)
	}
	return provider, nil
}

// List returns all registered provider kinds
func List() []SourceType {
	mu.RLock()
	defer mu.RUnlock()

	kinds := make([]SourceType, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
