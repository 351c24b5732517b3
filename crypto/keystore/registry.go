package keystore

import (
	"fmt"
	"slices"
	"sync"
)

// HolderFactory creates a KeyHolder from configuration.
//
// Factories are registered with RegisterBackend and looked up by
// Config.Backend when a plugin starts.
type HolderFactory func(cfg Config) (KeyHolder, error)

var (
	// registry stores holder factories by backend name
	registry = make(map[string]HolderFactory)
	// registryMu protects concurrent access to the registry
	registryMu sync.RWMutex
)

// RegisterBackend registers a holder factory under a backend name.
//
// This should be called from init() functions. Registering a name twice
// replaces the earlier factory.
//
// Example:
//
//	func init() {
//	    RegisterBackend("hsm", NewHSMHolder)
//	}
func RegisterBackend(name string, factory HolderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// GetHolderFactory retrieves the factory registered for a backend name.
func GetHolderFactory(name string) (HolderFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("no key holder registered for backend: %s", name)
	}
	return factory, nil
}

// ListRegisteredBackends returns all registered backend names, sorted.
func ListRegisteredBackends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
