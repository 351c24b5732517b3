package policy

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// Loader builds a Policy from its serialized form.
//
// Loaders are registered with RegisterLoader and selected by the kind named
// in the plugin configuration.
type Loader func(data []byte, opts ...Option) (Policy, error)

var (
	// loaderRegistry stores loaders by policy kind
	loaderRegistry = make(map[string]Loader)
	// loaderRegistryMu protects concurrent access to the registry
	loaderRegistryMu sync.RWMutex
)

func init() {
	RegisterLoader("allow-all", func([]byte, ...Option) (Policy, error) {
		return AllowAll{}, nil
	})
	RegisterLoader("static", LoadStatic)
	RegisterLoader("wasm", func(data []byte, opts ...Option) (Policy, error) {
		return NewWASM(data, opts...)
	})
}

// RegisterLoader registers a loader for a policy kind.
//
// This should be called from init() functions. Registering a kind twice
// replaces the earlier loader.
func RegisterLoader(kind string, loader Loader) {
	loaderRegistryMu.Lock()
	defer loaderRegistryMu.Unlock()
	loaderRegistry[kind] = loader
}

// GetLoader retrieves the loader registered for kind.
func GetLoader(kind string) (Loader, error) {
	loaderRegistryMu.RLock()
	defer loaderRegistryMu.RUnlock()
	loader, ok := loaderRegistry[kind]
	if !ok {
		return nil, fmt.Errorf("no policy loader registered for kind: %s", kind)
	}
	return loader, nil
}

// ListRegisteredKinds returns all registered policy kinds, sorted.
func ListRegisteredKinds() []string {
	loaderRegistryMu.RLock()
	defer loaderRegistryMu.RUnlock()
	kinds := make([]string, 0, len(loaderRegistry))
	for kind := range loaderRegistry {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

// Load builds a policy of the given kind from data, passing opts to its
// loader. An empty kind yields AllowAll.
func Load(kind string, data []byte, opts ...Option) (Policy, error) {
	if kind == "" {
		return AllowAll{}, nil
	}
	loader, err := GetLoader(kind)
	if err != nil {
		return nil, err
	}
	p, err := loader(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s policy: %w", kind, err)
	}
	return p, nil
}

// LoadFile reads path and builds a policy of the given kind from it. An empty
// path is passed to the loader as empty data.
func LoadFile(kind, path string, opts ...Option) (Policy, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
	}
	return Load(kind, data, opts...)
}

// LoadStatic parses a TOML static policy:
//
//	deny = ["sign-arbitrary-data"]
func LoadStatic(data []byte, _ ...Option) (Policy, error) {
	var s Static
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse static policy: %w", err)
	}
	for _, a := range s.Deny {
		if !a.Known() {
			return nil, fmt.Errorf("unknown action %q in static policy", a)
		}
	}
	return &s, nil
}
