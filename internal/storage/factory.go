package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/trusted360/audit-engine/internal/config"
)

// BackendNone disables report archiving
const BackendNone = "none"

// FactoryFunc builds a backend from the full configuration
type FactoryFunc func(*config.Config) (Storage, error)

var factories = make(map[string]FactoryFunc)

// Register makes a backend available under name
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewStorage builds the configured backend. It returns nil, nil when
// archiving is disabled.
func NewStorage(cfg *config.Config) (Storage, error) {
	if cfg.Storage.Backend == "" || cfg.Storage.Backend == BackendNone {
		return nil, nil
	}
	factory, ok := factories[cfg.Storage.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %s (registered: %s)", cfg.Storage.Backend, strings.Join(registered(), ", "))
	}
	return factory(cfg)
}

func registered() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
