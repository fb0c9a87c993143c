package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"edgelamp/internal/ingest"
)

// Info describes a device plugin.
type Info struct {
	Name         string        `json:"name"`
	Version      string        `json:"version"`
	Mode         string        `json:"mode"`
	PollInterval time.Duration `json:"poll_interval"`
}

// Plugin is the capability set every south-side device plugin provides.
type Plugin interface {
	Info() Info
	Init(config map[string]string) error
	Poll(ctx context.Context) ([]ingest.Reading, error)
	Shutdown() error
}

// Factory creates a fresh plugin instance.
type Factory func() Plugin

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a plugin available by name. Registering a name twice panics.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("device: plugin %q registered twice", name))
	}
	registry[name] = factory
}

// Lookup returns a new instance of the named plugin.
func Lookup(name string) (Plugin, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("device plugin %q is not registered", name)
	}
	return factory(), nil
}

// Names lists registered plugins in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
