// Package gorun runs strategies written as Go structs inside the worker
// process. It exists for development and tests, where spinning a WebAssembly
// module per strategy is unnecessary.
package gorun

import (
	"sync"

	"github.com/rxtech-lab/argo-orchestrator/internal/runtime"
	"github.com/rxtech-lab/argo-orchestrator/pkg/errors"
)

// Factory constructs a fresh strategy instance.
type Factory func() runtime.StrategyRuntime

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a Go strategy loadable under the given reference name.
// Later registrations replace earlier ones.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[name] = factory
}

// New instantiates a registered strategy by reference name.
func New(name string) (runtime.StrategyRuntime, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrCodeUnsupportedStrategy, "no Go strategy registered as %q", name)
	}

	return factory(), nil
}

// IsRegistered reports whether a Go strategy exists under the given name.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()

	_, ok := registry[name]

	return ok
}
