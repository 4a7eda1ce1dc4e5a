// Package connectors builds datastore connectors by connection type.
package connectors

import (
	"sort"
	"sync"

	"github.com/juju/errors"
	"github.com/warriorguo/privacyflow/types"
)

var (
	_ types.ConnectorRegistry = &Registry{}
)

// Factory creates a connector bound to one connection config.
type Factory func(config *types.ConnectionConfig) (types.Connector, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[types.ConnectionType]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[types.ConnectionType]Factory)}
}

func (r *Registry) Register(connectionType types.ConnectionType, factory Factory) error {
	if connectionType == "" || factory == nil {
		return errors.BadRequestf("connection type and factory are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[connectionType]; exists {
		return errors.AlreadyExistsf("connection type %s", connectionType)
	}
	r.factories[connectionType] = factory
	return nil
}

// NewConnector returns a fresh connector for config. The caller owns it.
func (r *Registry) NewConnector(config *types.ConnectionConfig) (types.Connector, error) {
	if config == nil {
		return nil, errors.BadRequestf("nil connection config")
	}

	r.mu.RLock()
	factory, exists := r.factories[config.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.NotSupportedf("connection type %q of %s", config.Type, config.Key)
	}
	connector, err := factory(config)
	if err != nil {
		return nil, errors.Annotatef(err, "create connector %s", config.Key)
	}
	return connector, nil
}

func (r *Registry) Types() []types.ConnectionType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ConnectionType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
