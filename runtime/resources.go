package runtime

import (
	"context"
	"io"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/privacyflow/store"
	"github.com/warriorguo/privacyflow/types"
)

/**
 * TaskResources is what one executing task may touch: the privacy request,
 * its policy, the connection configs, the task store and the connectors it
 * opened. Connectors are opened lazily per connection key, never shared
 * with another task, and closed by Close.
 */
type TaskResources struct {
	ctx context.Context

	request     *types.PrivacyRequest
	policy      types.Policy
	connections map[string]*types.ConnectionConfig
	registry    types.ConnectorRegistry
	store       *store.TaskStore

	connectors map[string]types.Connector
}

func newTaskResources(ctx context.Context, request *types.PrivacyRequest, policy types.Policy,
	connections map[string]*types.ConnectionConfig, registry types.ConnectorRegistry, ts *store.TaskStore) *TaskResources {
	return &TaskResources{
		ctx:         ctx,
		request:     request,
		policy:      policy,
		connections: connections,
		registry:    registry,
		store:       ts,
		connectors:  make(map[string]types.Connector),
	}
}

func (r *TaskResources) GetConnectionConfig(key string) (*types.ConnectionConfig, error) {
	config, exists := r.connections[key]
	if !exists {
		return nil, errors.NotFoundf("connection config %s", key)
	}
	return config, nil
}

func (r *TaskResources) GetConnector(key string) (types.Connector, error) {
	if c, exists := r.connectors[key]; exists {
		return c, nil
	}
	config, err := r.GetConnectionConfig(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if r.registry == nil {
		return nil, errors.NotFoundf("connector registry")
	}
	c, err := r.registry.NewConnector(config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	r.connectors[key] = c
	return c, nil
}

// Close releases every connector that holds resources.
func (r *TaskResources) Close() error {
	var retErr error
	for key, c := range r.connectors {
		closer, ok := c.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			log.Errorf("%s failed to close connector %s: %v", r.request.ID, key, err)
			retErr = errors.Wrapf(retErr, err, "close connector %s", key)
		}
	}
	r.connectors = make(map[string]types.Connector)
	return retErr
}

func (r *TaskResources) WriteExecutionLog(entry *types.ExecutionLog) error {
	entry.PrivacyRequestID = r.request.ID
	return errors.Trace(r.store.WriteExecutionLog(r.ctx, entry))
}

// CacheResultsWithPlaceholders keeps the erasure view of an access result.
func (r *TaskResources) CacheResultsWithPlaceholders(key string, rows []types.Row) error {
	return errors.Trace(r.store.SetCache(r.ctx, r.request.ID, "placeholder_results__"+key, rows))
}

func (r *TaskResources) CacheObject(key string, value any) error {
	return errors.Trace(r.store.SetCache(r.ctx, r.request.ID, key, value))
}

// CacheErasure records how many rows a collection had masked.
func (r *TaskResources) CacheErasure(key string, count int) error {
	return errors.Trace(r.store.SetCache(r.ctx, r.request.ID, "erasure_request__"+key, count))
}
