package privacyflow

import (
	"github.com/juju/errors"
	"github.com/warriorguo/privacyflow/runtime"
	"github.com/warriorguo/privacyflow/store"
	"github.com/warriorguo/privacyflow/store/mem"
	"github.com/warriorguo/privacyflow/store/postgres"
	"github.com/warriorguo/privacyflow/types"
)

// NewEngine creates a privacy request engine with the given options
func NewEngine(opts ...types.EngineOption) (types.Engine, error) {
	options := types.NewEngineOptions()
	for _, opt := range opts {
		opt(options)
	}

	var s store.Store
	var err error

	// PostgresConfig takes precedence over MemStore
	if options.PostgresConfig != nil {
		s, err = postgres.NewPostgresStore(postgres.FromOptions(options.PostgresConfig))
		if err != nil {
			return nil, errors.Annotatef(err, "failed to create PostgreSQL store")
		}
	} else {
		// mem store is the default as well
		s = mem.NewMemStore()
	}

	return runtime.NewEngine(s, options), nil
}
