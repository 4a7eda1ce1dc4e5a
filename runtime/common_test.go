package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/warriorguo/privacyflow/connectors"
	"github.com/warriorguo/privacyflow/connectors/memory"
	"github.com/warriorguo/privacyflow/store"
	"github.com/warriorguo/privacyflow/store/mem"
	"github.com/warriorguo/privacyflow/traversal"
	"github.com/warriorguo/privacyflow/types"
)

const (
	shopConnection = "shop_db"
	crmConnection  = "crm_db"
	testPolicyKey  = "default_policy"
	janeEmail      = "jane@example.com"
)

func ds(collection string) types.CollectionAddress {
	return types.NewCollectionAddress("ds", collection)
}

func crm(collection string) types.CollectionAddress {
	return types.NewCollectionAddress("crm", collection)
}

// shopDataset is customer -> orders -> order_items, order_items being
// erased after orders.
func shopDataset() *types.Dataset {
	return &types.Dataset{
		Name:          "ds",
		ConnectionKey: shopConnection,
		Collections: []*types.Collection{
			{Name: "customer", Fields: []*types.Field{
				{Name: "id", DataType: "integer", PrimaryKey: true},
				{Name: "email", DataType: "string", Identity: "email", DataCategories: []string{"user.contact.email"}},
				{Name: "name", DataType: "string", DataCategories: []string{"user.name"}},
			}},
			{Name: "orders", Fields: []*types.Field{
				{Name: "id", DataType: "integer", PrimaryKey: true},
				{Name: "customer_id", DataType: "integer", References: []types.FieldReference{
					{Dataset: "ds", Field: "customer.id", Direction: types.DirectionFrom},
				}},
				{Name: "address", DataType: "string", DataCategories: []string{"user.contact.address"}},
			}},
			{Name: "order_items", Fields: []*types.Field{
				{Name: "id", DataType: "integer", PrimaryKey: true},
				{Name: "order_id", DataType: "integer", References: []types.FieldReference{
					{Dataset: "ds", Field: "orders.id", Direction: types.DirectionFrom},
				}},
				{Name: "note", DataType: "string", DataCategories: []string{"user.content"}},
			}, EraseAfter: []string{"ds:orders"}},
		},
	}
}

// crmDataset hangs off ds:customer on its own connection. newsletter has
// no primary key.
func crmDataset() *types.Dataset {
	return &types.Dataset{
		Name:          "crm",
		ConnectionKey: crmConnection,
		Collections: []*types.Collection{
			{Name: "profiles", Fields: []*types.Field{
				{Name: "id", DataType: "integer", PrimaryKey: true},
				{Name: "customer_id", DataType: "integer", References: []types.FieldReference{
					{Dataset: "ds", Field: "customer.id", Direction: types.DirectionFrom},
				}},
				{Name: "nickname", DataType: "string", DataCategories: []string{"user.name"}},
			}},
			{Name: "newsletter", Fields: []*types.Field{
				{Name: "email", DataType: "string", Identity: "email", DataCategories: []string{"user.contact.email"}},
				{Name: "topic", DataType: "string", DataCategories: []string{"user.content"}},
			}},
		},
	}
}

func testPolicy(withErasure bool) *types.RulePolicy {
	policy := &types.RulePolicy{
		PolicyKey: testPolicyKey,
		Rules: []*types.Rule{
			{Name: "access", ActionType: types.ActionAccess, Targets: []string{"user"}},
		},
	}
	if withErasure {
		policy.Rules = append(policy.Rules, &types.Rule{
			Name:       "erasure",
			ActionType: types.ActionErasure,
			Targets:    []string{"user.name", "user.contact.address", "user.content"},
		})
	}
	return policy
}

func seedShop(t *testing.T, db *memory.Database) {
	require.Nil(t, db.Insert(ds("customer"),
		types.Row{"id": 1, "email": janeEmail, "name": "Jane"},
		types.Row{"id": 2, "email": "other@example.com", "name": "Other"},
	))
	require.Nil(t, db.Insert(ds("orders"),
		types.Row{"id": 10, "customer_id": 1, "address": "1 Main St"},
		types.Row{"id": 11, "customer_id": 2, "address": "2 Side St"},
	))
	require.Nil(t, db.Insert(ds("order_items"),
		types.Row{"id": 100, "order_id": 10, "note": "gift wrap"},
		types.Row{"id": 101, "order_id": 11, "note": "leave at door"},
	))
}

type testEnv struct {
	t        *testing.T
	engine   *engine
	db       *memory.Database
	store    store.Store
	registry *connectors.Registry
	erasure  bool
}

func newOptions(registry types.ConnectorRegistry) *types.EngineOptions {
	opts := types.NewEngineOptions()
	opts.AutoStart = false
	opts.MemStore = true
	opts.TaskRunAsync = false
	opts.TaskRetryCount = 1
	opts.TaskRetryDelay = 0
	opts.Connectors = registry
	return opts
}

// newTestEnv builds a synchronous engine over a mem store with the shop
// dataset registered on a writable memory connection.
func newTestEnv(t *testing.T, withErasure bool) *testEnv {
	db := memory.NewDatabase()
	registry := connectors.NewRegistry()
	require.Nil(t, memory.Register(registry, db))

	env := &testEnv{t: t, db: db, store: mem.NewMemStore(), registry: registry, erasure: withErasure}
	env.start()
	seedShop(t, db)
	return env
}

// start builds a fresh engine over the environment store, the way a
// restarted process would.
func (env *testEnv) start() {
	e := newEngine(env.store, newOptions(env.registry))
	env.t.Cleanup(func() {
		_ = e.Close(context.Background())
	})

	require.Nil(env.t, e.RegisterConnection(&types.ConnectionConfig{
		Key: shopConnection, Type: memory.ConnectionType, Access: types.AccessWrite,
	}))
	require.Nil(env.t, e.RegisterDataset(shopDataset()))
	require.Nil(env.t, e.RegisterPolicy(testPolicy(env.erasure)))
	env.engine = e
}

// addCRM registers the crm dataset on a connection built by config.
func (env *testEnv) addCRM(config *types.ConnectionConfig) {
	config.Key = crmConnection
	config.Type = memory.ConnectionType
	require.Nil(env.t, env.engine.RegisterConnection(config))
	require.Nil(env.t, env.engine.RegisterDataset(crmDataset()))
	require.Nil(env.t, env.db.Insert(crm("profiles"),
		types.Row{"id": 7, "customer_id": 1, "nickname": "jj"},
	))
	require.Nil(env.t, env.db.Insert(crm("newsletter"),
		types.Row{"email": janeEmail, "topic": "weekly deals"},
	))
}

func (env *testEnv) newRequest(id string) *types.PrivacyRequest {
	return &types.PrivacyRequest{
		ID:        id,
		PolicyKey: testPolicyKey,
		Identity:  types.Data{"email": janeEmail},
	}
}

// drain runs queued tasks until the queue is empty and returns the errors
// the runs reported.
func (env *testEnv) drain() []error {
	errs := make([]error, 0)
	for i := 0; i < 100 && !env.engine.queue.idle(); i++ {
		if err := env.engine.RunOnce(); err != nil {
			errs = append(errs, err)
		}
	}
	require.True(env.t, env.engine.queue.idle(), "queue did not drain")
	return errs
}

func (env *testEnv) request(id string) *types.PrivacyRequest {
	pr, err := env.engine.store.GetPrivacyRequest(context.Background(), id)
	require.Nil(env.t, err)
	return pr
}

func (env *testEnv) task(id string, action types.ActionType, addr types.CollectionAddress) *types.RequestTask {
	task, err := env.engine.store.GetExistingRequestTask(context.Background(), id, action, addr.String())
	require.Nil(env.t, err)
	require.NotNil(env.t, task, "no %s task for %s", action, addr)
	return task
}

// traverseShop runs the traversal of the given datasets for the jane
// identity.
func traverseShop(t *testing.T, datasets ...*types.Dataset) (*traversal.Traversal, traversalNodes, []types.CollectionAddress) {
	if len(datasets) == 0 {
		datasets = []*types.Dataset{shopDataset()}
	}
	g, err := traversal.NewDatasetGraph(datasets...)
	require.Nil(t, err)
	trav, nodes, endNodes, err := traversal.Run(g, types.Data{"email": janeEmail})
	require.Nil(t, err)
	return trav, nodes, endNodes
}

func newTaskStore() *store.TaskStore {
	return store.NewTaskStore(mem.NewMemStore())
}
