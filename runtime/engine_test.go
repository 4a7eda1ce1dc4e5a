package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warriorguo/privacyflow/connectors"
	"github.com/warriorguo/privacyflow/connectors/memory"
	"github.com/warriorguo/privacyflow/store/mem"
	"github.com/warriorguo/privacyflow/types"
)

func (env *testEnv) run(id string) {
	require.Nil(env.t, env.engine.RunPrivacyRequest(context.Background(), env.newRequest(id)))
}

func (env *testEnv) logStatuses(id string, action types.ActionType, addr types.CollectionAddress) []types.ExecutionStatus {
	logs, err := env.engine.ListExecutionLogs(context.Background(), id)
	require.Nil(env.t, err)
	out := make([]types.ExecutionStatus, 0)
	for _, l := range logs {
		if l.ActionType == action && l.DatasetName == addr.Dataset && l.CollectionName == addr.Collection {
			out = append(out, l.Status)
		}
	}
	return out
}

func TestAccessAndErasure(t *testing.T) {
	env := newTestEnv(t, true)
	env.run("pr-1")
	assert.Empty(t, env.drain())

	pr := env.request("pr-1")
	assert.Equal(t, types.RequestComplete, pr.Status)
	assert.False(t, pr.FinishedAt.IsZero())

	customer := env.task("pr-1", types.ActionAccess, ds("customer"))
	assert.Equal(t, types.StatusComplete, customer.Status)
	require.Len(t, customer.AccessData, 1)
	assert.Equal(t, janeEmail, customer.AccessData[0]["email"])
	orders := env.task("pr-1", types.ActionAccess, ds("orders"))
	require.Len(t, orders.AccessData, 1)
	assert.Equal(t, 10.0, orders.AccessData[0]["id"])
	items := env.task("pr-1", types.ActionAccess, ds("order_items"))
	require.Len(t, items.AccessData, 1)
	assert.Equal(t, 100.0, items.AccessData[0]["id"])

	// only jane's rows are masked
	rows := env.db.Rows(ds("customer"))
	assert.Nil(t, rows[0]["name"])
	assert.Equal(t, janeEmail, rows[0]["email"])
	assert.Equal(t, "Other", rows[1]["name"])
	rows = env.db.Rows(ds("orders"))
	assert.Nil(t, rows[0]["address"])
	assert.Equal(t, "2 Side St", rows[1]["address"])
	rows = env.db.Rows(ds("order_items"))
	assert.Nil(t, rows[0]["note"])
	assert.Equal(t, "leave at door", rows[1]["note"])

	for _, c := range []string{"customer", "orders", "order_items"} {
		task := env.task("pr-1", types.ActionErasure, ds(c))
		assert.Equal(t, types.StatusComplete, task.Status, c)
		assert.Equal(t, 1, task.RowsMasked, c)
		assert.Equal(t, 1, env.db.Calls(ds(c), types.ActionErasure), c)
	}
	assert.Equal(t, []string{ds("orders").String()}, env.task("pr-1", types.ActionErasure, ds("order_items")).UpstreamTasks)

	var masked int
	found, err := env.engine.store.GetCache(context.Background(), "pr-1", "erasure_request__ds:customer", &masked)
	require.Nil(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, masked)

	assert.Equal(t, []types.ExecutionStatus{types.StatusInProcessing, types.StatusComplete},
		env.logStatuses("pr-1", types.ActionAccess, ds("customer")))
	assert.Equal(t, 0, env.db.OpenConnectors())
}

func TestAccessOnlyPolicy(t *testing.T) {
	env := newTestEnv(t, false)
	env.run("pr-1")
	assert.Empty(t, env.drain())

	assert.Equal(t, types.RequestComplete, env.request("pr-1").Status)
	tasks, err := env.engine.ListRequestTasks(context.Background(), "pr-1", types.ActionErasure)
	require.Nil(t, err)
	assert.Empty(t, tasks)
	assert.Equal(t, "Jane", env.db.Rows(ds("customer"))[0]["name"])
}

func TestAccessLogsConnectorQuery(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	level := log.GetLevel()
	log.SetLevel(log.DebugLevel)
	defer log.SetLevel(level)

	env := newTestEnv(t, false)
	env.run("pr-1")
	assert.Empty(t, env.drain())

	queries := make([]string, 0)
	for _, entry := range hook.AllEntries() {
		if entry.Data["collection"] == ds("orders").String() && strings.HasPrefix(entry.Message, "query: ") {
			queries = append(queries, entry.Message)
		}
	}
	require.Len(t, queries, 1)
	assert.Contains(t, queries[0], "FROM ds:orders WHERE customer_id IN (?)")
}

func TestRunPrivacyRequestValidation(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	err := env.engine.RunPrivacyRequest(ctx, nil)
	assert.True(t, errors.Is(err, errors.BadRequest))

	request := env.newRequest("pr-1")
	request.PolicyKey = "missing"
	err = env.engine.RunPrivacyRequest(ctx, request)
	assert.True(t, errors.Is(err, errors.NotFound))

	request = env.newRequest("pr-2")
	request.Identity = nil
	err = env.engine.RunPrivacyRequest(ctx, request)
	assert.True(t, errors.Is(err, errors.BadRequest))

	request = env.newRequest("")
	require.Nil(t, env.engine.RunPrivacyRequest(ctx, request))
	assert.NotEmpty(t, request.ID)
	assert.Empty(t, env.drain())
	assert.Equal(t, types.RequestComplete, env.request(request.ID).Status)

	_, err = env.engine.ListRequestTasks(ctx, request.ID, "delete")
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestConsentRequest(t *testing.T) {
	env := newTestEnv(t, false)
	env.addCRM(&types.ConnectionConfig{Access: types.AccessRead})

	request := env.newRequest("pr-1")
	request.Consent = true
	require.Nil(t, env.engine.RunPrivacyRequest(context.Background(), request))
	assert.Empty(t, env.drain())

	assert.Equal(t, types.RequestComplete, env.request("pr-1").Status)
	consents := env.db.Consents()
	assert.Len(t, consents, 3)
	for _, c := range consents {
		assert.Equal(t, "ds", c.Address.Dataset)
		assert.Equal(t, types.Data{"email": janeEmail}, c.Identity)
	}

	customer := env.task("pr-1", types.ActionConsent, ds("customer"))
	assert.Equal(t, types.StatusComplete, customer.Status)
	assert.True(t, customer.ConsentSent)

	// read only connections keep the error to themselves
	profiles := env.task("pr-1", types.ActionConsent, crm("profiles"))
	assert.Equal(t, types.StatusError, profiles.Status)
	assert.True(t, profiles.ErrorContained)
	assert.False(t, profiles.ConsentSent)
	assert.Equal(t, 0, env.db.Calls(crm("profiles"), types.ActionConsent))

	tasks, err := env.engine.ListRequestTasks(context.Background(), "pr-1", types.ActionAccess)
	require.Nil(t, err)
	assert.Empty(t, tasks)
}

func TestErasureOnReadOnlyConnection(t *testing.T) {
	env := newTestEnv(t, true)
	env.addCRM(&types.ConnectionConfig{Access: types.AccessRead})
	env.run("pr-1")
	assert.Empty(t, env.drain())

	assert.Equal(t, types.RequestComplete, env.request("pr-1").Status)

	access := env.task("pr-1", types.ActionAccess, crm("profiles"))
	assert.Equal(t, types.StatusComplete, access.Status)
	require.Len(t, access.AccessData, 1)

	profiles := env.task("pr-1", types.ActionErasure, crm("profiles"))
	assert.Equal(t, types.StatusError, profiles.Status)
	assert.True(t, profiles.ErrorContained)
	assert.Equal(t, 0, profiles.RowsMasked)
	assert.Equal(t, 0, env.db.Calls(crm("profiles"), types.ActionErasure))
	assert.Equal(t, "jj", env.db.Rows(crm("profiles"))[0]["nickname"])

	// nothing can be targeted without a primary key
	newsletter := env.task("pr-1", types.ActionErasure, crm("newsletter"))
	assert.Equal(t, types.StatusComplete, newsletter.Status)
	assert.Equal(t, 0, newsletter.RowsMasked)
	assert.Equal(t, "weekly deals", env.db.Rows(crm("newsletter"))[0]["topic"])

	status, err := env.engine.GetRequestStatus(context.Background(), "pr-1")
	require.Nil(t, err)
	assert.Equal(t, types.StatusComplete, status.TaskStatus[types.ActionErasure][ds("customer").String()])
	assert.Equal(t, types.StatusError, status.TaskStatus[types.ActionErasure][crm("profiles").String()])
}

func TestDisabledConnectionIsSkipped(t *testing.T) {
	env := newTestEnv(t, true)
	env.addCRM(&types.ConnectionConfig{Access: types.AccessWrite, Disabled: true})
	env.run("pr-1")
	assert.Empty(t, env.drain())

	assert.Equal(t, types.RequestComplete, env.request("pr-1").Status)
	for _, action := range []types.ActionType{types.ActionAccess, types.ActionErasure} {
		for _, c := range []string{"profiles", "newsletter"} {
			task := env.task("pr-1", action, crm(c))
			assert.Equal(t, types.StatusSkipped, task.Status, "%s %s", action, c)
			assert.Equal(t, 0, env.db.Calls(crm(c), action))
		}
	}
	assert.Equal(t, []types.ExecutionStatus{types.StatusSkipped},
		env.logStatuses("pr-1", types.ActionAccess, crm("profiles")))
}

func TestRetrySucceeds(t *testing.T) {
	env := newTestEnv(t, false)
	env.db.FailNext(ds("orders"), types.ActionAccess, 1, errors.New("connection reset"))
	env.run("pr-1")
	assert.Empty(t, env.drain())

	assert.Equal(t, types.RequestComplete, env.request("pr-1").Status)
	assert.Equal(t, 2, env.db.Calls(ds("orders"), types.ActionAccess))
	assert.Equal(t, types.StatusComplete, env.task("pr-1", types.ActionAccess, ds("orders")).Status)

	statuses := env.logStatuses("pr-1", types.ActionAccess, ds("orders"))
	assert.Len(t, statuses, 3)
	assert.Contains(t, statuses, types.StatusInProcessing)
	assert.Contains(t, statuses, types.StatusRetrying)
	assert.Contains(t, statuses, types.StatusComplete)
}

func TestRetryExhaustedThenResume(t *testing.T) {
	env := newTestEnv(t, false)
	env.db.FailNext(ds("orders"), types.ActionAccess, 2, errors.New("connection reset"))
	env.run("pr-1")
	assert.Empty(t, env.drain())

	pr := env.request("pr-1")
	assert.Equal(t, types.RequestError, pr.Status)
	assert.Contains(t, pr.LastError, "ds:orders")
	assert.Equal(t, 2, env.db.Calls(ds("orders"), types.ActionAccess))
	assert.Equal(t, types.StatusComplete, env.task("pr-1", types.ActionAccess, ds("customer")).Status)
	assert.Equal(t, types.StatusError, env.task("pr-1", types.ActionAccess, ds("orders")).Status)
	assert.Equal(t, types.StatusPending, env.task("pr-1", types.ActionAccess, ds("order_items")).Status)

	require.Nil(t, env.engine.ResumeRequest(context.Background(), "pr-1"))
	assert.Empty(t, env.drain())

	pr = env.request("pr-1")
	assert.Equal(t, types.RequestComplete, pr.Status)
	assert.Empty(t, pr.LastError)
	assert.Equal(t, 3, env.db.Calls(ds("orders"), types.ActionAccess))
	// customer is not run again
	assert.Equal(t, 1, env.db.Calls(ds("customer"), types.ActionAccess))
}

func TestFatalErrorIsNotRetried(t *testing.T) {
	env := newTestEnv(t, false)
	env.db.FailNext(ds("orders"), types.ActionAccess, 5, types.NewFatalErrorf("bad credentials"))
	env.run("pr-1")
	assert.Empty(t, env.drain())

	assert.Equal(t, types.RequestError, env.request("pr-1").Status)
	assert.Equal(t, 1, env.db.Calls(ds("orders"), types.ActionAccess))
}

func TestPauseAndResume(t *testing.T) {
	env := newTestEnv(t, false)
	env.db.FailNext(ds("orders"), types.ActionAccess, 1, types.NewPauseErrorf("awaiting manual input"))
	env.run("pr-1")
	assert.Empty(t, env.drain())

	assert.Equal(t, types.RequestPaused, env.request("pr-1").Status)
	assert.Equal(t, types.StatusPaused, env.task("pr-1", types.ActionAccess, ds("orders")).Status)
	assert.Equal(t, types.StatusPending, env.task("pr-1", types.ActionAccess, ds("order_items")).Status)
	assert.Equal(t, 1, env.db.Calls(ds("orders"), types.ActionAccess))

	require.Nil(t, env.engine.ResumeRequest(context.Background(), "pr-1"))
	assert.Empty(t, env.drain())
	assert.Equal(t, types.RequestComplete, env.request("pr-1").Status)
	assert.Equal(t, 2, env.db.Calls(ds("orders"), types.ActionAccess))
}

func TestRequiresInputAndResume(t *testing.T) {
	env := newTestEnv(t, false)
	env.db.FailNext(ds("orders"), types.ActionAccess, 1, types.NewRequiresInputErrorf("order export must be uploaded"))
	env.run("pr-1")
	assert.Empty(t, env.drain())

	assert.Equal(t, types.RequestRequiresInput, env.request("pr-1").Status)
	assert.Equal(t, types.StatusPaused, env.task("pr-1", types.ActionAccess, ds("orders")).Status)

	require.Nil(t, env.engine.ResumeRequest(context.Background(), "pr-1"))
	assert.Empty(t, env.drain())
	assert.Equal(t, types.RequestComplete, env.request("pr-1").Status)
}

func TestHydrationFailureFailsDescendants(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	env.run("pr-1")

	orders := env.task("pr-1", types.ActionAccess, ds("orders"))
	snapshot := orders.CollectionSnapshot
	_, err := env.engine.store.UpdateRequestTask(ctx, orders.ID, func(rt *types.RequestTask) error {
		rt.CollectionSnapshot = json.RawMessage(`{"name":"somewhere_else"}`)
		return nil
	})
	require.Nil(t, err)

	errs := env.drain()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "ds:orders")

	assert.Equal(t, types.StatusComplete, env.task("pr-1", types.ActionAccess, ds("customer")).Status)
	for _, addr := range []types.CollectionAddress{ds("orders"), ds("order_items"), types.TerminatorAddress} {
		assert.Equal(t, types.StatusError, env.task("pr-1", types.ActionAccess, addr).Status, addr.String())
	}
	pr := env.request("pr-1")
	assert.Equal(t, types.RequestError, pr.Status)
	assert.NotEmpty(t, pr.LastError)
	assert.Equal(t, 0, env.db.Calls(ds("orders"), types.ActionAccess))

	// once the snapshot is repaired the request picks up where it stopped
	_, err = env.engine.store.UpdateRequestTask(ctx, orders.ID, func(rt *types.RequestTask) error {
		rt.CollectionSnapshot = snapshot
		return nil
	})
	require.Nil(t, err)
	require.Nil(t, env.engine.ResumeRequest(ctx, "pr-1"))
	assert.Empty(t, env.drain())
	assert.Equal(t, types.RequestComplete, env.request("pr-1").Status)
	assert.Equal(t, 1, env.db.Calls(ds("customer"), types.ActionAccess))
}

func TestCancelRequest(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	env.run("pr-1")

	require.Nil(t, env.engine.CancelRequest(ctx, "pr-1"))
	assert.Empty(t, env.drain())

	pr := env.request("pr-1")
	assert.Equal(t, types.RequestCanceled, pr.Status)
	assert.False(t, pr.FinishedAt.IsZero())
	assert.Equal(t, 0, env.db.Calls(ds("customer"), types.ActionAccess))
	assert.Equal(t, types.StatusPending, env.task("pr-1", types.ActionAccess, ds("customer")).Status)

	err := env.engine.ResumeRequest(ctx, "pr-1")
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestCancelCompleteRequest(t *testing.T) {
	env := newTestEnv(t, false)
	env.run("pr-1")
	assert.Empty(t, env.drain())

	err := env.engine.CancelRequest(context.Background(), "pr-1")
	assert.True(t, errors.Is(err, errors.NotValid))
	assert.Equal(t, types.RequestComplete, env.request("pr-1").Status)
}

func TestRunPrivacyRequestResumesExistingTasks(t *testing.T) {
	env := newTestEnv(t, false)
	env.db.FailNext(ds("orders"), types.ActionAccess, 2, errors.New("connection reset"))
	env.run("pr-1")
	assert.Empty(t, env.drain())
	require.Equal(t, types.RequestError, env.request("pr-1").Status)

	tasks, err := env.engine.ListRequestTasks(context.Background(), "pr-1", types.ActionAccess)
	require.Nil(t, err)
	ids := make(map[string]string, len(tasks))
	for _, task := range tasks {
		ids[task.CollectionAddress] = task.ID
	}

	// the graph is not rebuilt, the existing tasks are picked back up
	env.run("pr-1")
	assert.Empty(t, env.drain())
	assert.Equal(t, types.RequestComplete, env.request("pr-1").Status)

	tasks, err = env.engine.ListRequestTasks(context.Background(), "pr-1", types.ActionAccess)
	require.Nil(t, err)
	assert.Len(t, tasks, len(ids))
	for _, task := range tasks {
		assert.Equal(t, ids[task.CollectionAddress], task.ID)
	}
	assert.Equal(t, 1, env.db.Calls(ds("customer"), types.ActionAccess))
}

func TestReloadRequests(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	env.run("pr-1")
	env.run("pr-2")
	assert.Empty(t, env.drain())
	env.run("pr-3")

	// the queued tasks of pr-3 are lost with the engine
	require.Nil(t, env.engine.Close(ctx))
	assert.True(t, errors.Is(env.engine.RunPrivacyRequest(ctx, env.newRequest("pr-4")), errors.MethodNotAllowed))
	env.start()

	errs, err := env.engine.ReloadRequests(ctx)
	require.Nil(t, err)
	assert.Nil(t, errs)
	assert.Empty(t, env.drain())

	for _, id := range []string{"pr-1", "pr-2", "pr-3"} {
		assert.Equal(t, types.RequestComplete, env.request(id).Status, id)
	}
	assert.Equal(t, 3, env.db.Calls(ds("customer"), types.ActionAccess))
}

func TestRenderRequestTasks(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	env.addCRM(&types.ConnectionConfig{Access: types.AccessRead})
	env.run("pr-1")
	assert.Empty(t, env.drain())

	dot, err := env.engine.RenderRequestTasks(ctx, "pr-1", types.ActionErasure)
	require.Nil(t, err)
	assert.Contains(t, dot, "digraph D {")
	assert.Contains(t, dot, "green")
	assert.Contains(t, dot, "pink")
	assert.Contains(t, dot, "label=\"erasure pr-1\"")

	_, err = env.engine.RenderRequestTasks(ctx, "pr-1", types.ActionConsent)
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t, false)

	assert.True(t, errors.Is(env.engine.RegisterConnection(&types.ConnectionConfig{Type: memory.ConnectionType}), errors.NotValid))
	assert.True(t, errors.Is(env.engine.RegisterConnection(&types.ConnectionConfig{Key: "x"}), errors.NotValid))
	assert.True(t, errors.Is(env.engine.RegisterPolicy(&types.RulePolicy{}), errors.NotValid))
	assert.True(t, errors.Is(env.engine.RegisterDataset(nil), errors.NotValid))
}

func TestAsyncEngine(t *testing.T) {
	db := memory.NewDatabase()
	registry := connectors.NewRegistry()
	require.Nil(t, memory.Register(registry, db))
	seedShop(t, db)

	opts := newOptions(registry)
	opts.AutoStart = true
	opts.TaskRunAsync = true
	opts.MaxTaskConcurrency = 4
	e := newEngine(mem.NewMemStore(), opts)
	defer e.Close(context.Background())

	require.Nil(t, e.RegisterConnection(&types.ConnectionConfig{
		Key: shopConnection, Type: memory.ConnectionType, Access: types.AccessWrite,
	}))
	require.Nil(t, e.RegisterDataset(shopDataset()))
	require.Nil(t, e.RegisterPolicy(testPolicy(true)))

	ctx := context.Background()
	for _, id := range []string{"pr-1", "pr-2"} {
		require.Nil(t, e.RunPrivacyRequest(ctx, &types.PrivacyRequest{
			ID: id, PolicyKey: testPolicyKey, Identity: types.Data{"email": janeEmail},
		}))
	}

	assert.Eventually(t, func() bool {
		for _, id := range []string{"pr-1", "pr-2"} {
			status, err := e.GetRequestStatus(ctx, id)
			if err != nil || status.Status != types.RequestComplete {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.Nil(t, db.Rows(ds("customer"))[0]["name"])
	assert.Equal(t, "Other", db.Rows(ds("customer"))[1]["name"])
}
