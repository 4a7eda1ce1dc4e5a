package privacyflow_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warriorguo/privacyflow"
	"github.com/warriorguo/privacyflow/connectors"
	"github.com/warriorguo/privacyflow/connectors/memory"
	"github.com/warriorguo/privacyflow/dataset"
	"github.com/warriorguo/privacyflow/types"
)

const manifest = `
dataset:
  - name: app
    connection_key: app_db
    collections:
      - name: users
        fields:
          - name: id
            data_type: integer
            primary_key: true
          - name: email
            data_type: string
            identity: email
            data_categories: [user.contact.email]
          - name: phone
            data_type: string
            data_categories: [user.contact.phone]
      - name: sessions
        fields:
          - name: id
            data_type: string
            primary_key: true
          - name: user_id
            data_type: integer
            references:
              - dataset: app
                field: users.id
                direction: from
          - name: ip
            data_type: string
            data_categories: [user.device.ip]
`

var policy = &types.RulePolicy{
	PolicyKey: "erase_contact",
	Rules: []*types.Rule{
		{Name: "access", ActionType: types.ActionAccess, Targets: []string{"user"}},
		{Name: "erase", ActionType: types.ActionErasure, Targets: []string{"user.contact.phone", "user.device"}},
	},
}

func appAddr(collection string) types.CollectionAddress {
	return types.NewCollectionAddress("app", collection)
}

func setup(t *testing.T, opts ...types.EngineOption) (types.Engine, *memory.Database) {
	db := memory.NewDatabase()
	registry := connectors.NewRegistry()
	require.Nil(t, memory.Register(registry, db))
	require.Nil(t, db.Insert(appAddr("users"),
		types.Row{"id": 1, "email": "ann@example.com", "phone": "555-0101"},
		types.Row{"id": 2, "email": "bob@example.com", "phone": "555-0102"},
	))
	require.Nil(t, db.Insert(appAddr("sessions"),
		types.Row{"id": "s1", "user_id": 1, "ip": "10.0.0.1"},
		types.Row{"id": "s2", "user_id": 1, "ip": "10.0.0.2"},
		types.Row{"id": "s3", "user_id": 2, "ip": "10.0.0.3"},
	))

	engine, err := privacyflow.NewEngine(append([]types.EngineOption{
		types.EnableMemStore(),
		types.WithConnectorRegistry(registry),
		types.SetTaskRetry(1, time.Millisecond, 2),
	}, opts...)...)
	require.Nil(t, err)
	t.Cleanup(func() {
		assert.Nil(t, engine.Close(context.Background()))
	})

	datasets, err := dataset.Load(strings.NewReader(manifest))
	require.Nil(t, err)
	for _, d := range datasets {
		require.Nil(t, engine.RegisterDataset(d))
	}
	require.Nil(t, engine.RegisterConnection(&types.ConnectionConfig{
		Key: "app_db", Type: memory.ConnectionType, Access: types.AccessWrite,
	}))
	require.Nil(t, engine.RegisterPolicy(policy))
	return engine, db
}

func TestEngineManualRun(t *testing.T) {
	engine, db := setup(t, types.DisableAutoStart(), types.DisableTaskRunAsync())
	ctx := context.Background()

	require.Nil(t, engine.RunPrivacyRequest(ctx, &types.PrivacyRequest{
		ID: "dsr-1", PolicyKey: policy.Key(), Identity: types.Data{"email": "ann@example.com"},
	}))
	for i := 0; i < 20; i++ {
		assert.Nil(t, engine.RunOnce())
	}

	status, err := engine.GetRequestStatus(ctx, "dsr-1")
	require.Nil(t, err)
	assert.Equal(t, types.RequestComplete, status.Status)
	assert.Equal(t, types.StatusComplete, status.TaskStatus[types.ActionErasure][appAddr("sessions").String()])

	users := db.Rows(appAddr("users"))
	assert.Nil(t, users[0]["phone"])
	assert.Equal(t, "ann@example.com", users[0]["email"])
	assert.Equal(t, "555-0102", users[1]["phone"])

	sessions := db.Rows(appAddr("sessions"))
	assert.Nil(t, sessions[0]["ip"])
	assert.Nil(t, sessions[1]["ip"])
	assert.Equal(t, "10.0.0.3", sessions[2]["ip"])

	tasks, err := engine.ListRequestTasks(ctx, "dsr-1", types.ActionErasure)
	require.Nil(t, err)
	for _, task := range tasks {
		if task.CollectionAddress == appAddr("sessions").String() {
			assert.Equal(t, 2, task.RowsMasked)
		}
	}
}

func TestEngineAutoStart(t *testing.T) {
	engine, db := setup(t)
	ctx := context.Background()

	require.Nil(t, engine.RunPrivacyRequest(ctx, &types.PrivacyRequest{
		ID: "dsr-1", PolicyKey: policy.Key(), Identity: types.Data{"email": "bob@example.com"},
	}))
	assert.Eventually(t, func() bool {
		status, err := engine.GetRequestStatus(ctx, "dsr-1")
		return err == nil && status.Status == types.RequestComplete
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "555-0101", db.Rows(appAddr("users"))[0]["phone"])
	assert.Nil(t, db.Rows(appAddr("users"))[1]["phone"])

	logs, err := engine.ListExecutionLogs(ctx, "dsr-1")
	require.Nil(t, err)
	assert.NotEmpty(t, logs)

	s, err := engine.RenderRequestTasks(ctx, "dsr-1", types.ActionAccess)
	assert.Nil(t, err)
	assert.Contains(t, s, "app_users -> app_sessions")
}

func TestNewEngineInvalidPostgresConfig(t *testing.T) {
	_, err := privacyflow.NewEngine(types.WithPostgresConfig(&types.PostgresConfig{Port: 5432}))
	require.NotNil(t, err)
	assert.True(t, errors.Is(err, errors.NotValid))
}
