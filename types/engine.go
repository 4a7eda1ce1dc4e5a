package types

import "context"

type Engine interface {
	RegisterConnection(config *ConnectionConfig) error
	RegisterDataset(dataset *Dataset) error
	RegisterPolicy(policy Policy) error

	/**
	 * RunPrivacyRequest persists the request and builds its task graph, or,
	 * when tasks already exist for it, resumes from the persisted task state
	 * without rebuilding the graph.
	 */
	RunPrivacyRequest(ctx context.Context, request *PrivacyRequest) error
	// ResumeRequest re-queues every task of a paused or errored request whose
	// upstream tasks are complete.
	ResumeRequest(ctx context.Context, requestID string) error
	// CancelRequest stops new tasks of the request from being scheduled.
	// Tasks already running are not interrupted.
	CancelRequest(ctx context.Context, requestID string) error

	GetRequestStatus(ctx context.Context, requestID string) (*RequestStatus, error)
	ListRequestTasks(ctx context.Context, requestID string, action ActionType) ([]*RequestTask, error)
	ListExecutionLogs(ctx context.Context, requestID string) ([]*ExecutionLog, error)
	/**
	 * RenderRequestTasks returns the DOT string of the task graph of the given
	 * action, nodes coloured by status.
	 */
	RenderRequestTasks(ctx context.Context, requestID string, action ActionType) (string, error)

	/**
	 * close the engine; queued tasks are dropped and picked up again
	 * by ReloadRequests.
	 */
	Close(ctx context.Context) error
	/**
	 * caller self invoking RunOnce, EngineOptions.AutoStart should be false.
	 */
	RunOnce() error
	/**
	 * ReloadRequests resumes every unfinished privacy request found in the store.
	 */
	ReloadRequests(ctx context.Context) (map[string]error, error)
}
