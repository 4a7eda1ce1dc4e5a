package runtime

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/privacyflow/dataset"
	"github.com/warriorguo/privacyflow/store"
	"github.com/warriorguo/privacyflow/traversal"
	"github.com/warriorguo/privacyflow/types"
	"github.com/warriorguo/privacyflow/utils"
)

var (
	_ types.Engine = &engine{}
)

func NewEngine(s store.Store, opts *types.EngineOptions) types.Engine {
	return newEngine(s, opts)
}

type engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	opts      *types.EngineOptions
	store     *store.TaskStore
	queue     *taskQueue
	scheduler Scheduler
	registry  types.ConnectorRegistry
	retry     retryPolicy

	running atomic.Bool
	exitCh  chan struct{}

	mu          sync.RWMutex
	connections map[string]*types.ConnectionConfig
	datasets    map[string]*types.Dataset
	policies    map[string]types.Policy
}

func newEngine(s store.Store, opts *types.EngineOptions) *engine {
	e := &engine{
		opts:        opts,
		store:       store.NewTaskStore(s),
		registry:    opts.Connectors,
		retry:       retryPolicyFromOptions(opts),
		connections: make(map[string]*types.ConnectionConfig),
		datasets:    make(map[string]*types.Dataset),
		policies:    make(map[string]types.Policy),
	}
	e.ctx, e.cancel = context.WithCancel(opts.Ctx)
	e.queue = newTaskQueue(opts.MaxTaskConcurrency, opts.TaskRunAsync, e.runTask)
	e.scheduler = e.queue
	e.running.Store(true)

	if opts.AutoStart {
		e.asyncRun()
	}
	return e
}

// asyncRun drains the queue whenever a task is enqueued.
func (e *engine) asyncRun() {
	e.exitCh = make(chan struct{})

	go func() {
		defer close(e.exitCh)
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-e.queue.wakeCh:
			}
			for e.queue.size() > 0 && e.ctx.Err() == nil {
				if err := e.queue.runOnce(e.ctx, e.opts.MaxTaskConcurrency); err != nil {
					log.Errorf("run tasks: %v", errors.ErrorStack(err))
				}
			}
		}
	}()
}

func (e *engine) RegisterConnection(config *types.ConnectionConfig) error {
	if config == nil || config.Key == "" {
		return errors.NotValidf("connection config without key")
	}
	if config.Type == "" {
		return errors.NotValidf("connection config %s without connection_type", config.Key)
	}
	c := *config

	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections[c.Key] = &c
	return nil
}

func (e *engine) RegisterDataset(d *types.Dataset) error {
	if d == nil {
		return errors.NotValidf("nil dataset")
	}
	if err := dataset.Validate(d); err != nil {
		return errors.Trace(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.datasets[d.Name] = d
	return nil
}

func (e *engine) RegisterPolicy(policy types.Policy) error {
	if policy == nil || policy.Key() == "" {
		return errors.NotValidf("policy without key")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[policy.Key()] = policy
	return nil
}

func (e *engine) getPolicy(key string) (types.Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policy, exists := e.policies[key]
	if !exists {
		return nil, errors.NotFoundf("policy %s", key)
	}
	return policy, nil
}

// connectionsSnapshot copies the registered connections for one task.
func (e *engine) connectionsSnapshot() map[string]*types.ConnectionConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return utils.CloneMap(e.connections)
}

func (e *engine) datasetGraph() (*traversal.DatasetGraph, error) {
	e.mu.RLock()
	names := make([]string, 0, len(e.datasets))
	for name := range e.datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	datasets := make([]*types.Dataset, 0, len(names))
	for _, name := range names {
		datasets = append(datasets, e.datasets[name])
	}
	e.mu.RUnlock()

	return traversal.NewDatasetGraph(datasets...)
}

func (e *engine) RunPrivacyRequest(ctx context.Context, request *types.PrivacyRequest) error {
	if !e.running.Load() {
		return errors.MethodNotAllowedf("not running")
	}
	if request == nil {
		return errors.BadRequestf("nil privacy request")
	}

	if request.ID != "" {
		existing, err := e.store.GetPrivacyRequest(ctx, request.ID)
		switch {
		case err == nil:
			action, err := e.currentAction(ctx, existing)
			if err != nil {
				return errors.Trace(err)
			}
			if action != "" {
				log.WithField("privacy_request_id", request.ID).Infof("request tasks exist, resuming")
				return errors.Trace(e.ResumeRequest(ctx, request.ID))
			}
		case !errors.Is(err, errors.NotFound):
			return errors.Trace(err)
		}
	}

	if _, err := e.getPolicy(request.PolicyKey); err != nil {
		return errors.Trace(err)
	}
	if len(request.Identity) == 0 {
		return errors.BadRequestf("privacy request without identity")
	}

	request.Status = types.RequestInProcessing
	request.LastError = ""
	if err := e.store.SavePrivacyRequest(ctx, request); err != nil {
		return errors.Trace(err)
	}

	root, err := e.persistInitialTasks(ctx, request)
	if err != nil {
		if ferr := e.failRequest(ctx, request.ID, err); ferr != nil {
			log.Errorf("mark privacy request %s failed: %v", request.ID, ferr)
		}
		return errors.Trace(err)
	}
	return errors.Trace(e.queueDownstreamTasks(ctx, root))
}

// persistInitialTasks writes the consent graph of a consent request and the
// access graph of any other request.
func (e *engine) persistInitialTasks(ctx context.Context, request *types.PrivacyRequest) (*types.RequestTask, error) {
	graph, err := e.datasetGraph()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if request.Consent {
		return persistNewConsentRequestTasks(ctx, e.store, request, traversal.FlatNodes(graph))
	}

	t, nodes, endNodes, err := traversal.Run(graph, request.Identity)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return persistNewAccessRequestTasks(ctx, e.store, request, t, nodes, endNodes)
}

// currentAction is the latest action the request has tasks for, or empty
// when it has none.
func (e *engine) currentAction(ctx context.Context, request *types.PrivacyRequest) (types.ActionType, error) {
	candidates := []types.ActionType{types.ActionErasure, types.ActionAccess}
	if request.Consent {
		candidates = []types.ActionType{types.ActionConsent}
	}
	for _, action := range candidates {
		root, err := e.store.GetRootTask(ctx, request.ID, action)
		if err != nil {
			return "", errors.Trace(err)
		}
		if root != nil {
			return action, nil
		}
	}
	return "", nil
}

func (e *engine) ResumeRequest(ctx context.Context, requestID string) error {
	if !e.running.Load() {
		return errors.MethodNotAllowedf("not running")
	}
	request, err := e.store.GetPrivacyRequest(ctx, requestID)
	if err != nil {
		return errors.Trace(err)
	}
	if request.Status.IsFinished() {
		return errors.NotValidf("resume privacy request %s in status %s", requestID, request.Status)
	}
	action, err := e.currentAction(ctx, request)
	if err != nil {
		return errors.Trace(err)
	}
	if action == "" {
		return errors.NotFoundf("request tasks of %s", requestID)
	}

	request, err = e.store.UpdatePrivacyRequest(ctx, requestID, func(pr *types.PrivacyRequest) error {
		pr.Status = types.RequestInProcessing
		pr.LastError = ""
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}

	ready, err := getExistingReadyTasks(ctx, e.store, request, action)
	if err != nil {
		return errors.Trace(err)
	}
	log.WithFields(log.Fields{
		"privacy_request_id": requestID,
		"action":             action,
	}).Infof("resuming with %d ready tasks", len(ready))
	for _, task := range ready {
		e.scheduler.Enqueue(task.ID)
	}

	terminator, err := e.store.GetTerminatorTask(ctx, requestID, action)
	if err != nil {
		return errors.Trace(err)
	}
	if terminator != nil && terminator.Status == types.StatusComplete {
		return errors.Trace(e.advanceRequest(ctx, requestID, action))
	}
	return nil
}

func (e *engine) CancelRequest(ctx context.Context, requestID string) error {
	_, err := e.store.UpdatePrivacyRequest(ctx, requestID, func(pr *types.PrivacyRequest) error {
		if pr.Status == types.RequestComplete {
			return errors.NotValidf("cancel complete privacy request %s", requestID)
		}
		pr.Status = types.RequestCanceled
		pr.FinishedAt = time.Now()
		return nil
	})
	return errors.Trace(err)
}

func (e *engine) GetRequestStatus(ctx context.Context, requestID string) (*types.RequestStatus, error) {
	request, err := e.store.GetPrivacyRequest(ctx, requestID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	status := &types.RequestStatus{
		Status:     request.Status,
		LastError:  request.LastError,
		TaskStatus: make(map[types.ActionType]map[string]types.ExecutionStatus),
	}
	for _, action := range []types.ActionType{types.ActionAccess, types.ActionErasure, types.ActionConsent} {
		tasks, err := e.store.ListRequestTasks(ctx, requestID, action)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if len(tasks) == 0 {
			continue
		}
		byAddress := make(map[string]types.ExecutionStatus, len(tasks))
		for _, task := range tasks {
			byAddress[task.CollectionAddress] = task.Status
		}
		status.TaskStatus[action] = byAddress
	}
	return status, nil
}

func (e *engine) ListRequestTasks(ctx context.Context, requestID string, action types.ActionType) ([]*types.RequestTask, error) {
	if !action.Valid() {
		return nil, errors.NotValidf("action type %q", action)
	}
	return e.store.ListRequestTasks(ctx, requestID, action)
}

func (e *engine) ListExecutionLogs(ctx context.Context, requestID string) ([]*types.ExecutionLog, error) {
	return e.store.ListExecutionLogs(ctx, requestID)
}

func (e *engine) RenderRequestTasks(ctx context.Context, requestID string, action types.ActionType) (string, error) {
	tasks, err := e.ListRequestTasks(ctx, requestID, action)
	if err != nil {
		return "", errors.Trace(err)
	}
	if len(tasks) == 0 {
		return "", errors.NotFoundf("%s tasks of %s", action, requestID)
	}
	return newTaskRenderer().generateDOT(requestID, action, tasks), nil
}

// ReloadRequests resumes every request left pending or in processing.
func (e *engine) ReloadRequests(ctx context.Context) (map[string]error, error) {
	ids, err := e.store.ListPrivacyRequestIDs(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	errs := make(map[string]error)
	for _, id := range ids {
		request, err := e.store.GetPrivacyRequest(ctx, id)
		if err != nil {
			errs[id] = errors.Trace(err)
			continue
		}
		if request.Status != types.RequestPending && request.Status != types.RequestInProcessing {
			continue
		}
		if err := e.RunPrivacyRequest(ctx, request); err != nil {
			errs[id] = errors.Trace(err)
		}
	}
	if len(errs) == 0 {
		errs = nil
	}
	return errs, nil
}

func (e *engine) Close(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.cancel()

	if e.exitCh != nil {
		<-e.exitCh
	}
	e.queue.stopWait()
	return nil
}

func (e *engine) RunOnce() error {
	return e.queue.runOnce(e.ctx, e.opts.MaxTaskConcurrency)
}
