package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/privacyflow/types"
	"github.com/warriorguo/privacyflow/utils"
)

const (
	RequestTaskPath    = "/request_task/"
	RequestTaskIDPath  = "/request_task_id/"
	PrivacyRequestPath = "/privacy_request/"
	ExecutionLogPath   = "/execution_log/"
	CachePath          = "/cache/"
)

func requestTaskPrefix(privacyRequestID string, action types.ActionType) string {
	return RequestTaskPath + privacyRequestID + "/" + string(action)
}

func executionLogPrefix(privacyRequestID string) string {
	return ExecutionLogPath + privacyRequestID
}

func cachePrefix(privacyRequestID string) string {
	return CachePath + privacyRequestID
}

// requestTaskRef locates a task row from its id.
type requestTaskRef struct {
	PrivacyRequestID string           `json:"privacy_request_id"`
	ActionType       types.ActionType `json:"action_type"`
	Address          string           `json:"collection_address"`
}

/**
 * TaskStore is the repository of request tasks, privacy requests, execution
 * logs and result caches on top of a Store.
 *
 * Request tasks are keyed by (privacy request, action, collection address),
 * which is what makes creation idempotent. Every read-modify-write goes
 * through the TaskStore mutex.
 */
type TaskStore struct {
	mu    sync.Mutex
	store Store
}

func NewTaskStore(s Store) *TaskStore {
	return &TaskStore{store: s}
}

// CreateRequestTask persists task unless a task already exists for the same
// privacy request, action and address. It returns the stored task and
// whether it was created.
func (t *TaskStore) CreateRequestTask(ctx context.Context, task *types.RequestTask) (*types.RequestTask, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, err := t.getExistingRequestTask(ctx, task.PrivacyRequestID, task.ActionType, task.CollectionAddress)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	if existing != nil {
		return existing, false, nil
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := t.saveRequestTask(ctx, task); err != nil {
		return nil, false, errors.Trace(err)
	}
	ref := &requestTaskRef{
		PrivacyRequestID: task.PrivacyRequestID,
		ActionType:       task.ActionType,
		Address:          task.CollectionAddress,
	}
	b, err := utils.Serialize(ref)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	if err := t.store.Set(ctx, RequestTaskIDPath, task.ID, b); err != nil {
		return nil, false, errors.Annotatef(err, "index request task %s", task.ID)
	}
	return task, true, nil
}

// GetExistingRequestTask returns nil, nil when no task exists.
func (t *TaskStore) GetExistingRequestTask(ctx context.Context, privacyRequestID string, action types.ActionType, address string) (*types.RequestTask, error) {
	return t.getExistingRequestTask(ctx, privacyRequestID, action, address)
}

func (t *TaskStore) getExistingRequestTask(ctx context.Context, privacyRequestID string, action types.ActionType, address string) (*types.RequestTask, error) {
	b, err := t.store.Get(ctx, requestTaskPrefix(privacyRequestID, action), address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if b == nil {
		return nil, nil
	}
	task := &types.RequestTask{}
	if err := utils.Unserialize(b, task); err != nil {
		return nil, errors.Annotatef(err, "unserialize request task %s %s", privacyRequestID, address)
	}
	return task, nil
}

func (t *TaskStore) GetRequestTask(ctx context.Context, id string) (*types.RequestTask, error) {
	return t.getRequestTask(ctx, id)
}

func (t *TaskStore) getRequestTask(ctx context.Context, id string) (*types.RequestTask, error) {
	b, err := t.store.Get(ctx, RequestTaskIDPath, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if b == nil {
		return nil, errors.NotFoundf("request task %s", id)
	}
	ref := &requestTaskRef{}
	if err := utils.Unserialize(b, ref); err != nil {
		return nil, errors.Trace(err)
	}
	task, err := t.getExistingRequestTask(ctx, ref.PrivacyRequestID, ref.ActionType, ref.Address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if task == nil {
		return nil, errors.NotFoundf("request task %s at %s", id, ref.Address)
	}
	return task, nil
}

func (t *TaskStore) SaveRequestTask(ctx context.Context, task *types.RequestTask) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.saveRequestTask(ctx, task)
}

func (t *TaskStore) saveRequestTask(ctx context.Context, task *types.RequestTask) error {
	task.UpdatedAt = time.Now()
	b, err := utils.Serialize(task)
	if err != nil {
		return errors.Trace(err)
	}
	err = t.store.Set(ctx, requestTaskPrefix(task.PrivacyRequestID, task.ActionType), task.CollectionAddress, b)
	return errors.Annotatef(err, "save request task %s", task.CollectionAddress)
}

// UpdateRequestTask reloads the task, applies fn and saves the result.
// Nothing is written if fn fails.
func (t *TaskStore) UpdateRequestTask(ctx context.Context, id string, fn func(task *types.RequestTask) error) (*types.RequestTask, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.getRequestTask(ctx, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := fn(task); err != nil {
		return nil, errors.Trace(err)
	}
	if err := t.saveRequestTask(ctx, task); err != nil {
		return nil, errors.Trace(err)
	}
	return task, nil
}

// ListRequestTasks returns the tasks of one action ordered by address.
func (t *TaskStore) ListRequestTasks(ctx context.Context, privacyRequestID string, action types.ActionType) ([]*types.RequestTask, error) {
	prefix := requestTaskPrefix(privacyRequestID, action)
	addresses := make([]string, 0)
	err := t.store.List(ctx, prefix, func(key string) bool {
		addresses = append(addresses, key)
		return true
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	sort.Strings(addresses)

	tasks := make([]*types.RequestTask, 0, len(addresses))
	for _, addr := range addresses {
		task, err := t.getExistingRequestTask(ctx, privacyRequestID, action, addr)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if task != nil {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (t *TaskStore) GetRootTask(ctx context.Context, privacyRequestID string, action types.ActionType) (*types.RequestTask, error) {
	return t.GetExistingRequestTask(ctx, privacyRequestID, action, types.RootCollectionAddress.String())
}

func (t *TaskStore) GetTerminatorTask(ctx context.Context, privacyRequestID string, action types.ActionType) (*types.RequestTask, error) {
	return t.GetExistingRequestTask(ctx, privacyRequestID, action, types.TerminatorAddress.String())
}

// UpstreamTasksComplete reports whether every upstream task exists and
// lets downstream tasks run: complete, skipped or a contained error.
func (t *TaskStore) UpstreamTasksComplete(ctx context.Context, task *types.RequestTask) (bool, error) {
	for _, addr := range task.UpstreamTasks {
		upstream, err := t.GetExistingRequestTask(ctx, task.PrivacyRequestID, task.ActionType, addr)
		if err != nil {
			return false, errors.Trace(err)
		}
		if upstream == nil || !upstream.SatisfiesDownstream() {
			return false, nil
		}
	}
	return true, nil
}

func (t *TaskStore) SavePrivacyRequest(ctx context.Context, request *types.PrivacyRequest) error {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	if request.CreatedAt.IsZero() {
		request.CreatedAt = time.Now()
	}
	b, err := utils.Serialize(request)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(t.store.Set(ctx, PrivacyRequestPath, request.ID, b), "save privacy request %s", request.ID)
}

func (t *TaskStore) GetPrivacyRequest(ctx context.Context, id string) (*types.PrivacyRequest, error) {
	b, err := t.store.Get(ctx, PrivacyRequestPath, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if b == nil {
		return nil, errors.NotFoundf("privacy request %s", id)
	}
	request := &types.PrivacyRequest{}
	if err := utils.Unserialize(b, request); err != nil {
		return nil, errors.Annotatef(err, "unserialize privacy request %s", id)
	}
	return request, nil
}

// UpdatePrivacyRequest reloads the request, applies fn and saves it.
func (t *TaskStore) UpdatePrivacyRequest(ctx context.Context, id string, fn func(request *types.PrivacyRequest) error) (*types.PrivacyRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	request, err := t.GetPrivacyRequest(ctx, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := fn(request); err != nil {
		return nil, errors.Trace(err)
	}
	if err := t.SavePrivacyRequest(ctx, request); err != nil {
		return nil, errors.Trace(err)
	}
	return request, nil
}

func (t *TaskStore) ListPrivacyRequestIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0)
	err := t.store.List(ctx, PrivacyRequestPath, func(key string) bool {
		ids = append(ids, key)
		return true
	})
	sort.Strings(ids)
	return ids, errors.Trace(err)
}

// DeletePrivacyRequest removes the request with its tasks, logs and caches.
func (t *TaskStore) DeletePrivacyRequest(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, action := range []types.ActionType{types.ActionAccess, types.ActionErasure, types.ActionConsent} {
		prefix := requestTaskPrefix(id, action)
		tasks, err := t.ListRequestTasks(ctx, id, action)
		if err != nil {
			return errors.Trace(err)
		}
		for _, task := range tasks {
			if err := t.store.Remove(ctx, RequestTaskIDPath, task.ID); err != nil {
				return errors.Trace(err)
			}
			if err := t.store.Remove(ctx, prefix, task.CollectionAddress); err != nil {
				return errors.Trace(err)
			}
		}
	}
	for _, prefix := range []string{executionLogPrefix(id), cachePrefix(id)} {
		if err := t.removeAll(ctx, prefix); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(t.store.Remove(ctx, PrivacyRequestPath, id))
}

func (t *TaskStore) removeAll(ctx context.Context, prefix string) error {
	keys := make([]string, 0)
	if err := t.store.List(ctx, prefix, func(key string) bool {
		keys = append(keys, key)
		return true
	}); err != nil {
		return errors.Trace(err)
	}
	for _, key := range keys {
		if err := t.store.Remove(ctx, prefix, key); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// WriteExecutionLog appends an entry. Entries list back in write order.
func (t *TaskStore) WriteExecutionLog(ctx context.Context, entry *types.ExecutionLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	b, err := utils.Serialize(entry)
	if err != nil {
		return errors.Trace(err)
	}
	key := fmt.Sprintf("%020d-%s", entry.Timestamp.UnixNano(), entry.ID)
	return errors.Trace(t.store.Set(ctx, executionLogPrefix(entry.PrivacyRequestID), key, b))
}

func (t *TaskStore) ListExecutionLogs(ctx context.Context, privacyRequestID string) ([]*types.ExecutionLog, error) {
	prefix := executionLogPrefix(privacyRequestID)
	keys := make([]string, 0)
	if err := t.store.List(ctx, prefix, func(key string) bool {
		keys = append(keys, key)
		return true
	}); err != nil {
		return nil, errors.Trace(err)
	}
	sort.Strings(keys)

	entries := make([]*types.ExecutionLog, 0, len(keys))
	for _, key := range keys {
		b, err := t.store.Get(ctx, prefix, key)
		if err != nil {
			return nil, errors.Trace(err)
		}
		entry := &types.ExecutionLog{}
		if err := utils.Unserialize(b, entry); err != nil {
			log.Errorf("unserialize execution log %s %s failed: %v", prefix, key, err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SetCache stores a per request result under key.
func (t *TaskStore) SetCache(ctx context.Context, privacyRequestID, key string, value any) error {
	b, err := utils.Serialize(value)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(t.store.Set(ctx, cachePrefix(privacyRequestID), key, b))
}

// GetCache loads a cached value into out, reporting whether it exists.
func (t *TaskStore) GetCache(ctx context.Context, privacyRequestID, key string, out any) (bool, error) {
	b, err := t.store.Get(ctx, cachePrefix(privacyRequestID), key)
	if err != nil {
		return false, errors.Trace(err)
	}
	if b == nil {
		return false, nil
	}
	return true, errors.Trace(utils.Unserialize(b, out))
}
