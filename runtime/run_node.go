package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/privacyflow/traversal"
	"github.com/warriorguo/privacyflow/types"
	"github.com/warriorguo/privacyflow/utils"
)

func taskFields(task *types.RequestTask) log.Fields {
	return log.Fields{
		"privacy_request_id": task.PrivacyRequestID,
		"collection":         task.CollectionAddress,
		"action":             task.ActionType,
	}
}

/**
 * runPrerequisiteTaskChecks loads the task and its privacy request and
 * verifies the task may run now: the request is not canceled and every
 * upstream task lets it through.
 */
func (e *engine) runPrerequisiteTaskChecks(ctx context.Context, taskID string) (*types.RequestTask, *types.PrivacyRequest, error) {
	task, err := e.store.GetRequestTask(ctx, taskID)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	request, err := e.store.GetPrivacyRequest(ctx, task.PrivacyRequestID)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if request.Status == types.RequestCanceled {
		return nil, nil, types.NewPrivacyRequestCanceledf("privacy request %s is canceled, not running %s", request.ID, task.CollectionAddress)
	}
	complete, err := e.store.UpstreamTasksComplete(ctx, task)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if !complete {
		return nil, nil, types.NewUpstreamTasksNotReadyf("upstream tasks of %s %s are not complete", task.ActionType, task.CollectionAddress)
	}
	return task, request, nil
}

// runTask is the queue handler: it runs one request task and schedules
// whatever it unblocks.
func (e *engine) runTask(ctx context.Context, taskID string) error {
	task, request, err := e.runPrerequisiteTaskChecks(ctx, taskID)
	switch {
	case err == nil:
	case types.IsCanceled(err):
		log.Infof("%v", err)
		return nil
	case types.IsUpstreamNotReady(err):
		log.Debugf("%v", err)
		return nil
	default:
		return errors.Trace(err)
	}

	if task.IsRootTask() {
		return errors.Trace(e.queueDownstreamTasks(ctx, task))
	}
	if task.Status != types.StatusPending {
		log.WithFields(taskFields(task)).Debugf("task is %s, not running it", task.Status)
		return nil
	}
	if task.IsTerminatorTask() {
		return errors.Trace(e.runTerminator(ctx, request, task))
	}

	policy, err := e.getPolicy(request.PolicyKey)
	if err != nil {
		return errors.Trace(e.failRequest(ctx, request.ID, err))
	}
	resources := newTaskResources(ctx, request, policy, e.connectionsSnapshot(), e.registry, e.store)
	defer func() {
		if err := resources.Close(); err != nil {
			log.WithFields(taskFields(task)).Errorf("release connectors: %v", err)
		}
	}()

	gt, err := e.createGraphTask(ctx, request, task, resources)
	if err != nil {
		return errors.Trace(err)
	}

	switch task.ActionType {
	case types.ActionAccess:
		err = e.runAccessNode(ctx, gt)
	case types.ActionErasure:
		err = e.runErasureNode(ctx, gt)
	case types.ActionConsent:
		err = e.runConsentNode(ctx, gt)
	default:
		err = errors.NotSupportedf("action type %s", task.ActionType)
	}
	if err != nil {
		if types.IsPause(err) {
			status := types.RequestPaused
			if types.IsRequiresInput(err) {
				status = types.RequestRequiresInput
			}
			_, uerr := e.store.UpdatePrivacyRequest(ctx, request.ID, func(pr *types.PrivacyRequest) error {
				pr.Status = status
				return nil
			})
			return errors.Trace(uerr)
		}
		if ferr := e.failRequest(ctx, request.ID, err); ferr != nil {
			return errors.Trace(ferr)
		}
		return errors.Trace(err)
	}

	updated, err := e.store.GetRequestTask(ctx, task.ID)
	if err != nil {
		return errors.Trace(err)
	}
	if !updated.SatisfiesDownstream() {
		return errors.Trace(e.failRequest(ctx, request.ID,
			errors.Errorf("%s of %s ended as %s", updated.ActionType, updated.CollectionAddress, updated.Status)))
	}
	return errors.Trace(e.queueDownstreamTasks(ctx, updated))
}

// runAccessNode feeds the access data of the upstream tasks, in input key
// order, to the access request.
func (e *engine) runAccessNode(ctx context.Context, gt *graphTask) error {
	inputs := make([][]types.Row, 0, len(gt.node.InputKeys))
	for _, key := range gt.node.InputKeys {
		upstream, err := e.store.GetExistingRequestTask(ctx, gt.task.PrivacyRequestID, types.ActionAccess, key.String())
		if err != nil {
			return errors.Trace(err)
		}
		rows := []types.Row{}
		if upstream != nil && upstream.AccessData != nil {
			rows = upstream.AccessData
		}
		inputs = append(inputs, rows)
	}
	_, err := gt.accessRequest(inputs...)
	return err
}

// runErasureNode masks what the access task of the collection retrieved.
func (e *engine) runErasureNode(ctx context.Context, gt *graphTask) error {
	_, err := gt.erasureRequest(gt.task.DataForErasures, gt.task.ErasureInputData)
	return err
}

func (e *engine) runConsentNode(ctx context.Context, gt *graphTask) error {
	root, err := e.store.GetRootTask(ctx, gt.task.PrivacyRequestID, types.ActionConsent)
	if err != nil {
		return errors.Trace(err)
	}
	identity := gt.resources.request.Identity
	if root != nil && len(root.ConsentData) > 0 {
		identity = root.ConsentData[0]
	}
	_, err = gt.consentRequest(identity)
	return err
}

// createGraphTask hydrates the task. A task that cannot be hydrated fails
// together with its descendants.
func (e *engine) createGraphTask(ctx context.Context, request *types.PrivacyRequest, task *types.RequestTask,
	resources *TaskResources) (*graphTask, error) {
	gt, err := hydrateGraphTask(task, resources, e.retry)
	if err == nil {
		return gt, nil
	}

	log.WithFields(taskFields(task)).Errorf("hydrate task: %v", err)
	resumeErr := types.NewResumeTaskError(errors.Annotatef(err, "resume %s task %s", task.ActionType, task.CollectionAddress))
	if merr := e.markCurrentAndDownstreamNodesAsFailed(ctx, task); merr != nil {
		return nil, errors.Trace(merr)
	}
	if ferr := e.failRequest(ctx, request.ID, resumeErr); ferr != nil {
		return nil, errors.Trace(ferr)
	}
	return nil, resumeErr
}

// markCurrentAndDownstreamNodesAsFailed sets task and every one of its
// descendants to error. No other task is touched.
func (e *engine) markCurrentAndDownstreamNodesAsFailed(ctx context.Context, task *types.RequestTask) error {
	addrs := utils.UniqueSlice(append([]string{task.CollectionAddress}, task.AllDescendantTasks...))
	for _, addr := range addrs {
		t, err := e.store.GetExistingRequestTask(ctx, task.PrivacyRequestID, task.ActionType, addr)
		if err != nil {
			return errors.Trace(err)
		}
		if t == nil {
			continue
		}
		_, err = e.store.UpdateRequestTask(ctx, t.ID, func(rt *types.RequestTask) error {
			rt.Status = types.StatusError
			rt.ErrorContained = false
			return nil
		})
		if err != nil {
			return errors.Trace(err)
		}
		observeStatus(task.ActionType, types.StatusError)
	}
	log.WithFields(taskFields(task)).Warningf("marked %d tasks as failed", len(addrs))
	return nil
}

// queueDownstreamTasks enqueues the pending successors of task whose
// upstream tasks all let them through.
func (e *engine) queueDownstreamTasks(ctx context.Context, task *types.RequestTask) error {
	for _, addr := range task.DownstreamTasks {
		next, err := e.store.GetExistingRequestTask(ctx, task.PrivacyRequestID, task.ActionType, addr)
		if err != nil {
			return errors.Trace(err)
		}
		if next == nil || next.Status != types.StatusPending {
			continue
		}
		ready, err := e.store.UpstreamTasksComplete(ctx, next)
		if err != nil {
			return errors.Trace(err)
		}
		if !ready {
			log.WithFields(taskFields(next)).Debugf("waiting on upstream tasks")
			continue
		}
		e.scheduler.Enqueue(next.ID)
	}
	return nil
}

func (e *engine) runTerminator(ctx context.Context, request *types.PrivacyRequest, task *types.RequestTask) error {
	_, err := e.store.UpdateRequestTask(ctx, task.ID, func(rt *types.RequestTask) error {
		rt.Status = types.StatusComplete
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	observeStatus(task.ActionType, types.StatusComplete)
	return errors.Trace(e.advanceRequest(ctx, request.ID, task.ActionType))
}

/**
 * advanceRequest moves the privacy request on once every task of action is
 * done. Access is followed by erasure when the policy carries erasure
 * rules. Erasure and consent end the request.
 */
func (e *engine) advanceRequest(ctx context.Context, requestID string, action types.ActionType) error {
	request, err := e.store.GetPrivacyRequest(ctx, requestID)
	if err != nil {
		return errors.Trace(err)
	}
	if request.Status.IsFinished() {
		return nil
	}

	if action == types.ActionAccess {
		policy, err := e.getPolicy(request.PolicyKey)
		if err != nil {
			return errors.Trace(e.failRequest(ctx, request.ID, err))
		}
		if policy.HasRulesFor(types.ActionErasure) {
			if err := e.startErasure(ctx, request); err != nil {
				return errors.Trace(e.failRequest(ctx, request.ID, err))
			}
			return nil
		}
	}

	_, err = e.store.UpdatePrivacyRequest(ctx, request.ID, func(pr *types.PrivacyRequest) error {
		pr.Status = types.RequestComplete
		pr.FinishedAt = time.Now()
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	log.WithFields(log.Fields{
		"privacy_request_id": request.ID,
		"action":             action,
	}).Infof("privacy request complete")
	return nil
}

// startErasure builds the erasure graph from a fresh traversal and queues
// the tasks ROOT unblocks. Every traversed collection is an end node until
// something is erased after it.
func (e *engine) startErasure(ctx context.Context, request *types.PrivacyRequest) error {
	graph, err := e.datasetGraph()
	if err != nil {
		return errors.Trace(err)
	}
	_, nodes, _, err := traversal.Run(graph, request.Identity)
	if err != nil {
		return errors.Trace(err)
	}
	endNodes := types.NewAddressSet()
	for addr := range nodes {
		endNodes.Add(addr)
	}
	root, err := persistNewErasureRequestTasks(ctx, e.store, request, nodes, endNodes)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.queueDownstreamTasks(ctx, root))
}

func (e *engine) failRequest(ctx context.Context, requestID string, cause error) error {
	log.WithField("privacy_request_id", requestID).Errorf("privacy request failed: %v", cause)
	_, err := e.store.UpdatePrivacyRequest(ctx, requestID, func(pr *types.PrivacyRequest) error {
		if pr.Status == types.RequestCanceled {
			return nil
		}
		pr.Status = types.RequestError
		pr.LastError = fmt.Sprint(cause)
		return nil
	})
	return errors.Trace(err)
}
