package runtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/privacyflow/types"
	"github.com/warriorguo/privacyflow/utils"
)

/**
 * graphTask executes one RequestTask. It is built fresh every time the task
 * is dispatched, from the persisted task alone, and dropped afterwards.
 */
type graphTask struct {
	task      *types.RequestTask
	node      *types.ExecutionNode
	resources *TaskResources
	retry     retryPolicy

	startTime time.Time
}

// hydrateGraphTask rebuilds the execution node from the collection snapshot
// and traversal details persisted on the task.
func hydrateGraphTask(task *types.RequestTask, resources *TaskResources, retry retryPolicy) (*graphTask, error) {
	if task.IsRootTask() || task.IsTerminatorTask() {
		return nil, errors.NotValidf("%s is not a collection task", task.CollectionAddress)
	}
	if len(task.CollectionSnapshot) == 0 {
		return nil, errors.NotFoundf("collection snapshot of %s", task.CollectionAddress)
	}
	collection := &types.Collection{}
	if err := json.Unmarshal(task.CollectionSnapshot, collection); err != nil {
		return nil, errors.Annotatef(err, "malformed collection snapshot of %s", task.CollectionAddress)
	}
	if collection.Name != task.CollectionName {
		return nil, errors.NotValidf("collection snapshot %s for task %s", collection.Name, task.CollectionAddress)
	}
	if _, err := resources.GetConnectionConfig(task.TraversalDetails.DatasetConnectionKey); err != nil {
		return nil, errors.Trace(err)
	}

	return &graphTask{
		task:      task,
		node:      types.NewExecutionNode(task.Address(), collection, task.TraversalDetails),
		resources: resources,
		retry:     retry,
	}, nil
}

func (g *graphTask) key() string {
	return g.node.Address.String()
}

func (g *graphTask) logFields(action types.ActionType) log.Fields {
	return log.Fields{
		"privacy_request_id": g.task.PrivacyRequestID,
		"collection":         g.key(),
		"action":             action,
	}
}

func (g *graphTask) connectionConfig() (*types.ConnectionConfig, error) {
	return g.resources.GetConnectionConfig(g.node.ConnectionKey)
}

func (g *graphTask) skipIfDisabled() error {
	config, err := g.connectionConfig()
	if err != nil {
		return errors.Trace(err)
	}
	if config.Disabled {
		return types.NewCollectionDisabledf("collection %s skipped: connection config %s is disabled", g.key(), config.Key)
	}
	return nil
}

func (g *graphTask) canWriteData() bool {
	config, err := g.connectionConfig()
	return err == nil && config.CanWrite()
}

// fieldsAffected lists the fields the policy targets for action.
func (g *graphTask) fieldsAffected(action types.ActionType) []string {
	out := make([]string, 0)
	switch action {
	case types.ActionErasure:
		for path := range g.resources.policy.FieldsToMask(g.node.Collection) {
			out = append(out, path)
		}
	case types.ActionAccess:
		rules := g.resources.policy.RulesFor(types.ActionAccess)
		for path, f := range g.node.Collection.FieldPaths() {
			for _, r := range rules {
				if r.Matches(f.DataCategories) {
					out = append(out, path)
					break
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

/**
 * updateStatus writes an execution log entry and moves the request task to
 * status. mutate, when given, changes the task in the same write.
 */
func (g *graphTask) updateStatus(msg string, fields []string, action types.ActionType, status types.ExecutionStatus,
	mutate func(task *types.RequestTask)) error {
	entry := &types.ExecutionLog{
		RequestTaskID:  g.task.ID,
		DatasetName:    g.task.DatasetName,
		CollectionName: g.task.CollectionName,
		ActionType:     action,
		Status:         status,
		Message:        msg,
		FieldsAffected: fields,
	}
	if err := g.resources.WriteExecutionLog(entry); err != nil {
		return errors.Trace(err)
	}

	updated, err := g.resources.store.UpdateRequestTask(g.resources.ctx, g.task.ID, func(rt *types.RequestTask) error {
		rt.Status = status
		if mutate != nil {
			mutate(rt)
		}
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	g.task = updated

	observeStatus(action, status)
	log.WithFields(g.logFields(action)).Infof("%s: %s", status, msg)
	return nil
}

func (g *graphTask) logStart(action types.ActionType) error {
	g.startTime = time.Now()
	return g.updateStatus("starting", g.fieldsAffected(action), action, types.StatusInProcessing, func(rt *types.RequestTask) {
		rt.ErrorContained = false
	})
}

func (g *graphTask) logRetry(action types.ActionType) error {
	return g.updateStatus("retrying", g.fieldsAffected(action), action, types.StatusRetrying, nil)
}

func (g *graphTask) logPaused(action types.ActionType, err error) error {
	return g.updateStatus(err.Error(), g.fieldsAffected(action), action, types.StatusPaused, nil)
}

func (g *graphTask) logSkipped(action types.ActionType, err error) error {
	return g.updateStatus(err.Error(), nil, action, types.StatusSkipped, nil)
}

// logEnd closes the task as errored when err is set, complete otherwise.
func (g *graphTask) logEnd(action types.ActionType, err error, msg string, mutate func(task *types.RequestTask)) error {
	if !g.startTime.IsZero() {
		observeDuration(action, g.startTime)
	}
	if err != nil {
		return g.updateStatus(err.Error(), g.fieldsAffected(action), action, types.StatusError, mutate)
	}
	if msg == "" {
		msg = "success"
	}
	return g.updateStatus(msg, g.fieldsAffected(action), action, types.StatusComplete, mutate)
}

/**
 * accessResultsPostProcessing derives two views of the retrieved rows. The
 * erasure view replaces unmatched array elements with DoNotMaskPlaceholder,
 * the access view removes them. Both are cached; the access view is
 * returned first.
 */
func (g *graphTask) accessResultsPostProcessing(input types.NodeInput, output []types.Row) ([]types.Row, []types.Row, error) {
	output, err := normalizeRows(output)
	if err != nil {
		return nil, nil, errors.Annotatef(err, "normalize rows of %s", g.node.Address)
	}
	queryPaths := g.postProcessInputData(input)

	placeholders := types.CloneRows(output)
	for _, row := range placeholders {
		filterElementMatch(row, queryPaths, false)
	}
	if err := g.resources.CacheResultsWithPlaceholders("access_request__"+g.key(), placeholders); err != nil {
		return nil, nil, errors.Trace(err)
	}

	if len(queryPaths) > 0 {
		log.WithFields(g.logFields(types.ActionAccess)).Debugf("filtering %d rows for matching array elements", len(output))
	}
	for _, row := range output {
		filterElementMatch(row, queryPaths, true)
	}
	if err := g.resources.CacheObject("access_request__"+g.key(), output); err != nil {
		return nil, nil, errors.Trace(err)
	}
	return output, placeholders, nil
}

// normalizeRows gives connector output the JSON shape the row walkers
// expect: typed slices become []any and nested structs become maps.
func normalizeRows(rows []types.Row) ([]types.Row, error) {
	if len(rows) == 0 {
		return []types.Row{}, nil
	}
	b, err := utils.Serialize(rows)
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make([]types.Row, 0, len(rows))
	if err := utils.Unserialize(b, &out); err != nil {
		return nil, errors.Trace(err)
	}
	return out, nil
}

// accessRequest queries the collection with the upstream rowsets, one per
// input key in input key order.
func (g *graphTask) accessRequest(inputs ...[]types.Row) ([]types.Row, error) {
	return withRetry(g, types.ActionAccess, []types.Row{}, func() ([]types.Row, error) {
		connector, err := g.resources.GetConnector(g.node.ConnectionKey)
		if err != nil {
			return nil, errors.Trace(err)
		}
		formatted := g.preProcessInputData(true, inputs...)
		if query := connector.DryRunQuery(g.node); query != "" {
			log.WithFields(g.logFields(types.ActionAccess)).Debugf("query: %s", query)
		}
		output, err := connector.RetrieveData(g.resources.ctx, g.node, g.resources.policy, g.resources.request, formatted)
		if err != nil {
			return nil, err
		}
		if output == nil {
			output = []types.Row{}
		}

		filtered, placeholders, err := g.accessResultsPostProcessing(formatted, output)
		if err != nil {
			return nil, errors.Trace(err)
		}
		err = g.logEnd(types.ActionAccess, nil, fmt.Sprintf("retrieved %d rows", len(filtered)), func(rt *types.RequestTask) {
			rt.AccessData = filtered
			rt.DataForErasures = placeholders
		})
		return filtered, errors.Trace(err)
	})
}

/**
 * erasureRequest masks the rows retrieved by the access task of the same
 * collection. Without a primary key nothing can be targeted and the task
 * completes with 0 rows; without write access it ends as a contained error.
 */
func (g *graphTask) erasureRequest(retrieved []types.Row, inputs [][]types.Row) (int, error) {
	return withRetry(g, types.ActionErasure, 0, func() (int, error) {
		if !g.node.Collection.HasPrimaryKey() {
			err := g.updateStatus("No values were erased since no primary key was defined for this collection",
				nil, types.ActionErasure, types.StatusComplete, func(rt *types.RequestTask) {
					rt.RowsMasked = 0
				})
			if err != nil {
				return 0, errors.Trace(err)
			}
			return 0, errors.Trace(g.resources.CacheErasure(g.key(), 0))
		}
		if !g.canWriteData() {
			err := g.updateStatus(fmt.Sprintf("No values were erased since this connection %s has not been given write access", g.node.ConnectionKey),
				nil, types.ActionErasure, types.StatusError, func(rt *types.RequestTask) {
					rt.RowsMasked = 0
					rt.ErrorContained = true
				})
			if err != nil {
				return 0, errors.Trace(err)
			}
			return 0, errors.Trace(g.resources.CacheErasure(g.key(), 0))
		}

		connector, err := g.resources.GetConnector(g.node.ConnectionKey)
		if err != nil {
			return 0, errors.Trace(err)
		}
		formatted := types.NodeInput{}
		if len(inputs) > 0 {
			formatted = g.preProcessInputData(true, inputs...)
		}
		masked, err := connector.MaskData(g.resources.ctx, g.node, g.resources.policy, g.resources.request, retrieved, formatted)
		if err != nil {
			return 0, err
		}

		err = g.logEnd(types.ActionErasure, nil, fmt.Sprintf("masked %d rows", masked), func(rt *types.RequestTask) {
			rt.RowsMasked = masked
		})
		if err != nil {
			return 0, errors.Trace(err)
		}
		return masked, errors.Trace(g.resources.CacheErasure(g.key(), masked))
	})
}

func (g *graphTask) consentRequest(identity types.Data) (bool, error) {
	return withRetry(g, types.ActionConsent, false, func() (bool, error) {
		if !g.canWriteData() {
			err := g.updateStatus(fmt.Sprintf("No consent was propagated since this connection %s has not been given write access", g.node.ConnectionKey),
				nil, types.ActionConsent, types.StatusError, func(rt *types.RequestTask) {
					rt.ConsentSent = false
					rt.ErrorContained = true
				})
			return false, errors.Trace(err)
		}

		connector, err := g.resources.GetConnector(g.node.ConnectionKey)
		if err != nil {
			return false, errors.Trace(err)
		}
		sent, err := connector.RunConsentRequest(g.resources.ctx, g.node, g.resources.policy, g.resources.request, identity)
		if err != nil {
			return false, err
		}
		err = g.logEnd(types.ActionConsent, nil, fmt.Sprintf("consent sent: %v", sent), func(rt *types.RequestTask) {
			rt.ConsentSent = sent
			rt.ConsentData = []types.Row{identity.Clone()}
		})
		return sent, errors.Trace(err)
	})
}
