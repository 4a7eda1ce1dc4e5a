package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/privacyflow/graph"
	"github.com/warriorguo/privacyflow/store"
	"github.com/warriorguo/privacyflow/traversal"
	"github.com/warriorguo/privacyflow/types"
)

type traversalNodes = map[types.CollectionAddress]*traversal.TraversalNode

type taskGraph = graph.DiGraph[types.CollectionAddress]

func newTaskGraph() *taskGraph {
	return graph.New(func(a, b types.CollectionAddress) bool {
		return a.String() < b.String()
	})
}

// buildAccessGraph follows the traversal: ROOT feeds the seed collections,
// every node feeds its children and end nodes feed TERMINATOR.
func buildAccessGraph(t *traversal.Traversal, nodes traversalNodes, endNodes []types.CollectionAddress) *taskGraph {
	g := newTaskGraph()
	g.AddNode(types.RootCollectionAddress)
	g.AddNode(types.TerminatorAddress)

	for addr, node := range nodes {
		g.AddNode(addr)
		for _, child := range node.Children() {
			g.AddEdge(addr, child)
		}
	}
	for _, seed := range t.SeedCollections() {
		g.AddEdge(types.RootCollectionAddress, seed)
	}
	for _, end := range endNodes {
		g.AddEdge(end, types.TerminatorAddress)
	}
	return g
}

/**
 * buildErasureGraph orders erasures by erase_after only. A node depends on
 * the collections it must be erased after, or on ROOT when it has none.
 * Collections something is erased after are removed from endNodes, which is
 * mutated in place, and whatever remains feeds TERMINATOR.
 *
 * A cycle reachable from ROOT is a configuration error, as is an erase_after
 * naming a collection that is not part of the graph.
 */
func buildErasureGraph(nodes traversalNodes, endNodes types.AddressSet) (*taskGraph, error) {
	g := newTaskGraph()
	g.AddNode(types.RootCollectionAddress)
	g.AddNode(types.TerminatorAddress)

	addrs := types.NewAddressSet()
	for addr := range nodes {
		addrs.Add(addr)
		g.AddNode(addr)
	}

	for _, addr := range addrs.Sorted() {
		eraseAfter, err := nodes[addr].Collection.EraseAfterAddresses()
		if err != nil {
			return nil, types.NewTraversalErrorf("invalid erase_after on %s: %v", addr, err)
		}
		for _, dep := range eraseAfter {
			if !addrs.Contains(dep) {
				return nil, types.NewTraversalErrorf("%s is erased after %s, which is not part of this request", addr, dep)
			}
			endNodes.Remove(dep)
			g.AddEdge(dep, addr)
		}
		if len(eraseAfter) == 0 {
			g.AddEdge(types.RootCollectionAddress, addr)
		}
	}
	for _, end := range endNodes.Sorted() {
		g.AddEdge(end, types.TerminatorAddress)
	}

	if cycle := g.FindCycle(types.RootCollectionAddress); cycle != nil {
		parts := make([]string, 0, len(cycle))
		for _, e := range cycle {
			parts = append(parts, fmt.Sprintf("%s -> %s", e.From, e.To))
		}
		return nil, types.NewTraversalErrorf("the values for the `erase_after` fields caused a cycle in the following collections %s",
			strings.Join(parts, ", "))
	}
	// a cycle of collections that are all erased after each other never
	// hangs off ROOT
	if _, err := g.TopologicalSort(); err != nil {
		return nil, types.NewTraversalErrorf("the values for the `erase_after` fields caused a cycle: %v", err)
	}
	return g, nil
}

// buildConsentGraph makes every node independent: ROOT -> node -> TERMINATOR.
func buildConsentGraph(nodes traversalNodes) *taskGraph {
	g := newTaskGraph()
	g.AddNode(types.RootCollectionAddress)
	g.AddNode(types.TerminatorAddress)
	if len(nodes) == 0 {
		g.AddEdge(types.RootCollectionAddress, types.TerminatorAddress)
	}
	for addr := range nodes {
		g.AddEdge(types.RootCollectionAddress, addr)
		g.AddEdge(addr, types.TerminatorAddress)
	}
	return g
}

func persistNewAccessRequestTasks(ctx context.Context, ts *store.TaskStore, request *types.PrivacyRequest,
	t *traversal.Traversal, nodes traversalNodes, endNodes []types.CollectionAddress) (*types.RequestTask, error) {
	g := buildAccessGraph(t, nodes, endNodes)
	return persistRequestTasks(ctx, ts, request, types.ActionAccess, g, nodes, nil)
}

func persistNewErasureRequestTasks(ctx context.Context, ts *store.TaskStore, request *types.PrivacyRequest,
	nodes traversalNodes, endNodes types.AddressSet) (*types.RequestTask, error) {
	g, err := buildErasureGraph(nodes, endNodes)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return persistRequestTasks(ctx, ts, request, types.ActionErasure, g, nodes, func(task *types.RequestTask, node *traversal.TraversalNode) error {
		dataForErasures, inputs, err := getDataForErasures(ctx, ts, request, node)
		if err != nil {
			return errors.Trace(err)
		}
		task.DataForErasures = dataForErasures
		task.ErasureInputData = inputs
		return nil
	})
}

func persistNewConsentRequestTasks(ctx context.Context, ts *store.TaskStore, request *types.PrivacyRequest,
	nodes traversalNodes) (*types.RequestTask, error) {
	g := buildConsentGraph(nodes)
	return persistRequestTasks(ctx, ts, request, types.ActionConsent, g, nodes, nil)
}

/**
 * persistRequestTasks writes one RequestTask per graph node in topological
 * order. Nodes that already have a task are left untouched, so calling it
 * again for the same request and action only fills in what is missing.
 * It returns the ROOT task.
 */
func persistRequestTasks(ctx context.Context, ts *store.TaskStore, request *types.PrivacyRequest, action types.ActionType,
	g *taskGraph, nodes traversalNodes, fill func(*types.RequestTask, *traversal.TraversalNode) error) (*types.RequestTask, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, types.NewTraversalErrorf("%s graph of %s: %v", action, request.ID, err)
	}

	var root *types.RequestTask
	created := 0
	for _, addr := range order {
		existing, err := ts.GetExistingRequestTask(ctx, request.ID, action, addr.String())
		if err != nil {
			return nil, errors.Trace(err)
		}
		if existing != nil {
			if addr.IsRoot() {
				root = existing
			}
			continue
		}

		task := &types.RequestTask{
			PrivacyRequestID:   request.ID,
			ActionType:         action,
			CollectionAddress:  addr.String(),
			DatasetName:        addr.Dataset,
			CollectionName:     addr.Collection,
			UpstreamTasks:      types.AddressStrings(g.Predecessors(addr)),
			DownstreamTasks:    types.AddressStrings(g.Successors(addr)),
			AllDescendantTasks: types.AddressStrings(g.Descendants(addr)),
			Status:             types.StatusPending,
		}

		switch {
		case addr.IsRoot():
			task.Status = types.StatusComplete
			seed := []types.Row{request.Identity.Clone()}
			switch action {
			case types.ActionAccess:
				task.AccessData = seed
				task.DataForErasures = types.CloneRows(seed)
			case types.ActionConsent:
				task.ConsentData = seed
			}
		case addr.IsTerminator():
		default:
			node, exists := nodes[addr]
			if !exists {
				return nil, types.NewTraversalErrorf("no traversal node for %s", addr)
			}
			task.TraversalDetails = node.FormatTraversalDetails()
			snapshot, err := json.Marshal(node.Collection)
			if err != nil {
				return nil, errors.Annotatef(err, "snapshot collection %s", addr)
			}
			task.CollectionSnapshot = snapshot
			if fill != nil {
				if err := fill(task, node); err != nil {
					return nil, errors.Trace(err)
				}
			}
		}

		stored, isNew, err := ts.CreateRequestTask(ctx, task)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if isNew {
			created++
		}
		if addr.IsRoot() {
			root = stored
		}
	}

	log.WithFields(log.Fields{
		"privacy_request_id": request.ID,
		"action":             action,
	}).Infof("persisted %d new request tasks out of %d", created, len(order))
	return root, nil
}

/**
 * getDataForErasures sources the data an erasure task masks from the
 * completed access task of the same collection: its data_for_erasures, which
 * keeps placeholders where array elements did not match. The upstream inputs
 * are ordered like the node input keys, a nil entry standing for an input
 * collection without a completed access task.
 */
func getDataForErasures(ctx context.Context, ts *store.TaskStore, request *types.PrivacyRequest,
	node *traversal.TraversalNode) ([]types.Row, [][]types.Row, error) {
	var retrieved []types.Row
	accessTask, err := ts.GetExistingRequestTask(ctx, request.ID, types.ActionAccess, node.Address.String())
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if accessTask != nil && accessTask.Status == types.StatusComplete {
		retrieved = accessTask.DataForErasures
	}

	inputKeys := node.InputKeys()
	inputs := make([][]types.Row, len(inputKeys))
	for i, key := range inputKeys {
		upstream, err := ts.GetExistingRequestTask(ctx, request.ID, types.ActionAccess, key.String())
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		if upstream == nil || upstream.Status != types.StatusComplete {
			continue
		}
		rows := upstream.DataForErasures
		if rows == nil {
			rows = []types.Row{}
		}
		inputs[i] = rows
	}
	return retrieved, inputs, nil
}

/**
 * getExistingReadyTasks picks a request back up without rebuilding its
 * graph. Every unfinished task whose upstream tasks are done is reset to
 * pending and returned for dispatch. Errored tasks are reset to pending
 * either way, so a later pass can retry them once their upstream is done.
 * Any other task waiting on its upstream keeps its status.
 */
func getExistingReadyTasks(ctx context.Context, ts *store.TaskStore, request *types.PrivacyRequest, action types.ActionType) ([]*types.RequestTask, error) {
	tasks, err := ts.ListRequestTasks(ctx, request.ID, action)
	if err != nil {
		return nil, errors.Trace(err)
	}

	ready := make([]*types.RequestTask, 0)
	for _, task := range tasks {
		if task.Status.IsCompleted() {
			continue
		}
		upstreamComplete, err := ts.UpstreamTasksComplete(ctx, task)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !upstreamComplete && task.Status != types.StatusError {
			continue
		}

		updated, err := ts.UpdateRequestTask(ctx, task.ID, func(rt *types.RequestTask) error {
			rt.Status = types.StatusPending
			rt.ErrorContained = false
			return nil
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		if upstreamComplete {
			ready = append(ready, updated)
		}
	}
	return ready, nil
}
