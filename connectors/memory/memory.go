// Package memory is a connector over an in-process Database. It reads,
// masks and records consent the way a real datastore connector would and
// is what the engine tests run against.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/warriorguo/privacyflow/connectors"
	"github.com/warriorguo/privacyflow/types"
	"github.com/warriorguo/privacyflow/utils"
)

const ConnectionType types.ConnectionType = "memory"

var (
	_ types.Connector = &Connector{}
)

// ConsentRecord is one consent propagated to a collection.
type ConsentRecord struct {
	Address          types.CollectionAddress
	PrivacyRequestID string
	Identity         types.Data
}

type failure struct {
	remaining int
	err       error
}

// Database holds the rows of every collection served by memory connectors.
type Database struct {
	mu sync.Mutex

	tables   map[types.CollectionAddress][]types.Row
	consents []ConsentRecord
	failures map[string]*failure
	calls    map[string]int

	opened int
	closed int
}

func NewDatabase() *Database {
	return &Database{
		tables:   make(map[types.CollectionAddress][]types.Row),
		failures: make(map[string]*failure),
		calls:    make(map[string]int),
	}
}

func callKey(addr types.CollectionAddress, action types.ActionType) string {
	return string(action) + "/" + addr.String()
}

// Insert stores rows in their JSON shape, the shape connectors hand back
// after a round trip through the task store.
func (d *Database) Insert(addr types.CollectionAddress, rows ...types.Row) error {
	normalized := make([]types.Row, 0, len(rows))
	for _, r := range rows {
		b, err := utils.Serialize(r)
		if err != nil {
			return errors.Trace(err)
		}
		row := types.Row{}
		if err := utils.Unserialize(b, &row); err != nil {
			return errors.Trace(err)
		}
		normalized = append(normalized, row)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.tables[addr] = append(d.tables[addr], normalized...)
	return nil
}

// Rows returns a copy of the stored rows of a collection.
func (d *Database) Rows(addr types.CollectionAddress) []types.Row {
	d.mu.Lock()
	defer d.mu.Unlock()

	return types.CloneRows(d.tables[addr])
}

func (d *Database) Consents() []ConsentRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]ConsentRecord{}, d.consents...)
}

// FailNext makes the next times calls of action on addr return err.
func (d *Database) FailNext(addr types.CollectionAddress, action types.ActionType, times int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failures[callKey(addr, action)] = &failure{remaining: times, err: err}
}

// Calls reports how many times action ran against addr, failures included.
func (d *Database) Calls(addr types.CollectionAddress, action types.ActionType) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.calls[callKey(addr, action)]
}

// OpenConnectors is the number of connectors created and not yet closed.
func (d *Database) OpenConnectors() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.opened - d.closed
}

func (d *Database) enter(addr types.CollectionAddress, action types.ActionType) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := callKey(addr, action)
	d.calls[key]++
	f, exists := d.failures[key]
	if !exists || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return f.err
}

// NewFactory returns a connector factory bound to db.
func NewFactory(db *Database) connectors.Factory {
	return func(config *types.ConnectionConfig) (types.Connector, error) {
		db.mu.Lock()
		db.opened++
		db.mu.Unlock()
		return &Connector{db: db, config: config}, nil
	}
}

// Register adds the memory connection type to registry.
func Register(registry *connectors.Registry, db *Database) error {
	return errors.Trace(registry.Register(ConnectionType, NewFactory(db)))
}

type Connector struct {
	db     *Database
	config *types.ConnectionConfig

	closeOnce sync.Once
}

func (c *Connector) Close() error {
	c.closeOnce.Do(func() {
		c.db.mu.Lock()
		c.db.closed++
		c.db.mu.Unlock()
	})
	return nil
}

/**
 * RetrieveData returns every row matching the input. Plain input fields are
 * alternatives: a row matches when any of them matches. Each grouped record
 * must match on all of its fields. No input means no rows.
 */
func (c *Connector) RetrieveData(ctx context.Context, node *types.ExecutionNode, policy types.Policy,
	request *types.PrivacyRequest, input types.NodeInput) ([]types.Row, error) {
	if err := c.db.enter(node.Address, types.ActionAccess); err != nil {
		return nil, err
	}

	fields := input.Fields()
	grouped := input.Grouped()
	if !hasValues(fields) && len(grouped) == 0 {
		log.WithField("collection", node.Address.String()).Debug("no query input, skipping retrieval")
		return []types.Row{}, nil
	}

	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	out := make([]types.Row, 0)
	for _, row := range c.db.tables[node.Address] {
		if rowMatches(row, fields, grouped) {
			out = append(out, row.Clone())
		}
	}
	return out, nil
}

// MaskData applies the policy masking values to the stored rows matching
// each given row by primary key. Array elements holding the do-not-mask
// placeholder in the given row are left alone.
func (c *Connector) MaskData(ctx context.Context, node *types.ExecutionNode, policy types.Policy,
	request *types.PrivacyRequest, rows []types.Row, input types.NodeInput) (int, error) {
	if err := c.db.enter(node.Address, types.ActionErasure); err != nil {
		return 0, err
	}

	pks := node.Collection.PrimaryKeyPaths()
	if len(pks) == 0 {
		return 0, nil
	}
	targets := policy.FieldsToMask(node.Collection)
	if len(targets) == 0 {
		return 0, nil
	}
	paths := make([]string, 0, len(targets))
	for p := range targets {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	masked := 0
	table := c.db.tables[node.Address]
	for _, reference := range rows {
		for _, stored := range table {
			if !samePrimaryKey(stored, reference, pks) {
				continue
			}
			for _, p := range paths {
				maskPath(stored, reference, types.ParseFieldPath(p), targets[p].MaskingValue)
			}
			masked++
			break
		}
	}
	return masked, nil
}

func (c *Connector) RunConsentRequest(ctx context.Context, node *types.ExecutionNode, policy types.Policy,
	request *types.PrivacyRequest, identity types.Data) (bool, error) {
	if err := c.db.enter(node.Address, types.ActionConsent); err != nil {
		return false, err
	}
	if len(identity) == 0 {
		return false, nil
	}

	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	c.db.consents = append(c.db.consents, ConsentRecord{
		Address:          node.Address,
		PrivacyRequestID: request.ID,
		Identity:         identity.Clone(),
	})
	return true, nil
}

func (c *Connector) DryRunQuery(node *types.ExecutionNode) string {
	if node.Collection == nil {
		return ""
	}
	fields := make([]string, 0, len(node.Collection.Fields))
	for _, f := range node.Collection.Fields {
		fields = append(fields, f.Name)
	}

	clauses := make([]string, 0)
	groupClauses := make([]string, 0)
	for _, p := range node.QueryFieldPaths() {
		if node.Collection.IsGroupedInput(p) {
			groupClauses = append(groupClauses, p.String()+" = ?")
			continue
		}
		clauses = append(clauses, p.String()+" IN (?)")
	}
	if len(groupClauses) > 0 {
		clauses = append(clauses, "("+strings.Join(groupClauses, " AND ")+")")
	}
	if len(clauses) == 0 {
		return ""
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(fields, ", "), node.Address, strings.Join(clauses, " OR "))
}

func hasValues(fields map[string][]any) bool {
	for _, v := range fields {
		if len(v) > 0 {
			return true
		}
	}
	return false
}

func rowMatches(row types.Row, fields map[string][]any, grouped []map[string][]any) bool {
	for path, values := range fields {
		if anyMatch(collectValues(row, types.ParseFieldPath(path)), values) {
			return true
		}
	}
	for _, group := range grouped {
		if len(group) == 0 {
			continue
		}
		all := true
		for path, values := range group {
			if !anyMatch(collectValues(row, types.ParseFieldPath(path)), values) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// collectValues returns the scalar values found at path, descending into
// arrays at any level.
func collectValues(v any, path types.FieldPath) []any {
	if arr, ok := v.([]any); ok {
		out := make([]any, 0)
		for _, el := range arr {
			out = append(out, collectValues(el, path)...)
		}
		return out
	}
	if len(path) == 0 {
		return []any{v}
	}
	m, ok := asMap(v)
	if !ok {
		return nil
	}
	next, exists := m[path[0]]
	if !exists {
		return nil
	}
	return collectValues(next, path[1:])
}

func anyMatch(found []any, candidates []any) bool {
	for _, f := range found {
		for _, c := range candidates {
			if f != nil && cast.ToString(f) == cast.ToString(c) {
				return true
			}
		}
	}
	return false
}

func samePrimaryKey(stored, reference types.Row, pks []types.FieldPath) bool {
	for _, pk := range pks {
		a, ok := stored.GetPath(pk)
		if !ok {
			return false
		}
		b, ok := reference.GetPath(pk)
		if !ok || cast.ToString(a) != cast.ToString(b) {
			return false
		}
	}
	return true
}

func maskPath(stored, reference any, path types.FieldPath, value any) {
	m, ok := asMap(stored)
	if !ok || len(path) == 0 {
		return
	}
	ref, _ := asMap(reference)

	key := path[0]
	cur, exists := m[key]
	if !exists {
		return
	}
	var refCur any
	if ref != nil {
		refCur = ref[key]
	}
	refArr, _ := refCur.([]any)

	arr, isArr := cur.([]any)
	switch {
	case isArr:
		for i := range arr {
			if i < len(refArr) && refArr[i] == types.DoNotMaskPlaceholder {
				continue
			}
			if len(path) == 1 {
				arr[i] = value
				continue
			}
			var refEl any
			if i < len(refArr) {
				refEl = refArr[i]
			}
			maskPath(arr[i], refEl, path[1:], value)
		}
	case len(path) == 1:
		m[key] = value
	default:
		maskPath(cur, refCur, path[1:], value)
	}
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case types.Data:
		return t, true
	}
	return nil, false
}
