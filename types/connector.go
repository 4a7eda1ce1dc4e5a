package types

import (
	"context"
	"sort"
	"strings"
)

// ExecutionNode is the hydrated, read-only view of a RequestTask handed to
// connectors.
type ExecutionNode struct {
	Address       CollectionAddress
	Collection    *Collection
	ConnectionKey string

	IncomingEdges []Edge
	OutgoingEdges []Edge
	// InputKeys is sorted; upstream rowsets are matched to it positionally.
	InputKeys []CollectionAddress

	IncomingEdgesByCollection map[CollectionAddress][]Edge
}

func NewExecutionNode(address CollectionAddress, collection *Collection, details TraversalDetails) *ExecutionNode {
	n := &ExecutionNode{
		Address:                   address,
		Collection:                collection,
		ConnectionKey:             details.DatasetConnectionKey,
		IncomingEdges:             details.IncomingEdges,
		OutgoingEdges:             details.OutgoingEdges,
		InputKeys:                 append([]CollectionAddress{}, details.InputKeys...),
		IncomingEdgesByCollection: make(map[CollectionAddress][]Edge),
	}
	SortAddresses(n.InputKeys)
	for _, e := range n.IncomingEdges {
		n.IncomingEdgesByCollection[e.From.CollectionAddress] = append(n.IncomingEdgesByCollection[e.From.CollectionAddress], e)
	}
	return n
}

// QueryFieldPaths lists the local fields used to query this collection.
func (n *ExecutionNode) QueryFieldPaths() []FieldPath {
	seen := make(map[string]bool)
	out := make([]FieldPath, 0, len(n.IncomingEdges))
	for _, e := range n.IncomingEdges {
		key := e.To.Path.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e.To.Path)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (n *ExecutionNode) String() string {
	return n.Address.String()
}

// Connector is the capability every datastore variant implements.
type Connector interface {
	RetrieveData(ctx context.Context, node *ExecutionNode, policy Policy, request *PrivacyRequest, input NodeInput) ([]Row, error)
	// MaskData returns the number of rows masked.
	MaskData(ctx context.Context, node *ExecutionNode, policy Policy, request *PrivacyRequest, rows []Row, input NodeInput) (int, error)
	RunConsentRequest(ctx context.Context, node *ExecutionNode, policy Policy, request *PrivacyRequest, identity Data) (bool, error)
	// DryRunQuery describes what RetrieveData would do. Empty when unsupported.
	DryRunQuery(node *ExecutionNode) string
}

// ConnectorRegistry builds connectors by connection type. A connector is
// owned by one executing task and closed afterwards if it is an io.Closer.
type ConnectorRegistry interface {
	NewConnector(config *ConnectionConfig) (Connector, error)
}

type Rule struct {
	Name       string     `json:"name" yaml:"name"`
	ActionType ActionType `json:"action_type" yaml:"action_type"`
	/**
	 * Targets are data category prefixes, `user.contact` matches
	 * `user.contact.email`.
	 */
	Targets []string `json:"targets,omitempty" yaml:"targets,omitempty"`
	// MaskingValue replaces targeted values on erasure. nil means null out.
	MaskingValue any `json:"masking_value,omitempty" yaml:"masking_value,omitempty"`
}

func (r *Rule) Matches(categories []string) bool {
	for _, target := range r.Targets {
		for _, c := range categories {
			if c == target || strings.HasPrefix(c, target+".") {
				return true
			}
		}
	}
	return false
}

// Policy is the rule lookup the execution core needs.
type Policy interface {
	Key() string
	RulesFor(action ActionType) []*Rule
	HasRulesFor(action ActionType) bool
	// FieldsToMask returns the erasure targets of a collection, keyed by
	// dotted path, with the rule that selected them.
	FieldsToMask(collection *Collection) map[string]*Rule
}

var _ Policy = &RulePolicy{}

type RulePolicy struct {
	PolicyKey string  `json:"key" yaml:"key"`
	Rules     []*Rule `json:"rules" yaml:"rules"`
}

func (p *RulePolicy) Key() string {
	return p.PolicyKey
}

func (p *RulePolicy) RulesFor(action ActionType) []*Rule {
	out := make([]*Rule, 0)
	for _, r := range p.Rules {
		if r.ActionType == action {
			out = append(out, r)
		}
	}
	return out
}

func (p *RulePolicy) HasRulesFor(action ActionType) bool {
	return len(p.RulesFor(action)) > 0
}

func (p *RulePolicy) FieldsToMask(collection *Collection) map[string]*Rule {
	out := make(map[string]*Rule)
	rules := p.RulesFor(ActionErasure)
	for path, f := range collection.FieldPaths() {
		if f.PrimaryKey {
			continue
		}
		for _, r := range rules {
			if r.Matches(f.DataCategories) {
				out[path] = r
				break
			}
		}
	}
	return out
}
