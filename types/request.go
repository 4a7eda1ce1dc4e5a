package types

import (
	"encoding/json"
	"time"
)

type PrivacyRequest struct {
	ID        string               `json:"id"`
	PolicyKey string               `json:"policy_key"`
	Identity  Data                 `json:"identity"`
	Status    PrivacyRequestStatus `json:"status"`
	/**
	 * Consent marks a consent request: only the consent graph is run.
	 * Otherwise access runs first and erasure follows when the policy
	 * carries erasure rules.
	 */
	Consent    bool      `json:"consent,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// TraversalDetails is the persisted subset of a TraversalNode.
type TraversalDetails struct {
	DatasetConnectionKey string              `json:"dataset_connection_key,omitempty"`
	IncomingEdges        []Edge              `json:"incoming_edges,omitempty"`
	OutgoingEdges        []Edge              `json:"outgoing_edges,omitempty"`
	InputKeys            []CollectionAddress `json:"input_keys,omitempty"`
}

// RequestTask is the durable state of one node of one action graph for
// one privacy request.
type RequestTask struct {
	ID               string     `json:"id"`
	PrivacyRequestID string     `json:"privacy_request_id"`
	ActionType       ActionType `json:"action_type"`

	CollectionAddress string `json:"collection_address"`
	DatasetName       string `json:"dataset_name"`
	CollectionName    string `json:"collection_name"`

	UpstreamTasks      []string `json:"upstream_tasks"`
	DownstreamTasks    []string `json:"downstream_tasks"`
	AllDescendantTasks []string `json:"all_descendant_tasks"`

	TraversalDetails   TraversalDetails `json:"traversal_details"`
	CollectionSnapshot json.RawMessage  `json:"collection,omitempty"`

	Status ExecutionStatus `json:"status"`
	/**
	 * ErrorContained marks an error that stays local to this task, such as
	 * a connection without write access. Downstream tasks still run.
	 */
	ErrorContained bool `json:"error_contained,omitempty"`

	AccessData       []Row   `json:"access_data,omitempty"`
	DataForErasures  []Row   `json:"data_for_erasures,omitempty"`
	ErasureInputData [][]Row `json:"erasure_input_data,omitempty"`
	ConsentData      []Row   `json:"consent_data,omitempty"`

	RowsMasked  int  `json:"rows_masked,omitempty"`
	ConsentSent bool `json:"consent_sent,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *RequestTask) Address() CollectionAddress {
	return CollectionAddress{Dataset: t.DatasetName, Collection: t.CollectionName}
}

func (t *RequestTask) IsRootTask() bool {
	return t.Address().IsRoot()
}

func (t *RequestTask) IsTerminatorTask() bool {
	return t.Address().IsTerminator()
}

// SatisfiesDownstream reports whether downstream tasks may run after this one.
func (t *RequestTask) SatisfiesDownstream() bool {
	return t.Status.IsCompleted() || (t.Status == StatusError && t.ErrorContained)
}

// ExecutionLog records one status transition of a RequestTask.
type ExecutionLog struct {
	ID               string          `json:"id"`
	PrivacyRequestID string          `json:"privacy_request_id"`
	RequestTaskID    string          `json:"request_task_id"`
	DatasetName      string          `json:"dataset_name"`
	CollectionName   string          `json:"collection_name"`
	ActionType       ActionType      `json:"action_type"`
	Status           ExecutionStatus `json:"status"`
	Message          string          `json:"message,omitempty"`
	FieldsAffected   []string        `json:"fields_affected,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

type RequestStatus struct {
	Status    PrivacyRequestStatus
	LastError string

	// TaskStatus maps action type to per collection address status.
	TaskStatus map[ActionType]map[string]ExecutionStatus
}
