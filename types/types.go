package types

import (
	"github.com/juju/errors"
)

type ActionType string

const (
	ActionAccess  ActionType = "access"
	ActionErasure ActionType = "erasure"
	ActionConsent ActionType = "consent"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionAccess, ActionErasure, ActionConsent:
		return true
	}
	return false
}

func ParseActionType(s string) (ActionType, error) {
	a := ActionType(s)
	if !a.Valid() {
		return "", errors.NotValidf("action type %q", s)
	}
	return a, nil
}

// ExecutionStatus is the status of a single RequestTask and of the
// execution log entries written for it.
type ExecutionStatus string

const (
	StatusPending      ExecutionStatus = "pending"
	StatusInProcessing ExecutionStatus = "in_processing"
	StatusRetrying     ExecutionStatus = "retrying"
	StatusPaused       ExecutionStatus = "paused"
	StatusSkipped      ExecutionStatus = "skipped"
	StatusError        ExecutionStatus = "error"
	StatusComplete     ExecutionStatus = "complete"
)

// IsTerminal reports whether no further transition happens without an
// external resume.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusSkipped
}

// IsCompleted reports whether the status satisfies downstream dependencies.
func (s ExecutionStatus) IsCompleted() bool {
	return s == StatusComplete || s == StatusSkipped
}

type PrivacyRequestStatus string

const (
	RequestPending       PrivacyRequestStatus = "pending"
	RequestInProcessing  PrivacyRequestStatus = "in_processing"
	RequestPaused        PrivacyRequestStatus = "paused"
	RequestRequiresInput PrivacyRequestStatus = "requires_input"
	RequestError         PrivacyRequestStatus = "error"
	RequestCanceled      PrivacyRequestStatus = "canceled"
	RequestComplete      PrivacyRequestStatus = "complete"
)

func (s PrivacyRequestStatus) IsFinished() bool {
	return s == RequestComplete || s == RequestCanceled
}

type AccessLevel string

const (
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
)
