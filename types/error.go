package types

import (
	"time"

	"github.com/juju/errors"
)

var (
	_ error = &RetryError{}
	_ error = &FatalError{}
	_ error = &PauseError{}
	_ error = &CollectionDisabled{}
	_ error = &ResumeTaskError{}
	_ error = &PrivacyRequestCanceled{}
	_ error = &UpstreamTasksNotReady{}
	_ error = &TraversalError{}
)

func NewRetryError(otherErr error, backoff time.Duration) error {
	return &RetryError{baseError: newBaseErr(otherErr), Backoff: backoff}
}

func NewRetryErrorf(backoff time.Duration, format string, args ...interface{}) error {
	return NewRetryError(errors.Errorf(format, args...), backoff)
}

func NewFatalError(otherErr error) error {
	return &FatalError{baseError: newBaseErr(otherErr)}
}

func NewFatalErrorf(format string, args ...interface{}) error {
	return NewFatalError(errors.Errorf(format, args...))
}

// NewPauseErrorf signals that the privacy request must pause until an
// external resume, e.g. a manual step or an async callback.
func NewPauseErrorf(format string, args ...interface{}) error {
	return &PauseError{baseError: newBaseErr(errors.Errorf(format, args...))}
}

// NewRequiresInputErrorf pauses the privacy request until someone supplies
// data the task cannot fetch itself.
func NewRequiresInputErrorf(format string, args ...interface{}) error {
	return &PauseError{baseError: newBaseErr(errors.Errorf(format, args...)), RequiresInput: true}
}

func NewCollectionDisabledf(format string, args ...interface{}) error {
	return &CollectionDisabled{baseError: newBaseErr(errors.Errorf(format, args...))}
}

func NewResumeTaskError(otherErr error) error {
	return &ResumeTaskError{baseError: newBaseErr(otherErr)}
}

func NewPrivacyRequestCanceledf(format string, args ...interface{}) error {
	return &PrivacyRequestCanceled{baseError: newBaseErr(errors.Errorf(format, args...))}
}

func NewUpstreamTasksNotReadyf(format string, args ...interface{}) error {
	return &UpstreamTasksNotReady{baseError: newBaseErr(errors.Errorf(format, args...))}
}

func NewTraversalErrorf(format string, args ...interface{}) error {
	return &TraversalError{baseError: newBaseErr(errors.Errorf(format, args...))}
}

func newBaseErr(otherErr error) *baseError {
	return &baseError{unwrapErr(otherErr)}
}

func unwrapErr(err error) error {
	if err == nil {
		return nil
	}
	if ue, ok := err.(wrappedErr); ok {
		return unwrapErr(ue.UnwrapLocal())
	}
	return err
}

type wrappedErr interface {
	UnwrapLocal() error
}

type baseError struct {
	BaseErr error
}

func (e *baseError) Error() string {
	return e.BaseErr.Error()
}

func (e *baseError) UnwrapLocal() error {
	return e.BaseErr
}

type RetryError struct {
	*baseError
	Backoff time.Duration
}

// FatalError is never retried.
type FatalError struct {
	*baseError
}

type PauseError struct {
	*baseError
	RequiresInput bool
}

// CollectionDisabled is raised before any connector call when the owning
// connection is disabled. The task is skipped, not failed.
type CollectionDisabled struct {
	*baseError
}

// ResumeTaskError means a persisted task could not be hydrated; the task
// and its descendants are failed.
type ResumeTaskError struct {
	*baseError
}

type PrivacyRequestCanceled struct {
	*baseError
}

type UpstreamTasksNotReady struct {
	*baseError
}

// TraversalError is a configuration error in the dataset graph.
type TraversalError struct {
	*baseError
}

func IsFatal(err error) bool {
	var target *FatalError
	return errors.As(err, &target)
}

func IsPause(err error) bool {
	var target *PauseError
	return errors.As(err, &target)
}

func IsRequiresInput(err error) bool {
	var target *PauseError
	return errors.As(err, &target) && target.RequiresInput
}

func IsCollectionDisabled(err error) bool {
	var target *CollectionDisabled
	return errors.As(err, &target)
}

func IsResumeTask(err error) bool {
	var target *ResumeTaskError
	return errors.As(err, &target)
}

func IsCanceled(err error) bool {
	var target *PrivacyRequestCanceled
	return errors.As(err, &target)
}

func IsUpstreamNotReady(err error) bool {
	var target *UpstreamTasksNotReady
	return errors.As(err, &target)
}

func IsTraversal(err error) bool {
	var target *TraversalError
	return errors.As(err, &target)
}
