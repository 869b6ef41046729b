package models

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("requested resource not found")
var ErrForbidden = errors.New("user does not have permission to access this resource")
var ErrInvalidToken = errors.New("token not found or expired")

// ErrPreconditionFailed indicates a conditional write found the record in a
// different state than expected, i.e. a concurrent edit got there first.
// Handled like an invalid transition, but surfaced distinctly so the UI can
// refresh instead of retrying blindly.
var ErrPreconditionFailed = errors.New("record changed concurrently, expected status did not match")

var ErrRouteNotInProgress = errors.New("route is not in progress")
var ErrRouteAlreadyStarted = errors.New("route has already been started")
var ErrRouteNotFinishable = errors.New("route still has unresolved stops")
var ErrNotesTooLong = errors.New("notes exceed the 500 character limit")

// TransitionError reports a stop-status transition that is not in the legal
// transition table, naming both ends so the caller can show what was rejected.
type TransitionError struct {
	From StopStatus
	To   StopStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid stop transition from %q to %q", e.From, e.To)
}

// ErrorResponse is the JSON body returned for failed API requests.
type ErrorResponse struct {
	Message string `json:"message"`
}
