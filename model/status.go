package model

import (
	"errors"
	"fmt"
)

// TaskStatus is the lifecycle state of a review task.
type TaskStatus string

const (
	StatusPending     TaskStatus = "PENDING"
	StatusExtracting  TaskStatus = "EXTRACTING"
	StatusEntityReady TaskStatus = "ENTITY_READY"
	StatusReady       TaskStatus = "READY"
	StatusInProgress  TaskStatus = "IN_PROGRESS"
	StatusCompleted   TaskStatus = "COMPLETED"
	StatusFailed      TaskStatus = "FAILED"
)

// AllStatuses lists every state in pipeline order.
var AllStatuses = []TaskStatus{
	StatusPending,
	StatusExtracting,
	StatusEntityReady,
	StatusReady,
	StatusInProgress,
	StatusCompleted,
	StatusFailed,
}

func (s TaskStatus) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s TaskStatus) String() string { return string(s) }

// Trigger is an event that moves a task between states.
type Trigger string

const (
	TriggerExtractionStarted   Trigger = "extraction_started"
	TriggerExtractionSucceeded Trigger = "extraction_succeeded"
	TriggerExtractionFailed    Trigger = "extraction_failed"
	TriggerRoleConfirmed       Trigger = "role_confirmed"
	TriggerReviewStarted       Trigger = "review_started"
	TriggerStageCompleted      Trigger = "stage_completed"
	TriggerReviewSucceeded     Trigger = "review_succeeded"
	TriggerReviewFailed        Trigger = "review_failed"
)

// ErrIllegalTransition is returned when a trigger is not defined for the
// task's current state.
var ErrIllegalTransition = errors.New("illegal status transition")

type transitionKey struct {
	from    TaskStatus
	trigger Trigger
}

// transitions is the complete state machine. Anything absent is illegal.
var transitions = map[transitionKey]TaskStatus{
	{StatusPending, TriggerExtractionStarted}:      StatusExtracting,
	{StatusExtracting, TriggerExtractionSucceeded}: StatusEntityReady,
	// Compensating revert: a failed extraction must stay retryable.
	{StatusExtracting, TriggerExtractionFailed}: StatusPending,

	{StatusPending, TriggerRoleConfirmed}:     StatusReady,
	{StatusEntityReady, TriggerRoleConfirmed}: StatusReady,
	{StatusReady, TriggerRoleConfirmed}:       StatusReady,
	{StatusFailed, TriggerRoleConfirmed}:      StatusReady,

	{StatusReady, TriggerReviewStarted}:   StatusInProgress,
	{StatusPending, TriggerReviewStarted}: StatusInProgress,

	{StatusInProgress, TriggerStageCompleted}:  StatusInProgress,
	{StatusInProgress, TriggerReviewSucceeded}: StatusCompleted,
	{StatusInProgress, TriggerReviewFailed}:    StatusFailed,
}

// NextStatus returns the state reached by firing trigger in state from.
func NextStatus(from TaskStatus, trigger Trigger) (TaskStatus, error) {
	to, ok := transitions[transitionKey{from, trigger}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, trigger, from)
	}
	return to, nil
}

// CanFire reports whether trigger is defined for state from.
func CanFire(from TaskStatus, trigger Trigger) bool {
	_, ok := transitions[transitionKey{from, trigger}]
	return ok
}

// CanStartReview is the admission check for a review run.
func CanStartReview(s TaskStatus) bool {
	return CanFire(s, TriggerReviewStarted)
}
