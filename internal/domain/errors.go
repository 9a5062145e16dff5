package domain

import "fmt"

// PlanNotFoundError is returned when a plan ID does not exist.
type PlanNotFoundError struct {
	PlanID string
}

func (e *PlanNotFoundError) Error() string {
	return fmt.Sprintf("plan not found: %s", e.PlanID)
}

// JobNotFoundError is returned when a job ID does not exist.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

// ActionNotFoundError is returned when an action ID does not exist.
type ActionNotFoundError struct {
	ActionID string
}

func (e *ActionNotFoundError) Error() string {
	return fmt.Sprintf("action not found: %s", e.ActionID)
}

// WorkerNotFoundError is returned when a worker ID is unknown or its
// liveness record has expired.
type WorkerNotFoundError struct {
	WorkerID string
}

func (e *WorkerNotFoundError) Error() string {
	return fmt.Sprintf("worker not registered: %s", e.WorkerID)
}

// ScheduleNotFoundError is returned when a schedule name does not exist.
type ScheduleNotFoundError struct {
	Name string
}

func (e *ScheduleNotFoundError) Error() string {
	return fmt.Sprintf("schedule not found: %s", e.Name)
}

// PlanExistsError is returned when a plan ID is submitted twice. Plans are
// immutable, so a resubmission is rejected rather than overwritten.
type PlanExistsError struct {
	PlanID string
}

func (e *PlanExistsError) Error() string {
	return fmt.Sprintf("plan already exists: %s", e.PlanID)
}

// ValidationError is returned when a submitted payload violates the data
// model. Nothing is persisted from a payload that fails validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// OwnershipError is returned when a worker reports a job assigned to a
// different worker.
type OwnershipError struct {
	JobID    string
	WorkerID string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("job %s is not owned by worker %s", e.JobID, e.WorkerID)
}

// LimitError is returned when a request exceeds a configured resource bound.
// The request is rejected before any state changes.
type LimitError struct {
	What  string
	Limit int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit exceeded for %s: limit is %d", e.What, e.Limit)
}
