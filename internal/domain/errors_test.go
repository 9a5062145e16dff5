package domain_test

import (
	"strings"
	"testing"

	"github.com/agenix-sh/agenix/internal/domain"
)

func TestJobNotFoundError(t *testing.T) {
	err := &domain.JobNotFoundError{JobID: "01J8ZQ4X"}
	if !strings.Contains(err.Error(), "01J8ZQ4X") {
		t.Errorf("error message should contain job ID, got: %q", err.Error())
	}
}

func TestPlanExistsError(t *testing.T) {
	err := &domain.PlanExistsError{PlanID: "deploy-v2"}
	if !strings.Contains(err.Error(), "deploy-v2") {
		t.Errorf("error message should contain plan ID, got: %q", err.Error())
	}
}

func TestValidationError(t *testing.T) {
	err := &domain.ValidationError{Field: "tasks[1].task_number", Reason: "got 4, want 2"}
	msg := err.Error()
	if !strings.Contains(msg, "tasks[1].task_number") {
		t.Errorf("error message should contain the field, got: %q", msg)
	}
	if !strings.Contains(msg, "got 4") {
		t.Errorf("error message should contain the reason, got: %q", msg)
	}

	bare := &domain.ValidationError{Reason: "unexpected trailing data"}
	if strings.Contains(bare.Error(), "on :") {
		t.Errorf("fieldless message should not render an empty field, got: %q", bare.Error())
	}
}

func TestOwnershipError(t *testing.T) {
	err := &domain.OwnershipError{JobID: "j-1", WorkerID: "agent-9"}
	msg := err.Error()
	if !strings.Contains(msg, "j-1") {
		t.Errorf("error message should contain job ID, got: %q", msg)
	}
	if !strings.Contains(msg, "agent-9") {
		t.Errorf("error message should contain worker ID, got: %q", msg)
	}
}

func TestLimitError(t *testing.T) {
	err := &domain.LimitError{What: "inputs per action", Limit: 1000}
	msg := err.Error()
	if !strings.Contains(msg, "inputs per action") {
		t.Errorf("error message should name the limit, got: %q", msg)
	}
	if !strings.Contains(msg, "1000") {
		t.Errorf("error message should contain the bound, got: %q", msg)
	}
}

func TestAllErrorTypesImplementError(t *testing.T) {
	// Compile-time interface checks via assignment to error variables.
	var _ error = &domain.PlanNotFoundError{}
	var _ error = &domain.JobNotFoundError{}
	var _ error = &domain.ActionNotFoundError{}
	var _ error = &domain.WorkerNotFoundError{}
	var _ error = &domain.ScheduleNotFoundError{}
	var _ error = &domain.PlanExistsError{}
	var _ error = &domain.ValidationError{}
	var _ error = &domain.OwnershipError{}
	var _ error = &domain.LimitError{}
}
