package domain_test

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/agenix-sh/agenix/internal/domain"
)

func validPlan() *domain.Plan {
	return &domain.Plan{
		PlanID: "plan-1",
		Tasks: []domain.Task{
			{TaskNumber: 1, Command: "echo", Args: []string{"hello"}},
			{TaskNumber: 2, Command: "wc", Args: []string{"-l"}, InputFromTask: 1},
			{TaskNumber: 3, Command: "cat", TimeoutSecs: 30, InputFromTask: 2},
		},
	}
}

func TestPlanValidate_Accepted(t *testing.T) {
	if err := validPlan().Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestPlanValidate_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Plan)
	}{
		{"empty plan id", func(p *domain.Plan) { p.PlanID = "" }},
		{"plan id with space", func(p *domain.Plan) { p.PlanID = "plan 1" }},
		{"no tasks", func(p *domain.Plan) { p.Tasks = nil }},
		{"gap in numbering", func(p *domain.Plan) { p.Tasks[2].TaskNumber = 4 }},
		{"zero based numbering", func(p *domain.Plan) {
			for i := range p.Tasks {
				p.Tasks[i].TaskNumber--
			}
		}},
		{"duplicate number", func(p *domain.Plan) { p.Tasks[1].TaskNumber = 1 }},
		{"empty command", func(p *domain.Plan) { p.Tasks[0].Command = "" }},
		{"negative timeout", func(p *domain.Plan) { p.Tasks[0].TimeoutSecs = -1 }},
		{"self reference", func(p *domain.Plan) { p.Tasks[1].InputFromTask = 2 }},
		{"forward reference", func(p *domain.Plan) { p.Tasks[0].InputFromTask = 2 }},
		{"negative reference", func(p *domain.Plan) { p.Tasks[1].InputFromTask = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPlan()
			tt.mutate(p)
			err := p.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("error type = %T, want *ValidationError", err)
			}
		})
	}
}

func TestPlanValidate_TaskCountLimit(t *testing.T) {
	p := &domain.Plan{PlanID: "big"}
	for i := 1; i <= domain.MaxPlanTasks+1; i++ {
		p.Tasks = append(p.Tasks, domain.Task{TaskNumber: i, Command: "true"})
	}
	err := p.Validate()
	var lerr *domain.LimitError
	if !errors.As(err, &lerr) {
		t.Fatalf("error = %v, want *LimitError", err)
	}
	if lerr.Limit != domain.MaxPlanTasks {
		t.Errorf("limit = %d, want %d", lerr.Limit, domain.MaxPlanTasks)
	}

	p.Tasks = p.Tasks[:domain.MaxPlanTasks]
	if err := p.Validate(); err != nil {
		t.Errorf("plan at the limit rejected: %v", err)
	}
}

func TestDecodePlan_RejectsAliasFields(t *testing.T) {
	// Older producers used a generic id/tool pair; schema drift has to be
	// rejected, not silently translated.
	tests := []struct {
		name string
		data string
	}{
		{"id alias", `{"plan_id":"p1","tasks":[{"id":1,"command":"echo"}]}`},
		{"tool alias", `{"plan_id":"p1","tasks":[{"task_number":1,"tool":"echo"}]}`},
		{"unknown top-level field", `{"plan_id":"p1","priority":5,"tasks":[{"task_number":1,"command":"echo"}]}`},
		{"trailing data", `{"plan_id":"p1","tasks":[{"task_number":1,"command":"echo"}]}{"again":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := domain.DecodePlan([]byte(tt.data))
			if err == nil {
				t.Fatal("DecodePlan() accepted a payload with alias/unknown fields")
			}
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("error type = %T, want *ValidationError", err)
			}
		})
	}
}

func TestPlanEncode_RoundTrip(t *testing.T) {
	p := validPlan()
	p.Description = "three step pipeline"

	first, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, err := domain.DecodePlan(first)
	if err != nil {
		t.Fatalf("DecodePlan() error = %v", err)
	}
	second, err := decoded.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("round trip changed bytes:\n first=%s\nsecond=%s", first, second)
	}
}

func TestActionRequestValidate(t *testing.T) {
	req := &domain.ActionRequest{PlanID: "p1", Inputs: []string{"a", "b"}}
	if err := req.Validate(100); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := req.TargetQueue(); got != domain.DefaultQueue {
		t.Errorf("TargetQueue() = %q, want %q", got, domain.DefaultQueue)
	}

	req.Queue = "gpu"
	if got := req.TargetQueue(); got != "gpu" {
		t.Errorf("TargetQueue() = %q, want gpu", got)
	}

	empty := &domain.ActionRequest{PlanID: "p1"}
	if err := empty.Validate(100); err == nil {
		t.Error("action without inputs accepted")
	}

	over := &domain.ActionRequest{PlanID: "p1"}
	for i := 0; i < 3; i++ {
		over.Inputs = append(over.Inputs, fmt.Sprintf("input-%d", i))
	}
	var lerr *domain.LimitError
	if err := over.Validate(2); !errors.As(err, &lerr) {
		t.Errorf("error = %v, want *LimitError", err)
	}
}

func TestDecodeActionRequest_Strict(t *testing.T) {
	_, err := domain.DecodeActionRequest([]byte(`{"plan_id":"p1","inputs":["x"],"priority":1}`))
	if err == nil {
		t.Fatal("DecodeActionRequest() accepted an unknown field")
	}
	if !strings.Contains(err.Error(), "priority") {
		t.Errorf("error should name the offending field, got: %v", err)
	}
}
