package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// MaxPlanTasks bounds how many tasks a single plan may carry.
	MaxPlanTasks = 100

	// DefaultQueue is the queue actions target when none is named.
	DefaultQueue = "default"
)

// Task is one step of a plan: a command spawned directly (never through a
// shell) with ordered arguments, an optional timeout, and an optional
// reference to an earlier task whose captured stdout becomes this task's
// stdin.
type Task struct {
	TaskNumber    int      `json:"task_number"`
	Command       string   `json:"command"`
	Args          []string `json:"args,omitempty"`
	TimeoutSecs   int      `json:"timeout_secs,omitempty"`
	InputFromTask int      `json:"input_from_task,omitempty"`
}

// Plan is an immutable ordered task list stored once under its plan_id.
// Resubmitting an existing plan_id is rejected rather than overwritten.
type Plan struct {
	PlanID      string `json:"plan_id"`
	Description string `json:"description,omitempty"`
	Tasks       []Task `json:"tasks"`
}

// ActionRequest is the submission form of an action: which plan to
// instantiate, one input payload per job to create, and an optional target
// queue.
type ActionRequest struct {
	PlanID string   `json:"plan_id"`
	Inputs []string `json:"inputs"`
	Queue  string   `json:"queue,omitempty"`
}

// Action is the persisted record of an accepted action request together
// with the jobs it fanned out into.
type Action struct {
	ActionID  string    `json:"action_id"`
	PlanID    string    `json:"plan_id"`
	Queue     string    `json:"queue"`
	Inputs    []string  `json:"inputs"`
	JobIDs    []string  `json:"job_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// ActionStatus is the query view of an action: the stored record plus the
// current status of each job it created.
type ActionStatus struct {
	Action
	JobStatuses map[string]Status `json:"job_statuses"`
}

// QueueStats reports the depths of one named queue.
type QueueStats struct {
	Queue      string `json:"queue"`
	Ready      int    `json:"ready"`
	Processing int    `json:"processing"`
}

// Validate checks the plan invariants: identifier shape, task count bounds,
// contiguous 1-based numbering, non-empty commands, and backward-only
// input_from_task references.
func (p *Plan) Validate() error {
	if err := validateIdent("plan_id", p.PlanID, 128); err != nil {
		return err
	}
	if len(p.Tasks) == 0 {
		return &ValidationError{Field: "tasks", Reason: "plan must contain at least one task"}
	}
	if len(p.Tasks) > MaxPlanTasks {
		return &LimitError{What: "tasks per plan", Limit: MaxPlanTasks}
	}
	for i, t := range p.Tasks {
		want := i + 1
		if t.TaskNumber != want {
			return &ValidationError{
				Field:  fmt.Sprintf("tasks[%d].task_number", i),
				Reason: fmt.Sprintf("got %d, want %d: task numbers are contiguous starting at 1", t.TaskNumber, want),
			}
		}
		if t.Command == "" {
			return &ValidationError{
				Field:  fmt.Sprintf("tasks[%d].command", i),
				Reason: "command is required",
			}
		}
		if t.TimeoutSecs < 0 {
			return &ValidationError{
				Field:  fmt.Sprintf("tasks[%d].timeout_secs", i),
				Reason: "timeout must not be negative",
			}
		}
		if t.InputFromTask != 0 && (t.InputFromTask < 1 || t.InputFromTask >= t.TaskNumber) {
			return &ValidationError{
				Field:  fmt.Sprintf("tasks[%d].input_from_task", i),
				Reason: fmt.Sprintf("got %d: must reference an earlier task", t.InputFromTask),
			}
		}
	}
	return nil
}

// Encode returns the canonical stored form of the plan. Fetching a plan
// later returns exactly these bytes.
func (p *Plan) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Validate checks the action request against the referenced limits. The
// plan_id existence check belongs to the coordinator, not here.
func (a *ActionRequest) Validate(maxInputs int) error {
	if err := validateIdent("plan_id", a.PlanID, 128); err != nil {
		return err
	}
	if len(a.Inputs) == 0 {
		return &ValidationError{Field: "inputs", Reason: "action must carry at least one input"}
	}
	if maxInputs > 0 && len(a.Inputs) > maxInputs {
		return &LimitError{What: "inputs per action", Limit: maxInputs}
	}
	if a.Queue != "" {
		if err := validateIdent("queue", a.Queue, 64); err != nil {
			return err
		}
	}
	return nil
}

// TargetQueue resolves the queue the action's jobs are enqueued on.
func (a *ActionRequest) TargetQueue() string {
	if a.Queue == "" {
		return DefaultQueue
	}
	return a.Queue
}

// DecodePlan parses plan JSON strictly and validates it. Unknown fields are
// rejected rather than translated; that includes the legacy id and tool
// aliases some older producers still emit.
func DecodePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := decodeStrict(data, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeActionRequest parses action JSON strictly. Limit validation runs
// separately so callers can apply their configured bound.
func DecodeActionRequest(data []byte) (*ActionRequest, error) {
	var a ActionRequest
	if err := decodeStrict(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if dec.More() {
		return &ValidationError{Reason: "unexpected trailing data after JSON document"}
	}
	return nil
}

func validateIdent(field, s string, max int) error {
	if len(s) == 0 || len(s) > max {
		return &ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("must be 1-%d characters from [A-Za-z0-9._-]", max),
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return &ValidationError{
				Field:  field,
				Reason: fmt.Sprintf("invalid character %q: allowed set is [A-Za-z0-9._-]", c),
			}
		}
	}
	return nil
}
