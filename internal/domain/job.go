package domain

import "time"

// Status represents the states a job can be in.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDead
}

// Job is one runnable instance of a plan: the materialized task list plus
// one action input, queued until a worker claims it. A job is created
// pending, becomes running on a successful claim by exactly one worker, and
// ends completed, failed, or dead.
type Job struct {
	JobID           string            `json:"job_id"`
	PlanID          string            `json:"plan_id"`
	ActionID        string            `json:"action_id,omitempty"`
	PlanDescription string            `json:"plan_description,omitempty"`
	Queue           string            `json:"queue"`
	Tasks           []Task            `json:"tasks"`
	Input           string            `json:"input,omitempty"`
	Status          Status            `json:"status"`
	WorkerID        string            `json:"worker_id,omitempty"`
	Requeues        int               `json:"requeues"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Results         []TaskResult      `json:"results,omitempty"`
	Error           string            `json:"error,omitempty"`
	Trace           map[string]string `json:"trace,omitempty"`
}

// TaskResult records the outcome of a single task execution. Stdout and
// stderr are size-bounded captures; Truncated marks that the bound was hit.
type TaskResult struct {
	TaskNumber int    `json:"task_number"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Report is what a worker sends back after running a job to its end: the
// terminal status plus every task result captured before the job stopped.
type Report struct {
	JobID    string       `json:"job_id"`
	WorkerID string       `json:"worker_id"`
	Status   Status       `json:"status"`
	Results  []TaskResult `json:"results"`
	Error    string       `json:"error,omitempty"`
}

// NewJob materializes one pending job from a plan and a single action input.
// The task list is copied so later plan reads can never alias job state.
func NewJob(jobID string, p *Plan, actionID, queue, input string, now time.Time) *Job {
	tasks := make([]Task, len(p.Tasks))
	copy(tasks, p.Tasks)
	return &Job{
		JobID:           jobID,
		PlanID:          p.PlanID,
		ActionID:        actionID,
		PlanDescription: p.Description,
		Queue:           queue,
		Tasks:           tasks,
		Input:           input,
		Status:          StatusPending,
		CreatedAt:       now.UTC(),
	}
}

// Validate checks a result report: identifiers, a worker-reportable terminal
// status, and result numbering within the job's task range.
func (r *Report) Validate() error {
	if err := validateIdent("job_id", r.JobID, 64); err != nil {
		return err
	}
	if err := validateIdent("worker_id", r.WorkerID, 64); err != nil {
		return err
	}
	if r.Status != StatusCompleted && r.Status != StatusFailed {
		return &ValidationError{
			Field:  "status",
			Reason: `must be "completed" or "failed"`,
		}
	}
	if len(r.Results) == 0 {
		return &ValidationError{Field: "results", Reason: "report must carry at least one task result"}
	}
	for i, res := range r.Results {
		if res.TaskNumber < 1 {
			return &ValidationError{
				Field:  "results",
				Reason: "task_number must be positive",
			}
		}
		if i > 0 && res.TaskNumber <= r.Results[i-1].TaskNumber {
			return &ValidationError{
				Field:  "results",
				Reason: "task results must be ordered by task_number",
			}
		}
	}
	return nil
}

// DecodeReport parses report JSON strictly and validates it.
func DecodeReport(data []byte) (*Report, error) {
	var r Report
	if err := decodeStrict(data, &r); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
