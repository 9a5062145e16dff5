package domain

import "time"

// Schedule is a named recurring action: a cron expression that, when due,
// submits the stored action request through the normal submission path.
type Schedule struct {
	Name      string     `json:"name"`
	Cron      string     `json:"cron"`
	PlanID    string     `json:"plan_id"`
	Inputs    []string   `json:"inputs"`
	Queue     string     `json:"queue,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt time.Time  `json:"next_run_at"`
}

// Validate checks everything except the cron expression itself, which the
// scheduler validates with its parser when the schedule is stored.
func (s *Schedule) Validate() error {
	if err := validateIdent("name", s.Name, 64); err != nil {
		return err
	}
	if s.Cron == "" {
		return &ValidationError{Field: "cron", Reason: "cron expression is required"}
	}
	if err := validateIdent("plan_id", s.PlanID, 128); err != nil {
		return err
	}
	if len(s.Inputs) == 0 {
		return &ValidationError{Field: "inputs", Reason: "schedule must carry at least one input"}
	}
	if s.Queue != "" {
		if err := validateIdent("queue", s.Queue, 64); err != nil {
			return err
		}
	}
	return nil
}

// Request converts the schedule into the action request it fires.
func (s *Schedule) Request() *ActionRequest {
	return &ActionRequest{PlanID: s.PlanID, Inputs: s.Inputs, Queue: s.Queue}
}

// DecodeSchedule parses schedule JSON strictly and validates it.
func DecodeSchedule(data []byte) (*Schedule, error) {
	var s Schedule
	if err := decodeStrict(data, &s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
