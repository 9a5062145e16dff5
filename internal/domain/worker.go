package domain

import "time"

const (
	// DefaultConcurrency is assumed when a worker registers without one.
	DefaultConcurrency = 1

	// DefaultHeartbeatSecs is assumed when a worker registers without a
	// heartbeat interval.
	DefaultHeartbeatSecs = 10
)

// Worker is the liveness record of a registered execution agent. The record
// expires unless refreshed by heartbeats; expiry is the only death signal —
// there is no separate alive flag.
type Worker struct {
	WorkerID      string       `json:"worker_id"`
	Capabilities  []string     `json:"capabilities,omitempty"`
	Concurrency   int          `json:"concurrency"`
	HeartbeatSecs int          `json:"heartbeat_secs"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastSeenAt    time.Time    `json:"last_seen_at"`
	Stats         *WorkerStats `json:"stats,omitempty"`
}

// WorkerStats is the optional snapshot a worker attaches to heartbeats.
type WorkerStats struct {
	JobsActive    int   `json:"jobs_active"`
	JobsCompleted int64 `json:"jobs_completed"`
	JobsFailed    int64 `json:"jobs_failed"`
}

// Validate checks the registration payload and fills defaults for omitted
// concurrency and heartbeat interval.
func (w *Worker) Validate() error {
	if err := validateIdent("worker_id", w.WorkerID, 64); err != nil {
		return err
	}
	if w.Concurrency < 0 {
		return &ValidationError{Field: "concurrency", Reason: "must not be negative"}
	}
	if w.Concurrency == 0 {
		w.Concurrency = DefaultConcurrency
	}
	if w.HeartbeatSecs < 0 {
		return &ValidationError{Field: "heartbeat_secs", Reason: "must not be negative"}
	}
	if w.HeartbeatSecs == 0 {
		w.HeartbeatSecs = DefaultHeartbeatSecs
	}
	return nil
}

// TTL is how long the liveness record stays valid after a refresh: three
// missed heartbeats, clamped to keep pathological intervals sane.
func (w *Worker) TTL() time.Duration {
	ttl := 3 * time.Duration(w.HeartbeatSecs) * time.Second
	if ttl < 2*time.Second {
		ttl = 2 * time.Second
	}
	if ttl > 10*time.Minute {
		ttl = 10 * time.Minute
	}
	return ttl
}

// DecodeWorker parses a registration payload strictly and validates it.
func DecodeWorker(data []byte) (*Worker, error) {
	var w Worker
	if err := decodeStrict(data, &w); err != nil {
		return nil, err
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// DecodeWorkerStats parses the optional stats payload of a heartbeat.
func DecodeWorkerStats(data []byte) (*WorkerStats, error) {
	var s WorkerStats
	if err := decodeStrict(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
