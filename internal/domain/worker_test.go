package domain_test

import (
	"strings"
	"testing"
	"time"

	"github.com/agenix-sh/agenix/internal/domain"
)

func TestWorkerValidate_Defaults(t *testing.T) {
	w := &domain.Worker{WorkerID: "agent-1"}
	if err := w.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if w.Concurrency != domain.DefaultConcurrency {
		t.Errorf("concurrency = %d, want default %d", w.Concurrency, domain.DefaultConcurrency)
	}
	if w.HeartbeatSecs != domain.DefaultHeartbeatSecs {
		t.Errorf("heartbeat_secs = %d, want default %d", w.HeartbeatSecs, domain.DefaultHeartbeatSecs)
	}
}

func TestWorkerValidate_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		worker domain.Worker
	}{
		{"empty id", domain.Worker{}},
		{"id with slash", domain.Worker{WorkerID: "agent/1"}},
		{"id with space", domain.Worker{WorkerID: "agent 1"}},
		{"id too long", domain.Worker{WorkerID: strings.Repeat("a", 65)}},
		{"negative concurrency", domain.Worker{WorkerID: "a", Concurrency: -1}},
		{"negative heartbeat", domain.Worker{WorkerID: "a", HeartbeatSecs: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.worker
			if err := w.Validate(); err == nil {
				t.Error("Validate() accepted an invalid worker")
			}
		})
	}
}

func TestWorkerTTL(t *testing.T) {
	tests := []struct {
		name          string
		heartbeatSecs int
		want          time.Duration
	}{
		{"three times heartbeat", 10, 30 * time.Second},
		{"clamped low", 0, 2 * time.Second},
		{"clamped high", 3600, 10 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &domain.Worker{WorkerID: "a", HeartbeatSecs: tt.heartbeatSecs}
			if got := w.TTL(); got != tt.want {
				t.Errorf("TTL() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeWorker_Strict(t *testing.T) {
	w, err := domain.DecodeWorker([]byte(`{"worker_id":"agent-1","capabilities":["shell"],"concurrency":4,"heartbeat_secs":5}`))
	if err != nil {
		t.Fatalf("DecodeWorker() error = %v", err)
	}
	if w.Concurrency != 4 {
		t.Errorf("concurrency = %d, want 4", w.Concurrency)
	}

	if _, err := domain.DecodeWorker([]byte(`{"worker_id":"agent-1","hostname":"x"}`)); err == nil {
		t.Error("DecodeWorker() accepted an unknown field")
	}
}
