package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the execution agent.
type Config struct {
	LogLevel          string
	ServerAddr        string
	Secret            string
	WorkerID          string
	Queue             string
	Concurrency       int
	HeartbeatInterval time.Duration
	ClaimWait         time.Duration
	Capabilities      string
	MaxCaptureBytes   int
	KillGrace         time.Duration
	MetricsAddr       string
	OTelEndpoint      string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          v.GetString("log_level"),
		ServerAddr:        v.GetString("server_addr"),
		Secret:            v.GetString("secret"),
		WorkerID:          v.GetString("worker_id"),
		Queue:             v.GetString("queue"),
		Concurrency:       v.GetInt("concurrency"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		ClaimWait:         v.GetDuration("claim_wait"),
		Capabilities:      v.GetString("capabilities"),
		MaxCaptureBytes:   v.GetInt("max_capture_bytes"),
		KillGrace:         v.GetDuration("kill_grace"),
		MetricsAddr:       v.GetString("metrics_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
	}
}

// CapabilityList splits the comma-separated capabilities value.
func (c Config) CapabilityList() []string {
	if strings.TrimSpace(c.Capabilities) == "" {
		return nil
	}
	parts := strings.Split(c.Capabilities, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
