package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the coordination service.
type Config struct {
	LogLevel string

	ListenAddr string
	Secret     string
	StorePath  string

	MaxPayloadBytes int
	MaxArity        int
	MaxActionInputs int
	RequeueLimit    int
	MaxClaimWait    time.Duration
	SweepInterval   time.Duration
	ScheduleTick    time.Duration

	AdminAddr   string
	MetricsAddr string

	EventBrokers string
	EventTopic   string
	ArchiveDSN   string

	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel: v.GetString("log_level"),

		ListenAddr: v.GetString("listen_addr"),
		Secret:     v.GetString("secret"),
		StorePath:  v.GetString("store_path"),

		MaxPayloadBytes: v.GetInt("max_payload_bytes"),
		MaxArity:        v.GetInt("max_arity"),
		MaxActionInputs: v.GetInt("max_action_inputs"),
		RequeueLimit:    v.GetInt("requeue_limit"),
		MaxClaimWait:    v.GetDuration("max_claim_wait"),
		SweepInterval:   v.GetDuration("sweep_interval"),
		ScheduleTick:    v.GetDuration("schedule_tick"),

		AdminAddr:   v.GetString("admin_addr"),
		MetricsAddr: v.GetString("metrics_addr"),

		EventBrokers: v.GetString("event_brokers"),
		EventTopic:   v.GetString("event_topic"),
		ArchiveDSN:   v.GetString("archive_dsn"),

		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}

// Brokers splits the comma-separated broker list; empty means no feed.
func (c Config) Brokers() []string {
	if strings.TrimSpace(c.EventBrokers) == "" {
		return nil
	}
	parts := strings.Split(c.EventBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
