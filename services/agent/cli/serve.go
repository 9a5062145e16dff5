package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agenix-sh/agenix/pkg/telemetry"
	"github.com/agenix-sh/agenix/services/agent"
	"github.com/agenix-sh/agenix/services/agent/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution agent",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("server-addr", "localhost:7420", "queued wire protocol address")
	serveCmd.Flags().String("secret", "", "shared secret for queued; empty when auth is disabled")
	serveCmd.Flags().String("worker-id", "", "worker identity; generated from hostname when empty")
	serveCmd.Flags().String("queue", "default", "queue to claim jobs from")
	serveCmd.Flags().Int("concurrency", agent.DefaultConcurrency, "jobs executed at once (one connection per slot)")
	serveCmd.Flags().Duration("heartbeat-interval", agent.DefaultHeartbeatInterval, "liveness heartbeat interval")
	serveCmd.Flags().Duration("claim-wait", agent.DefaultClaimWait, "server-side block per claim round trip")
	serveCmd.Flags().String("capabilities", "", "comma-separated capability tags advertised at registration")
	serveCmd.Flags().Int("max-capture-bytes", agent.DefaultMaxCapture, "per-stream output capture cap per task")
	serveCmd.Flags().Duration("kill-grace", agent.DefaultKillGrace, "SIGTERM to SIGKILL window for timed-out tasks")
	serveCmd.Flags().String("metrics-addr", ":9091", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("server_addr", serveCmd.Flags(), "server-addr")
	bindFlag("secret", serveCmd.Flags(), "secret")
	bindFlag("worker_id", serveCmd.Flags(), "worker-id")
	bindFlag("queue", serveCmd.Flags(), "queue")
	bindFlag("concurrency", serveCmd.Flags(), "concurrency")
	bindFlag("heartbeat_interval", serveCmd.Flags(), "heartbeat-interval")
	bindFlag("claim_wait", serveCmd.Flags(), "claim-wait")
	bindFlag("capabilities", serveCmd.Flags(), "capabilities")
	bindFlag("max_capture_bytes", serveCmd.Flags(), "max-capture-bytes")
	bindFlag("kill_grace", serveCmd.Flags(), "kill-grace")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("secret", "AGENIX_SECRET")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = generateWorkerID()
	}

	logger := buildLogger(cfg.LogLevel, "agentd").With(
		slog.String("worker_id", workerID),
	)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "agentd", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	runner := agent.NewRunner(
		agent.WithRunnerLogger(logger),
		agent.WithMaxCapture(cfg.MaxCaptureBytes),
		agent.WithKillGrace(cfg.KillGrace),
		agent.WithAllowedCommands(cfg.CapabilityList()...),
	)
	a := agent.New(cfg.ServerAddr, cfg.Secret, workerID,
		agent.WithAgentLogger(logger),
		agent.WithQueue(cfg.Queue),
		agent.WithConcurrency(cfg.Concurrency),
		agent.WithHeartbeatInterval(cfg.HeartbeatInterval),
		agent.WithClaimWait(cfg.ClaimWait),
		agent.WithCapabilities(cfg.CapabilityList()...),
		agent.WithRunner(runner),
	)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, nil)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down, draining in-flight jobs...")
		runCancel()
	}()

	logger.Info("agent starting",
		slog.String("server_addr", cfg.ServerAddr),
		slog.String("queue", cfg.Queue),
		slog.Int("concurrency", cfg.Concurrency),
	)

	if err := a.Run(runCtx); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	a.Wait()
	logger.Info("stopped cleanly")
	return nil
}

// generateWorkerID builds a stable-enough identity from the hostname plus a
// random suffix. The result has to satisfy worker id validation, so the
// hostname part is truncated and never left empty.
func generateWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent"
	}
	if len(host) > 40 {
		host = host[:40]
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}
