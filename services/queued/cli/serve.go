package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agenix-sh/agenix/internal/archive"
	"github.com/agenix-sh/agenix/internal/events"
	"github.com/agenix-sh/agenix/internal/store"
	"github.com/agenix-sh/agenix/pkg/telemetry"
	"github.com/agenix-sh/agenix/services/queued"
	"github.com/agenix-sh/agenix/services/queued/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordination service",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen-addr", ":7420", "wire protocol listen address")
	serveCmd.Flags().String("secret", "", "shared secret required from clients; empty disables auth")
	serveCmd.Flags().String("store-path", "agenix.db", "path of the store file")
	serveCmd.Flags().Int("max-payload-bytes", 10<<20, "largest accepted frame payload")
	serveCmd.Flags().Int("max-arity", 1024, "largest accepted command arity")
	serveCmd.Flags().Int("max-action-inputs", 1000, "most jobs one action may create")
	serveCmd.Flags().Int("requeue-limit", 3, "orphan requeues before a job is marked dead")
	serveCmd.Flags().Duration("max-claim-wait", 5*time.Minute, "longest server-side block of one claim")
	serveCmd.Flags().Duration("sweep-interval", time.Second, "worker liveness sweep interval")
	serveCmd.Flags().Duration("schedule-tick", time.Second, "schedule poll interval")
	serveCmd.Flags().String("admin-addr", ":7421", "read-only admin API address; empty disables")
	serveCmd.Flags().String("metrics-addr", ":9090", "Prometheus metrics server address")
	serveCmd.Flags().String("event-brokers", "", "comma-separated Kafka brokers for the event feed; empty disables")
	serveCmd.Flags().String("event-topic", "agenix.jobs", "Kafka topic for the event feed")
	serveCmd.Flags().String("archive-dsn", "", "PostgreSQL DSN for the job archive; empty disables")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("listen_addr", serveCmd.Flags(), "listen-addr")
	bindFlag("secret", serveCmd.Flags(), "secret")
	bindFlag("store_path", serveCmd.Flags(), "store-path")
	bindFlag("max_payload_bytes", serveCmd.Flags(), "max-payload-bytes")
	bindFlag("max_arity", serveCmd.Flags(), "max-arity")
	bindFlag("max_action_inputs", serveCmd.Flags(), "max-action-inputs")
	bindFlag("requeue_limit", serveCmd.Flags(), "requeue-limit")
	bindFlag("max_claim_wait", serveCmd.Flags(), "max-claim-wait")
	bindFlag("sweep_interval", serveCmd.Flags(), "sweep-interval")
	bindFlag("schedule_tick", serveCmd.Flags(), "schedule-tick")
	bindFlag("admin_addr", serveCmd.Flags(), "admin-addr")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("event_brokers", serveCmd.Flags(), "event-brokers")
	bindFlag("event_topic", serveCmd.Flags(), "event-topic")
	bindFlag("archive_dsn", serveCmd.Flags(), "archive-dsn")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("secret", "AGENIX_SECRET")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "queued")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "queued", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	st, err := store.Open(cfg.StorePath, store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	opts := []queued.Option{
		queued.WithLogger(logger),
		queued.WithRequeueLimit(cfg.RequeueLimit),
	}
	if cfg.MaxActionInputs > 0 {
		opts = append(opts, queued.WithMaxActionInputs(cfg.MaxActionInputs))
	}
	if cfg.MaxClaimWait > 0 {
		opts = append(opts, queued.WithMaxClaimWait(cfg.MaxClaimWait))
	}
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		opts = append(opts, queued.WithPublisher(events.NewKafkaPublisher(brokers, cfg.EventTopic)))
		logger.Info("event feed enabled",
			slog.Any("brokers", brokers),
			slog.String("topic", cfg.EventTopic),
		)
	}
	if cfg.ArchiveDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := archive.NewPool(initCtx, cfg.ArchiveDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		opts = append(opts, queued.WithArchiver(archive.NewRepository(pool)))
		logger.Info("archive enabled")
	}

	coord := queued.NewCoordinator(st, opts...)
	defer func() { _ = coord.Close() }()

	srv := queued.NewServer(coord,
		queued.WithServerLogger(logger),
		queued.WithSecret(cfg.Secret),
		queued.WithFrameLimits(cfg.MaxPayloadBytes, cfg.MaxArity),
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, nil)
	go coord.RunSweeper(runCtx, cfg.SweepInterval)
	go coord.RunScheduler(runCtx, cfg.ScheduleTick)

	var adminSrv *http.Server
	if cfg.AdminAddr != "" {
		adminSrv = &http.Server{
			Addr:         cfg.AdminAddr,
			Handler:      queued.AdminRouter(coord, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info("admin API listening", slog.String("addr", cfg.AdminAddr))
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server", slog.String("error", err.Error()))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		if adminSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = adminSrv.Shutdown(shutdownCtx)
			cancel()
		}
		runCancel()
	}()

	logger.Info("queued starting",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("store_path", cfg.StorePath),
		slog.Bool("auth", cfg.Secret != ""),
	)

	if err := srv.Serve(runCtx, ln); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("stopped cleanly")
	return nil
}
