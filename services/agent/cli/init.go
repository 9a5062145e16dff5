package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultAgentYAML = `# Agenix — execution agent config
# Priority: CLI flag > this file > default.

server_addr: "localhost:7420"
log_level:   "info"

# secret: "change-me"   # must match queued's secret; empty when auth is off
                        # (also read from AGENIX_SECRET)

# worker_id: "build-box-1"   # generated from hostname when empty
queue:       "default"
concurrency: 4

heartbeat_interval: "10s"   # liveness TTL is 3x this on the server
claim_wait:         "10s"   # per claim round trip; bounds shutdown drain

# capabilities: "linux,docker"

max_capture_bytes: 1048576  # per-stream stdout/stderr cap per task
kill_grace:        "5s"     # SIGTERM to SIGKILL window on timeout

metrics_addr: ":9091"       # :9092 for a second agent on the same host

# otel_endpoint: "localhost:4318"  # uncomment to enable OpenTelemetry tracing
`

func newInitCmd(serviceName, defaultYAML string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: fmt.Sprintf(`Write default configuration for %s.

If --config is given the file is written to that path.
Otherwise it is written to ~/.agenix/%s.yaml.
Fails if the file already exists unless --force is passed.`, serviceName, serviceName),
		RunE: func(_ *cobra.Command, _ []string) error {
			dest := cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, ".agenix", serviceName+".yaml")
			}

			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}

			if !force {
				if _, err := os.Stat(dest); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat %s: %w", dest, err)
				}
			}

			if err := os.WriteFile(dest, []byte(defaultYAML), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}
