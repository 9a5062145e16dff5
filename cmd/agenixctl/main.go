// Command agenixctl is a small operator console for an agenix deployment.
// It speaks the same wire protocol as the services; nothing here touches
// the store directly.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agenix-sh/agenix/internal/client"
	"github.com/agenix-sh/agenix/internal/domain"
	"github.com/agenix-sh/agenix/internal/version"
)

var (
	flagAddr    string
	flagSecret  string
	flagTimeout time.Duration
	flagJSON    bool
	flagNoColor bool
)

var rootCmd = &cobra.Command{
	Use:          "agenixctl",
	Short:        "Operator console for the agenix job fabric",
	SilenceUsage: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		_ = godotenv.Load()
		if flagAddr == "" {
			flagAddr = envOr("AGENIX_ADDR", "localhost:7420")
		}
		if flagSecret == "" {
			flagSecret = os.Getenv("AGENIX_SECRET")
		}
		if flagNoColor {
			color.NoColor = true
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "", "queued address (default $AGENIX_ADDR or localhost:7420)")
	rootCmd.PersistentFlags().StringVar(&flagSecret, "secret", "", "shared secret (default $AGENIX_SECRET)")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "per-command timeout")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print raw JSON instead of tables")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(actionCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(queuesCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(versionCmd)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check connectivity and credentials",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		cl, err := connect(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()

		start := time.Now()
		if err := cl.Ping(ctx); err != nil {
			return err
		}
		fmt.Printf("%s %s (%s)\n", color.GreenString("✓"), flagAddr, time.Since(start).Round(time.Microsecond))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("agenixctl %s\n", version.Version)
		fmt.Printf("  commit:     %s\n", version.GitCommit)
		fmt.Printf("  built:      %s\n", version.BuildTime)
		fmt.Printf("  go version: %s\n", version.GoVersion())
	},
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), flagTimeout)
}

func connect(ctx context.Context) (*client.Client, error) {
	cl, err := client.Dial(ctx, flagAddr, flagSecret)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", flagAddr, err)
	}
	return cl, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// readInput reads a file argument, with "-" meaning stdin.
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// statusCell pads before coloring so ANSI codes don't break column widths.
func statusCell(s domain.Status) string {
	padded := fmt.Sprintf("%-10s", string(s))
	switch s {
	case domain.StatusCompleted:
		return color.GreenString(padded)
	case domain.StatusRunning:
		return color.CyanString(padded)
	case domain.StatusPending:
		return color.YellowString(padded)
	case domain.StatusFailed:
		return color.RedString(padded)
	case domain.StatusDead:
		return color.HiRedString(padded)
	}
	return padded
}

func humanAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
