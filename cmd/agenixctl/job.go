package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect jobs",
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job with its per-task results",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		cl, err := connect(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()

		job, found, err := cl.JobStatus(ctx, args[0])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("job %q not found", args[0])
		}
		if flagJSON {
			return printJSON(job)
		}

		fmt.Printf("job %s  %s\n", job.JobID, statusCell(job.Status))
		fmt.Printf("  plan:     %s\n", job.PlanID)
		fmt.Printf("  queue:    %s\n", job.Queue)
		if job.WorkerID != "" {
			fmt.Printf("  worker:   %s\n", job.WorkerID)
		}
		fmt.Printf("  created:  %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
		if job.StartedAt != nil {
			fmt.Printf("  started:  %s\n", job.StartedAt.Format("2006-01-02 15:04:05"))
		}
		if job.CompletedAt != nil {
			fmt.Printf("  finished: %s\n", job.CompletedAt.Format("2006-01-02 15:04:05"))
		}
		if job.Requeues > 0 {
			fmt.Printf("  requeues: %d\n", job.Requeues)
		}
		if job.Error != "" {
			fmt.Printf("  error:    %s\n", color.RedString(job.Error))
		}

		if len(job.Results) > 0 {
			fmt.Println()
			for _, res := range job.Results {
				mark := color.GreenString("✓")
				if res.Error != "" {
					mark = color.RedString("✗")
				}
				line := fmt.Sprintf("  %s task %-3d exit %-4d %6dms", mark, res.TaskNumber, res.ExitCode, res.DurationMs)
				if res.TimedOut {
					line += "  " + color.RedString("timed out")
				}
				if res.Truncated {
					line += "  (output truncated)"
				}
				fmt.Println(line)
			}

			last := job.Results[len(job.Results)-1]
			if out := strings.TrimRight(last.Stdout, "\n"); out != "" {
				fmt.Println()
				fmt.Println("  output:")
				for _, l := range strings.Split(out, "\n") {
					fmt.Printf("  %s\n", l)
				}
			}
		}
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobStatusCmd)
}
