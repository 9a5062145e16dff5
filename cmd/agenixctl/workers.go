package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List live workers",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		cl, err := connect(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()

		workers, err := cl.ListWorkers(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(workers)
		}
		if len(workers) == 0 {
			fmt.Println("no live workers")
			return nil
		}

		fmt.Printf("%-44s %-6s %-7s %-10s %-10s %s\n",
			"WORKER", "CONC", "ACTIVE", "COMPLETED", "FAILED", "LAST SEEN")
		for _, w := range workers {
			var active int
			var completed, failed int64
			if w.Stats != nil {
				active = w.Stats.JobsActive
				completed = w.Stats.JobsCompleted
				failed = w.Stats.JobsFailed
			}
			id := w.WorkerID
			if len(w.Capabilities) > 0 {
				id += " [" + strings.Join(w.Capabilities, ",") + "]"
			}
			fmt.Printf("%-44s %-6d %-7d %-10d %-10d %s\n",
				id, w.Concurrency, active, completed, failed, humanAge(w.LastSeenAt))
		}
		return nil
	},
}
