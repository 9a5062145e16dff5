package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agenix-sh/agenix/internal/domain"
)

var queuesCmd = &cobra.Command{
	Use:   "queues [name...]",
	Short: "Show ready and processing depths per queue",
	RunE: func(_ *cobra.Command, args []string) error {
		if len(args) == 0 {
			args = []string{domain.DefaultQueue}
		}

		ctx, cancel := cmdContext()
		defer cancel()
		cl, err := connect(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()

		stats := make([]*domain.QueueStats, 0, len(args))
		for _, name := range args {
			qs, err := cl.QueueStats(ctx, name)
			if err != nil {
				return err
			}
			stats = append(stats, qs)
		}
		if flagJSON {
			return printJSON(stats)
		}

		fmt.Printf("%-24s %8s %12s\n", "QUEUE", "READY", "PROCESSING")
		for _, qs := range stats {
			fmt.Printf("%-24s %8d %12d\n", qs.Queue, qs.Ready, qs.Processing)
		}
		return nil
	},
}
