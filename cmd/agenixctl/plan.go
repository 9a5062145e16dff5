package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agenix-sh/agenix/internal/domain"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Submit and inspect plans",
}

var planSubmitCmd = &cobra.Command{
	Use:   "submit <plan.json>",
	Short: "Validate and store a plan (use - for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		data, err := readInput(args[0])
		if err != nil {
			return err
		}
		p, err := domain.DecodePlan(data)
		if err != nil {
			return err
		}

		ctx, cancel := cmdContext()
		defer cancel()
		cl, err := connect(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()

		id, err := cl.SubmitPlan(ctx, p)
		if err != nil {
			return err
		}
		fmt.Printf("%s plan %s stored (%d tasks)\n", color.GreenString("✓"), id, len(p.Tasks))
		return nil
	},
}

var planGetCmd = &cobra.Command{
	Use:   "get <plan-id>",
	Short: "Print a stored plan exactly as queued keeps it",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		cl, err := connect(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()

		raw, found, err := cl.GetPlanRaw(ctx, args[0])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("plan %q not found", args[0])
		}

		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			fmt.Println(string(raw))
			return nil
		}
		fmt.Println(buf.String())
		return nil
	},
}

func init() {
	planCmd.AddCommand(planSubmitCmd)
	planCmd.AddCommand(planGetCmd)
}
