package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agenix-sh/agenix/internal/domain"
)

var actionCmd = &cobra.Command{
	Use:   "action",
	Short: "Fan plans out into jobs and track them",
}

var (
	actionInputs []string
	actionQueue  string
)

var actionSubmitCmd = &cobra.Command{
	Use:   "submit <plan-id>",
	Short: "Create one job per --input on the target queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if len(actionInputs) == 0 {
			return fmt.Errorf("at least one --input is required")
		}

		ctx, cancel := cmdContext()
		defer cancel()
		cl, err := connect(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()

		action, err := cl.SubmitAction(ctx, &domain.ActionRequest{
			PlanID: args[0],
			Inputs: actionInputs,
			Queue:  actionQueue,
		})
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(action)
		}

		fmt.Printf("%s action %s on queue %q\n", color.GreenString("✓"), action.ActionID, action.Queue)
		for i, id := range action.JobIDs {
			fmt.Printf("  job %s  input %q\n", id, action.Inputs[i])
		}
		return nil
	},
}

var actionStatusCmd = &cobra.Command{
	Use:   "status <action-id>",
	Short: "Show an action and the status of each of its jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		cl, err := connect(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()

		st, found, err := cl.ActionStatus(ctx, args[0])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("action %q not found", args[0])
		}
		if flagJSON {
			return printJSON(st)
		}

		fmt.Printf("action %s\n", st.Action.ActionID)
		fmt.Printf("  plan:    %s\n", st.Action.PlanID)
		fmt.Printf("  queue:   %s\n", st.Action.Queue)
		fmt.Printf("  created: %s\n", st.Action.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Println()
		for _, id := range st.Action.JobIDs {
			fmt.Printf("  %s  %s\n", statusCell(st.JobStatuses[id]), id)
		}
		return nil
	},
}

func init() {
	actionSubmitCmd.Flags().StringArrayVar(&actionInputs, "input", nil, "input payload; repeat for one job each")
	actionSubmitCmd.Flags().StringVar(&actionQueue, "queue", "", "target queue (default \"default\")")
	actionCmd.AddCommand(actionSubmitCmd)
	actionCmd.AddCommand(actionStatusCmd)
}
