package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agenix-sh/agenix/internal/domain"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring actions",
}

var (
	scheduleCron   string
	schedulePlan   string
	scheduleInputs []string
	scheduleQueue  string
)

var scheduleSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Create or replace a named recurring action",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if len(scheduleInputs) == 0 {
			return fmt.Errorf("at least one --input is required")
		}

		ctx, cancel := cmdContext()
		defer cancel()
		cl, err := connect(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()

		if err := cl.SetSchedule(ctx, &domain.Schedule{
			Name:   args[0],
			Cron:   scheduleCron,
			PlanID: schedulePlan,
			Inputs: scheduleInputs,
			Queue:  scheduleQueue,
		}); err != nil {
			return err
		}
		fmt.Printf("%s schedule %s set (%s)\n", color.GreenString("✓"), args[0], scheduleCron)
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules with their next firing time",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		cl, err := connect(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()

		scheds, err := cl.ListSchedules(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(scheds)
		}
		if len(scheds) == 0 {
			fmt.Println("no schedules")
			return nil
		}

		fmt.Printf("%-24s %-16s %-20s %-10s %s\n",
			"NAME", "CRON", "PLAN", "LAST RUN", "NEXT RUN")
		for _, s := range scheds {
			lastRun := "-"
			if s.LastRunAt != nil {
				lastRun = humanAge(*s.LastRunAt)
			}
			fmt.Printf("%-24s %-16s %-20s %-10s %s\n",
				s.Name, s.Cron, s.PlanID, lastRun, s.NextRunAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		cl, err := connect(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()

		if err := cl.DeleteSchedule(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("%s schedule %s deleted\n", color.GreenString("✓"), args[0])
		return nil
	},
}

func init() {
	scheduleSetCmd.Flags().StringVar(&scheduleCron, "cron", "", "standard five-field cron expression")
	scheduleSetCmd.Flags().StringVar(&schedulePlan, "plan", "", "plan to fire")
	scheduleSetCmd.Flags().StringArrayVar(&scheduleInputs, "input", nil, "input payload; repeat for one job each")
	scheduleSetCmd.Flags().StringVar(&scheduleQueue, "queue", "", "target queue (default \"default\")")
	_ = scheduleSetCmd.MarkFlagRequired("cron")
	_ = scheduleSetCmd.MarkFlagRequired("plan")

	scheduleCmd.AddCommand(scheduleSetCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleDeleteCmd)
}
