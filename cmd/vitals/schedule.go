package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sche", "sched"},
		Short:   "Manage the blood pressure measurement schedule",
		Long: `Manage the blood pressure measurement schedule.

Scheduled measurements only run while a monitoring session is active.

The schedule command can be used in multiple ways:
  vitals schedule 'minute hour day month weekday' Set schedule with cron expression
  vitals schedule disable                         Disable the schedule
  vitals schedule postpone [duration]             Postpone next run
  vitals schedule skip                            Skip next run
  vitals schedule show                            Show current schedule`,
		Example: `  vitals schedule '*/30 * * * *' (Every 30 minutes)
  vitals schedule '0 */4 * * *'  (Every 4 hours)
  vitals schedule '@every 15m'   (Every 15 minutes from now)`,
		GroupID: gBasic,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			return runScheduleSet(cmd, args[0])
		},
	}

	cmd.AddCommand(
		newScheduleDisableCommand(),
		newSchedulePostponeCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable scheduled measurements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleDisable(cmd)
		},
	}
}

func newSchedulePostponeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "postpone [duration]",
		Short: "Postpone the next scheduled measurement",
		Example: `  vitals schedule postpone      (Postpone by 10 minutes)
  vitals schedule postpone 5m   (Postpone by 5 minutes)`,
		Long: `Postpone the next scheduled measurement by a specified duration.
If no duration is provided, defaults to 10 minutes. The postponed run must
stay before the following one.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := 10 * time.Minute
			if len(args) > 0 {
				parsed, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
				d = parsed
			}
			return runSchedulePostpone(cmd, d)
		},
	}
	return cmd
}

func newScheduleSkipCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "skip",
		Short: "Skip the next scheduled measurement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleSkip(cmd)
		},
	}
}

func newScheduleShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the measurement schedule",
		Long:  "Show the measurement schedule and next run times.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleShow(cmd)
		},
	}
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	nextRuns, err := apiClient.SetSchedule(cronExpr)
	if err != nil {
		return err
	}
	cmd.Printf("Measurements scheduled. Next %d run(s):\n", len(nextRuns))
	printRuns(cmd, nextRuns)
	return nil
}

func runScheduleDisable(cmd *cobra.Command) error {
	if _, err := apiClient.SetSchedule(""); err != nil {
		return err
	}
	cmd.Println("Measurement schedule disabled.")
	return nil
}

func runSchedulePostpone(cmd *cobra.Command, duration time.Duration) error {
	if _, err := apiClient.PostponeSchedule(duration); err != nil {
		return err
	}
	cmd.Printf("Next measurement postponed by %s.\n", duration)
	return nil
}

func runScheduleSkip(cmd *cobra.Command) error {
	if _, err := apiClient.SkipSchedule(); err != nil {
		return err
	}
	cmd.Println("Next scheduled measurement skipped.")
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	sch, err := apiClient.GetSchedule()
	if err != nil {
		return err
	}
	if sch.Schedule == "" || len(sch.NextRuns) == 0 {
		cmd.Println("Measurement schedule is not set.")
		return nil
	}
	cmd.Printf("Schedule: %s (running: %s)\n", bold("%s", sch.Schedule), bool2Text(sch.Running))
	cmd.Printf("Next %d run(s):\n", len(sch.NextRuns))
	printRuns(cmd, sch.NextRuns)
	return nil
}

func printRuns(cmd *cobra.Command, runs []time.Time) {
	for _, run := range runs {
		cmd.Printf("  - %s\n", run.Local().Format(time.DateTime))
	}
}
