package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/charlie0129/vitals/pkg/cycle"
	"github.com/charlie0129/vitals/pkg/supervisor"
)

func NewMeasureCommand() *cobra.Command {
	var patientID, doctorID string

	cmd := &cobra.Command{
		Use:     "measure",
		Aliases: []string{"bp"},
		Short:   "Take a blood pressure measurement",
		Long: `Inflate the cuff, deflate it and report systolic and diastolic pressure.

Patient and doctor default to the active monitoring session. Press Ctrl-C to
abort the measurement and vent the cuff.`,
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cmd.Println("Measuring, keep the arm still...")
			res, err := apiClient.StartCycle(ctx, patientID, doctorID)
			if err != nil {
				if errors.Is(ctx.Err(), context.Canceled) {
					cmd.Println("Measurement aborted, the cuff is being vented.")
					return nil
				}
				return fmt.Errorf("failed to measure: %w", err)
			}

			if !res.Partial() {
				cmd.Println(color.RedString("No blood pressure detected."))
				if res.Reason != "" {
					cmd.Printf("  Reason: %s\n", res.Reason)
				}
				return nil
			}
			printResult(cmd, "", res)
			return nil
		},
	}

	cmd.Flags().StringVar(&patientID, "patient", "", "patient id, defaults to the active session")
	cmd.Flags().StringVar(&doctorID, "doctor", "", "doctor id, defaults to the active session")

	return cmd
}

func NewCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "cancel",
		Short:   "Abort the running measurement and vent the cuff",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := apiClient.CancelCycle(); err != nil {
				return fmt.Errorf("failed to cancel measurement: %w", err)
			}
			cmd.Println("Measurement canceled.")
			return nil
		},
	}
}

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of the rig",
		Long:    `Get the cuff state, the monitoring session and the last measurement.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus()
			if err != nil {
				return err
			}

			cmd.Println(bold("Cuff:"))
			phase := string(st.Phase)
			switch st.Phase {
			case cycle.PhaseInflating, cycle.PhaseHolding, cycle.PhaseDeflating:
				phase = color.YellowString(phase)
			case cycle.PhaseAborted:
				phase = color.RedString(phase)
			}
			cmd.Printf("  Phase: %s\n", bold("%s", phase))
			if st.LastReading != nil {
				cmd.Printf("  Pressure: %s\n", bold("%.1f mmHg", st.LastReading.Pressure))
			}
			cmd.Printf("  Calibration: offset %s, scale %s\n", bold("%.0f", st.Calibration.Offset), bold("%.2f counts/mmHg", st.Calibration.Scale))

			cmd.Println()
			cmd.Println(bold("Monitoring:"))
			cmd.Printf("  Active: %s\n", bool2Text(st.Session.Active))
			if st.Session.Active {
				cmd.Printf("  Patient: %s\n", bold("%s", st.Session.PatientID))
				if st.Session.DoctorID != "" {
					cmd.Printf("  Doctor: %s\n", st.Session.DoctorID)
				}
				cmd.Printf("  Since: %s\n", st.Session.StartedAt.Local().Format(time.DateTime))
			}

			if st.LastResult != nil {
				cmd.Println()
				cmd.Println(bold("Last measurement:"))
				printResult(cmd, "  ", st.LastResult)
			}
			return nil
		},
	}
}

func NewHistoryCommand() *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:     "history",
		Short:   "List recent measurements",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := apiClient.GetHistory(since)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				cmd.Println("No measurements yet.")
				return nil
			}
			for i, r := range records {
				if i > 0 {
					cmd.Println()
				}
				printResult(cmd, "", r)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "only show measurements newer than this (e.g. 2h)")
	return cmd
}

func NewWorkersCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "workers",
		Short:   "Show the sensor workers",
		GroupID: gAdvanced,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			workers, err := apiClient.GetWorkers()
			if err != nil {
				return err
			}
			if len(workers) == 0 {
				cmd.Println("No sensor workers are enabled.")
				return nil
			}

			names := make([]string, 0, len(workers))
			for name := range workers {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				w := workers[name]
				status := w.Status
				switch w.Status {
				case supervisor.StatusRunning:
					status = color.GreenString(status)
				case supervisor.StatusFailed, supervisor.StatusRestarting:
					status = color.RedString(status)
				}
				cmd.Printf("%s: %s (restarts: %d)\n", bold("%s", name), status, w.Restarts)
				if w.LastError != "" {
					cmd.Printf("  Last error: %s\n", w.LastError)
				}
			}
			return nil
		},
	}
}
