package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func NewSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"monitor"},
		Short:   "Start or stop monitoring a patient",
		Long: `Start or stop monitoring a patient.

While a session is active, temperature and ECG are streamed and blood
pressure is measured on the configured schedule.`,
		GroupID: gBasic,
	}

	var doctorID string
	var measureNow bool
	startCmd := &cobra.Command{
		Use:     "start [patient-id]",
		Short:   "Start monitoring a patient",
		Example: `  vitals session start p-1042 --doctor d-7 --measure-now`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := apiClient.StartSession(args[0], doctorID, measureNow)
			if err != nil {
				return fmt.Errorf("failed to start monitoring: %w", err)
			}
			cmd.Printf("Monitoring patient %s.\n", bold("%s", sess.PatientID))
			if measureNow {
				cmd.Println("A blood pressure measurement is starting.")
			}
			return nil
		},
	}
	startCmd.Flags().StringVar(&doctorID, "doctor", "", "doctor id")
	startCmd.Flags().BoolVar(&measureNow, "measure-now", false, "take a blood pressure measurement right away")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop monitoring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := apiClient.StopSession(); err != nil {
				return fmt.Errorf("failed to stop monitoring: %w", err)
			}
			cmd.Println("Monitoring stopped.")
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the monitoring session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := apiClient.GetSession()
			if err != nil {
				return err
			}
			cmd.Printf("Active: %s\n", bool2Text(sess.Active))
			if sess.Active {
				cmd.Printf("Patient: %s\n", bold("%s", sess.PatientID))
				cmd.Printf("Doctor: %s\n", sess.DoctorID)
				cmd.Printf("Since: %s\n", sess.StartedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}

	cmd.AddCommand(startCmd, stopCmd, showCmd)
	return cmd
}
