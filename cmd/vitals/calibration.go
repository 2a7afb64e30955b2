package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/charlie0129/vitals/pkg/calibration"
	"github.com/charlie0129/vitals/pkg/utils/ptr"
)

func NewCalibrationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calibration",
		Aliases: []string{"calibrate", "cali"},
		Short:   "Manage the pressure transducer calibration",
		Long: `Manage the pressure transducer calibration.

pressure (mmHg) = (raw - offset) / scale

Zero the transducer with 'offset' while the cuff is vented, then run 'scale'
with a reference manometer reading.`,
		GroupID: gAdvanced,
	}

	var samples int

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the calibration constants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := apiClient.GetCalibration()
			if err != nil {
				return err
			}
			printCalibration(cmd, p)
			return nil
		},
	}

	var offset, scale float64
	setCmd := &cobra.Command{
		Use:     "set",
		Short:   "Set the calibration constants by hand",
		Example: `  vitals calibration set --offset 8388 --scale 19.8`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var o, s *float64
			if cmd.Flags().Changed("offset") {
				o = ptr.To(offset)
			}
			if cmd.Flags().Changed("scale") {
				s = ptr.To(scale)
			}
			if o == nil && s == nil {
				return fmt.Errorf("at least one of --offset and --scale is required")
			}
			p, err := apiClient.SetCalibration(o, s)
			if err != nil {
				return fmt.Errorf("failed to set calibration: %w", err)
			}
			printCalibration(cmd, p)
			return nil
		},
	}
	setCmd.Flags().Float64Var(&offset, "offset", 0, "raw reading at 0 mmHg")
	setCmd.Flags().Float64Var(&scale, "scale", calibration.DefaultScale, "raw counts per mmHg")

	offsetCmd := &cobra.Command{
		Use:   "offset",
		Short: "Zero the transducer",
		Long:  "Vent the cuff and record the raw reading at atmospheric pressure as the offset.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm(cmd, "The cuff will be vented. Is it disconnected from the patient?") {
				cmd.Println("Aborted.")
				return nil
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			p, err := apiClient.CalibrateOffset(ctx, samples)
			if err != nil {
				return fmt.Errorf("failed to calibrate offset: %w", err)
			}
			printCalibration(cmd, p)
			return nil
		},
	}

	scaleCmd := &cobra.Command{
		Use:     "scale [known-pressure-mmhg]",
		Short:   "Calibrate the scale against a reference pressure",
		Long:    "Pressurize the cuff to a pressure read on a reference manometer, then pass that pressure.",
		Example: `  vitals calibration scale 100`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			known, err := parseFloatArg(args, "known pressure")
			if err != nil {
				return err
			}
			if known <= 0 {
				return fmt.Errorf("known pressure must be positive, got %v", known)
			}
			if !confirm(cmd, fmt.Sprintf("Does the reference manometer read %.1f mmHg?", known)) {
				cmd.Println("Aborted.")
				return nil
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			p, err := apiClient.CalibrateScale(ctx, known, samples)
			if err != nil {
				return fmt.Errorf("failed to calibrate scale: %w", err)
			}
			printCalibration(cmd, p)
			return nil
		},
	}

	for _, c := range []*cobra.Command{offsetCmd, scaleCmd} {
		c.Flags().IntVar(&samples, "samples", 0, "raw readings to average, 0 uses the daemon default")
	}

	cmd.AddCommand(showCmd, setCmd, offsetCmd, scaleCmd)
	return cmd
}

func printCalibration(cmd *cobra.Command, p calibration.Params) {
	cmd.Printf("Offset: %s\n", bold("%.0f", p.Offset))
	cmd.Printf("Scale: %s\n", bold("%.3f counts/mmHg", p.Scale))
}
