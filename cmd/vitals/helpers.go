package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/charlie0129/vitals/pkg/types"
)

func parseFloatArg(args []string, valueName string) (float64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("invalid number of arguments")
	}

	value, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", valueName, err)
	}

	return value, nil
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

func classificationText(c types.Classification) string {
	switch c {
	case types.ClassificationNormal:
		return color.New(color.Bold, color.FgGreen).Sprint("normal")
	case types.ClassificationElevated:
		return color.New(color.Bold, color.FgYellow).Sprint("elevated")
	case types.ClassificationStage1:
		return color.New(color.Bold, color.FgRed).Sprint("hypertension stage 1")
	case types.ClassificationStage2:
		return color.New(color.Bold, color.FgRed).Sprint("hypertension stage 2")
	default:
		return "unclassified"
	}
}

// printResult prints one measurement, indented by prefix.
func printResult(cmd *cobra.Command, prefix string, r *types.MeasurementResult) {
	cmd.Printf("%sBlood pressure: %s mmHg (%s)\n", prefix, bold("%s", r.BloodPressure()), classificationText(r.Classify()))
	if m, ok := r.MeanArterialPressure(); ok {
		cmd.Printf("%sMean arterial pressure: %s\n", prefix, bold("%.0f mmHg", m))
	}
	if r.PatientID != "" {
		cmd.Printf("%sPatient: %s\n", prefix, r.PatientID)
	}
	cmd.Printf("%sTaken at: %s (%d samples)\n", prefix, r.Timestamp.Local().Format(time.DateTime), r.Samples)
	if r.Reason != "" {
		cmd.Printf("%s%s: %s\n", prefix, color.YellowString("Note"), r.Reason)
	}
}

// confirm asks a yes/no question. Without a terminal it assumes yes.
func confirm(cmd *cobra.Command, question string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return true
	}
	cmd.Printf("%s [y/N] ", question)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
