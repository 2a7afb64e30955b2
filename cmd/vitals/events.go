package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/vitals/pkg/events"
)

func NewEventsCommand() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:     "events",
		Aliases: []string{"watch"},
		Short:   "Watch live vital signs and daemon events",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			for ev := range apiClient.SubscribeEvents(ctx) {
				if raw {
					cmd.Printf("%s %s\n", ev.Name, ev.Data)
					continue
				}
				printEvent(cmd, ev)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print raw JSON payloads")
	return cmd
}

func printEvent(cmd *cobra.Command, ev events.Event) {
	ts := time.Now().Format(time.TimeOnly)

	var err error
	switch ev.Name {
	case events.BloodPressure:
		var p events.BloodPressureEvent
		if p, err = events.DecodeAs[events.BloodPressureEvent](ev); err == nil {
			cmd.Printf("%s %s %s mmHg (patient %s)\n", ts, color.CyanString("blood pressure"), bold("%s", p.BloodPressure), p.PatientID)
		}
	case events.Temperature:
		var p events.TemperatureEvent
		if p, err = events.DecodeAs[events.TemperatureEvent](ev); err == nil {
			cmd.Printf("%s %s %s\n", ts, color.CyanString("temperature"), bold("%.1f °C", p.Temperature))
		}
	case events.ECG:
		var p events.ECGEvent
		if p, err = events.DecodeAs[events.ECGEvent](ev); err == nil {
			cmd.Printf("%s %s %d samples\n", ts, color.CyanString("ecg"), len(p.Samples))
		}
	case events.CyclePhase:
		var p events.CyclePhaseEvent
		if p, err = events.DecodeAs[events.CyclePhaseEvent](ev); err == nil {
			cmd.Printf("%s %s %s -> %s\n", ts, color.CyanString("cuff"), p.From, bold("%s", p.To))
		}
	case events.WorkerStatus:
		var p events.WorkerStatusEvent
		if p, err = events.DecodeAs[events.WorkerStatusEvent](ev); err == nil {
			cmd.Printf("%s %s %s: %s %s\n", ts, color.YellowString("status"), p.Worker, p.Status, p.Message)
		}
	default:
		cmd.Printf("%s %s %s\n", ts, ev.Name, ev.Data)
	}

	if err != nil {
		logrus.WithError(err).WithField("event", ev.Name).Error("failed to decode event")
	}
}
