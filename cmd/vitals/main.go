package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/charlie0129/vitals/pkg/client"
	"github.com/charlie0129/vitals/pkg/version"
)

var (
	logLevel       = "info"
	unixSocketPath = "/var/run/vitals.sock"
	configPath     = "/etc/vitals.json"
)

var apiClient *client.Client

var (
	gBasic        = "Basic:"
	gAdvanced     = "Advanced:"
	commandGroups = []string{
		gBasic,
		gAdvanced,
	}
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}

	return nil
}

func handleCmdError(err error) {
	if errors.Is(err, client.ErrDaemonNotRunning) {
		fmt.Fprintln(os.Stderr, "\nError: vitals daemon is not running")
		fmt.Fprintln(os.Stderr, "Is the daemon running? Check the service with 'systemctl status vitals'.")
	} else if errors.Is(err, client.ErrPermissionDenied) {
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or start the daemon with '--always-allow-non-root-access' to grant permissions to your user")
	} else if client.IsConflict(err) {
		fmt.Fprintln(os.Stderr, "\nError: the cuff is busy")
		fmt.Fprintln(os.Stderr, "Wait for the running measurement to finish, or cancel it with 'vitals cancel'.")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vitals",
		Short: "vitals measures blood pressure and streams bedside vital signs",
		Long: `vitals drives an oscillometric blood pressure cuff and streams
patient temperature and ECG from a bedside rig.

Run 'vitals daemon' as root on the rig, then use the other commands to
measure, calibrate and manage monitoring sessions.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			err := setupLogger()
			if err != nil {
				return err
			}

			apiClient = client.NewClient(unixSocketPath)
			switch cmd.Name() {
			case "daemon", "version", "install", "uninstall":
				return nil
			}

			if daemonVersion, err := apiClient.GetVersion(); err == nil {
				if daemonVersion != version.Version {
					logrus.WithFields(logrus.Fields{
						"clientVersion": version.Version,
						"daemonVersion": daemonVersion,
					}).Warn("Version mismatch between client and daemon. vitals may not work as expected.")
				}
			} else if errors.Is(err, client.ErrNotFound) {
				logrus.Error("vitals daemon is too old to report its version.")
			}

			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")
	globalFlags.StringVar(&unixSocketPath, "daemon-socket", unixSocketPath, "vitals daemon unix socket path")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDaemonCommand(),
		NewVersionCommand(),
		NewMeasureCommand(),
		NewCancelCommand(),
		NewStatusCommand(),
		NewHistoryCommand(),
		NewSessionCommand(),
		NewEventsCommand(),
		NewCalibrationCommand(),
		NewScheduleCommand(),
		NewWorkersCommand(),
		NewInstallCommand(),
		NewUninstallCommand(),
	)

	return cmd
}
