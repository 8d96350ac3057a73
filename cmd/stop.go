package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/enroll/internal/racelock"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a race running in another terminal",
	Long: `Signal the race running from this state directory to stop. The race
finishes its in-flight claims, records its outcome and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopRun()
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func stopRun() error {
	lock := racelock.New(viper.GetString("state_dir"))

	if dryRun {
		if pid, running := lock.Holder(); running {
			ui.DryRunMsg("Would stop race (pid %d)", pid)
		} else {
			ui.DryRunMsg("No race is running")
		}
		return nil
	}

	pid, err := lock.Stop()
	if errors.Is(err, racelock.ErrNotRunning) {
		ui.Info("No race is running")
		return nil
	}
	if err != nil {
		return err
	}
	ui.Success("Stop requested (pid %d); the race exits once in-flight claims finish", pid)
	return nil
}
