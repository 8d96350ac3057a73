package cmd

import (
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to every configured endpoint and show session status",
	Long: `Log in to every configured endpoint concurrently, solving the captcha
with the configured solver, and print one row per endpoint.

Fails only when no endpoint could be logged in.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return loginRun()
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func loginRun() error {
	g, cleanup, err := newGrabber(true, consoleSink())
	if err != nil {
		return err
	}
	defer cleanup()

	if dryRun {
		for _, st := range g.Sessions() {
			ui.DryRunMsg("Would log in to %s", st.Name)
		}
		return nil
	}
	return connect(g)
}
