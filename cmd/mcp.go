package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/enroll/internal/mcp"
	"github.com/joescharf/enroll/internal/racelock"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent control",
	Long: `Start an MCP (Model Context Protocol) server on stdio so an agent can
drive enroll. Configure in your MCP client with:

  {
    "mcpServers": {
      "enroll": { "command": "enroll", "args": ["mcp"] }
    }
  }

Available tools: enroll_list_items, enroll_add_item, enroll_remove_item,
enroll_reset_items, enroll_login, enroll_start_race, enroll_stop_race,
enroll_race_status

The server holds the race lock for its lifetime; 'enroll stop' shuts it
down after draining any running race.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	// stdout carries the protocol; nothing else may write to it.
	g, cleanup, err := newGrabber(true, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	lock := racelock.New(viper.GetString("state_dir"))
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, racelock.ErrHeld) {
			return fmt.Errorf("%w (run 'enroll stop' first)", err)
		}
		return err
	}
	defer func() { _ = lock.Release() }()

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	return mcp.NewServer(g, raceOptions()).ServeStdio(ctx)
}
