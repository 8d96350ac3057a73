package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/enroll/internal/enrollerr"
)

var searchCmd = &cobra.Command{
	Use:   "search <course-code>...",
	Short: "Resolve course codes to backend handles without adding them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return searchRun(args)
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
}

func searchRun(codes []string) error {
	g, cleanup, err := newGrabber(true, consoleSink())
	if err != nil {
		return err
	}
	defer cleanup()

	if err := connect(g); err != nil {
		return err
	}

	table := ui.Table([]string{"CODE", "HANDLE"})
	var failed int
	for _, code := range codes {
		handle, err := g.Search(cmdContext(), code)
		switch {
		case errors.Is(err, enrollerr.ErrNotFound):
			failed++
			_ = table.Append([]string{code, stateColor(false, "not found")})
		case err != nil:
			failed++
			ui.Error("%s: %v", code, err)
		default:
			_ = table.Append([]string{code, handle})
		}
	}
	_ = table.Render()

	if failed > 0 {
		return fmt.Errorf("%d of %d code(s) could not be resolved", failed, len(codes))
	}
	return nil
}
