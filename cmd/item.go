package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joescharf/enroll/internal/models"
	"github.com/joescharf/enroll/internal/output"
	"github.com/joescharf/enroll/internal/worklist"
)

var (
	itemNote      string
	itemCompanion bool
	itemResetCode []string
)

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Manage the worklist of wanted courses",
	Long: `Manage the worklist of wanted courses.

Running bare 'enroll item' is the same as 'enroll item list'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return itemListRun()
	},
}

var itemAddCmd = &cobra.Command{
	Use:   "add <course-code>",
	Short: "Log in, resolve a course code and add it to the worklist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return itemAddRun(args[0])
	},
}

var itemListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List worklist items and their claim state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return itemListRun()
	},
}

var itemRemoveCmd = &cobra.Command{
	Use:     "rm <course-code|handle|id>...",
	Aliases: []string{"remove"},
	Short:   "Remove items from the worklist",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return itemRemoveRun(args)
	},
}

var itemResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear claimed flags so items are raced again",
	Long: `Clear claimed flags so items are raced again.

Resets every item unless --code is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return itemResetRun(itemResetCode)
	},
}

func init() {
	itemAddCmd.Flags().StringVar(&itemNote, "note", "", "Free-text note shown in logs")
	itemAddCmd.Flags().BoolVar(&itemCompanion, "companion", true, "Also reserve the companion resource (textbook)")
	itemResetCmd.Flags().StringSliceVar(&itemResetCode, "code", nil, "Reset only this course code (repeatable)")

	itemCmd.AddCommand(itemAddCmd)
	itemCmd.AddCommand(itemListCmd)
	itemCmd.AddCommand(itemRemoveCmd)
	itemCmd.AddCommand(itemResetCmd)
	rootCmd.AddCommand(itemCmd)
}

func itemAddRun(code string) error {
	g, cleanup, err := newGrabber(true, consoleSink())
	if err != nil {
		return err
	}
	defer cleanup()

	if err := connect(g); err != nil {
		return err
	}

	if dryRun {
		handle, err := g.Search(cmdContext(), code)
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would add %s -> %s", code, handle)
		return nil
	}

	it, err := g.AddItem(cmdContext(), code, itemNote, itemCompanion)
	if errors.Is(err, worklist.ErrDuplicate) {
		return fmt.Errorf("%s is already in the worklist", code)
	}
	if err != nil {
		return err
	}
	ui.Success("Added %s (handle %s)", it.Label(), it.Handle)
	return nil
}

func itemListRun() error {
	g, cleanup, err := newGrabber(false, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	items := g.Worklist().Snapshot()
	if len(items) == 0 {
		ui.Info("Worklist is empty. Add a course with: enroll item add <course-code>")
		return nil
	}
	printItems(items)
	return nil
}

func printItems(items []models.Item) {
	table := ui.Table([]string{"#", "CODE", "HANDLE", "NOTE", "BOOK", "STATE", "CLAIMED AT"})
	for i, it := range items {
		claimedAt := ""
		if it.ClaimedAt != nil {
			claimedAt = it.ClaimedAt.Local().Format("01-02 15:04:05")
		}
		book := "no"
		if it.Companion {
			book = "yes"
		}
		_ = table.Append([]string{
			strconv.Itoa(i + 1),
			output.Cyan(it.PublicCode),
			it.Handle,
			it.Note,
			book,
			output.ClaimState(it.Claimed),
			claimedAt,
		})
	}
	_ = table.Render()
}

func itemRemoveRun(refs []string) error {
	g, cleanup, err := newGrabber(false, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	return removeItems(cmdContext(), g.RemoveItem, refs)
}

// removeItems removes each ref, reporting per item, and fails if any did.
func removeItems(ctx context.Context, remove func(context.Context, string) (models.Item, error), refs []string) error {
	var errs []error
	for _, ref := range refs {
		if dryRun {
			ui.DryRunMsg("Would remove %s", ref)
			continue
		}
		it, err := remove(ctx, ref)
		if err != nil {
			ui.Error("%s: %v", ref, err)
			errs = append(errs, err)
			continue
		}
		ui.Success("Removed %s", it.Label())
	}
	return errors.Join(errs...)
}

func itemResetRun(codes []string) error {
	g, cleanup, err := newGrabber(false, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	if dryRun {
		if len(codes) == 0 {
			ui.DryRunMsg("Would reset all %d item(s)", g.Worklist().Len())
		} else {
			ui.DryRunMsg("Would reset %v", codes)
		}
		return nil
	}

	n, err := g.Reset(cmdContext(), codes...)
	if err != nil {
		return err
	}
	ui.Success("Reset %d claimed item(s)", n)
	return nil
}
