package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/enroll/internal/models"
	"github.com/joescharf/enroll/internal/output"
	"github.com/joescharf/enroll/internal/racelock"
)

var raceSave bool

var raceCmd = &cobra.Command{
	Use:   "race",
	Short: "Log in and claim every pending worklist item until all are taken",
	Long: `Log in to every endpoint, then run rounds of claim requests for every
pending item on every logged-in endpoint until all items are claimed or the
race is stopped.

Ctrl-C (or 'enroll stop' from another terminal) stops after in-flight claims
finish. A second Ctrl-C exits immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return raceRun()
	},
}

func init() {
	raceCmd.Flags().Duration("interval", 2*time.Second, "Delay between rounds")
	raceCmd.Flags().Int("workers", 20, "Concurrent claim requests")
	raceCmd.Flags().Int("queue-size", 0, "Pending task limit (0 = workers*64)")
	raceCmd.Flags().Bool("skip-in-flight", false, "Do not resend an item to an endpoint while its previous attempt is pending")
	raceCmd.Flags().BoolVar(&raceSave, "save", false, "Save --workers to the config file")

	_ = viper.BindPFlag("race.interval", raceCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("race.workers", raceCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("race.queue_size", raceCmd.Flags().Lookup("queue-size"))
	_ = viper.BindPFlag("race.skip_in_flight", raceCmd.Flags().Lookup("skip-in-flight"))

	rootCmd.AddCommand(raceCmd)
}

func raceRun() error {
	opts := raceOptions()

	if raceSave {
		if err := saveConfigValue("race.workers", opts.Workers); err != nil {
			return err
		}
		if !dryRun {
			ui.Success("Saved race.workers = %d", opts.Workers)
		}
	}

	g, cleanup, err := newGrabber(true, consoleSink())
	if err != nil {
		return err
	}
	defer cleanup()

	pending := g.Worklist().Pending()
	if g.Worklist().Len() == 0 {
		return fmt.Errorf("worklist is empty, add a course with: enroll item add <course-code>")
	}
	if len(pending) == 0 {
		ui.Success("Every item is already claimed (enroll item reset to race again)")
		return nil
	}

	if dryRun {
		ui.DryRunMsg("Would race %d pending item(s) every %s with %d workers", len(pending), opts.Interval, opts.Workers)
		printItems(g.Worklist().Snapshot())
		return nil
	}

	lock := racelock.New(viper.GetString("state_dir"))
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, racelock.ErrHeld) {
			return fmt.Errorf("%w (run 'enroll stop' first)", err)
		}
		return err
	}
	defer func() { _ = lock.Release() }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, shutdownSignals()...)
	defer signal.Stop(sigCh)

	// The first signal during login cancels it and ends the command.
	loginCtx, cancelLogin := context.WithCancel(cmdContext())
	interrupted := make(chan struct{})
	loginDone := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-sigCh:
			close(interrupted)
			cancelLogin()
		case <-loginDone:
		}
	}()
	statuses, err := g.Connect(loginCtx)
	close(loginDone)
	<-watcherDone
	cancelLogin()
	printSessions(statuses)
	select {
	case <-interrupted:
		return fmt.Errorf("interrupted during login")
	default:
	}
	if err != nil {
		return err
	}

	rec, err := g.StartRace(cmdContext(), opts)
	if err != nil {
		return err
	}
	ui.Info("Race %s started: %d pending item(s), interval %s, %d workers", rec.ID, len(pending), opts.Interval, opts.Workers)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
		case <-done:
			return
		}
		ui.Warning("Stopping after in-flight claims finish (Ctrl-C again to quit now)")
		g.StopRace()
		select {
		case <-sigCh:
			ui.Error("Forced exit")
			os.Exit(130)
		case <-done:
		}
	}()

	final := g.WaitRace()
	close(done)

	fmt.Fprintln(ui.Out)
	printRaceSummary(final)
	printItems(g.Worklist().Snapshot())
	return nil
}

func printRaceSummary(r *models.Race) {
	if r == nil {
		return
	}
	elapsed := ""
	if r.EndedAt != nil {
		elapsed = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
	}
	ui.Info("Race %s %s after %d round(s), %s: %d item(s) claimed",
		r.ID, output.OutcomeColor(string(r.Outcome)), r.Rounds, elapsed, r.Claimed)
}
