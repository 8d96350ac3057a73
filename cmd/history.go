package cmd

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/enroll/internal/output"
)

var (
	historyLimit int
	historyRace  string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent races, or the claim attempts of one race",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyRace != "" {
			return historyAttemptsRun(historyRace, historyLimit)
		}
		return historyRacesRun(historyLimit)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum rows to show")
	historyCmd.Flags().StringVar(&historyRace, "race", "", "Show attempts for this race id")
	rootCmd.AddCommand(historyCmd)
}

const historyTimeLayout = "2006-01-02 15:04:05"

func historyRacesRun(limit int) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	races, err := s.ListRaces(cmdContext(), limit)
	if err != nil {
		return err
	}
	if len(races) == 0 {
		ui.Info("No races recorded yet")
		return nil
	}

	table := ui.Table([]string{"ID", "STARTED", "DURATION", "OUTCOME", "ROUNDS", "CLAIMED"})
	for _, r := range races {
		duration := ""
		if r.EndedAt != nil {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		_ = table.Append([]string{
			r.ID,
			r.StartedAt.Local().Format(historyTimeLayout),
			duration,
			output.OutcomeColor(string(r.Outcome)),
			strconv.Itoa(r.Rounds),
			strconv.Itoa(r.Claimed),
		})
	}
	_ = table.Render()
	return nil
}

func historyAttemptsRun(raceID string, limit int) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	attempts, err := s.ListAttempts(cmdContext(), raceID, limit)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		ui.Info("No attempts recorded for race %s", raceID)
		return nil
	}

	table := ui.Table([]string{"TIME", "ROUND", "ENDPOINT", "CODE", "RESULT", "MESSAGE"})
	for _, a := range attempts {
		result := output.Green("ok")
		switch {
		case a.ErrorKind != "":
			result = output.Red(a.ErrorKind)
		case !a.Succeeded:
			result = output.Yellow("rejected")
		}
		_ = table.Append([]string{
			a.CreatedAt.Local().Format("15:04:05.000"),
			strconv.Itoa(a.Round),
			a.Endpoint,
			a.PublicCode,
			result,
			a.Message,
		})
	}
	_ = table.Render()
	return nil
}
