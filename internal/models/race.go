package models

import "time"

// RaceOutcome records why a race ended.
type RaceOutcome string

const (
	RaceOutcomeRunning    RaceOutcome = "running"
	RaceOutcomeAllClaimed RaceOutcome = "all_claimed"
	RaceOutcomeCancelled  RaceOutcome = "cancelled"
	RaceOutcomeNoSessions RaceOutcome = "no_sessions"
)

// Race is one run of the scheduler.
type Race struct {
	ID        string
	StartedAt time.Time
	EndedAt   *time.Time
	Outcome   RaceOutcome
	Rounds    int
	Claimed   int
}
