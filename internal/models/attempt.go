package models

import "time"

// Attempt is the persisted form of one claim task result.
type Attempt struct {
	ID         string
	RaceID     string
	Round      int
	Endpoint   string
	PublicCode string
	Handle     string
	Succeeded  bool
	Message    string
	ErrorKind  string // empty when the backend answered
	CreatedAt  time.Time
}
