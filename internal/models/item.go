package models

import "time"

// Item is a desired seat in the worklist.
//
// PublicCode is what the user types (the catalog number); Handle is the
// backend-internal id the code resolved to. Handles are unique within a
// worklist.
type Item struct {
	ID         string
	PublicCode string
	Handle     string
	Note       string
	Companion  bool // also reserve the companion resource (textbook)
	Claimed    bool
	ClaimedAt  *time.Time
	Position   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Label returns the code with its note, for log lines.
func (i *Item) Label() string {
	if i.Note == "" {
		return i.PublicCode
	}
	return i.PublicCode + " (" + i.Note + ")"
}
