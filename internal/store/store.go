package store

import (
	"context"
	"errors"

	"github.com/joescharf/enroll/internal/models"
)

// ErrDuplicateHandle is returned by CreateItem when the resolved handle is
// already in the worklist.
var ErrDuplicateHandle = errors.New("handle already in worklist")

// ErrItemNotFound is returned when an item lookup misses.
var ErrItemNotFound = errors.New("item not found")

// Store defines the persistence interface for enroll.
type Store interface {
	// Items
	CreateItem(ctx context.Context, item *models.Item) error
	GetItem(ctx context.Context, id string) (*models.Item, error)
	GetItemByCode(ctx context.Context, publicCode string) (*models.Item, error)
	ListItems(ctx context.Context) ([]*models.Item, error)
	UpdateItem(ctx context.Context, item *models.Item) error
	DeleteItem(ctx context.Context, id string) error
	ResetClaims(ctx context.Context) (int64, error)

	// Races
	CreateRace(ctx context.Context, race *models.Race) error
	FinishRace(ctx context.Context, race *models.Race) error
	ListRaces(ctx context.Context, limit int) ([]*models.Race, error)

	// Attempts
	RecordAttempt(ctx context.Context, a *models.Attempt) error
	ListAttempts(ctx context.Context, raceID string, limit int) ([]*models.Attempt, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
