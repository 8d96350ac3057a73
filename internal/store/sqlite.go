package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/enroll/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Claim workers record results concurrently; SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Items ---

const itemColumns = `id, public_code, handle, note, companion, claimed, claimed_at, position, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.Item, error) {
	item := &models.Item{}
	var claimedAt sql.NullTime
	if err := row.Scan(&item.ID, &item.PublicCode, &item.Handle, &item.Note, &item.Companion,
		&item.Claimed, &claimedAt, &item.Position, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		item.ClaimedAt = &t
	}
	return item, nil
}

func (s *SQLiteStore) CreateItem(ctx context.Context, item *models.Item) error {
	if item.ID == "" {
		item.ID = newULID()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO items (id, public_code, handle, note, companion, claimed, claimed_at, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM items), ?, ?)
		RETURNING position`,
		item.ID, item.PublicCode, item.Handle, item.Note, boolToInt(item.Companion),
		boolToInt(item.Claimed), item.ClaimedAt, item.CreatedAt, item.UpdatedAt,
	).Scan(&item.Position)
	if isUniqueViolation(err) {
		return fmt.Errorf("create item %s: %w", item.PublicCode, ErrDuplicateHandle)
	}
	if err != nil {
		return fmt.Errorf("create item: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*models.Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// GetItemByCode returns the earliest-added item with the given public code.
func (s *SQLiteStore) GetItemByCode(ctx context.Context, publicCode string) (*models.Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE public_code = ? ORDER BY position LIMIT 1`, publicCode))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, publicCode)
	}
	if err != nil {
		return nil, fmt.Errorf("get item by code: %w", err)
	}
	return item, nil
}

// ListItems returns all items in insertion order.
func (s *SQLiteStore) ListItems(ctx context.Context) ([]*models.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*models.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) UpdateItem(ctx context.Context, item *models.Item) error {
	item.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE items SET public_code=?, handle=?, note=?, companion=?, claimed=?, claimed_at=?, updated_at=?
		WHERE id=?`,
		item.PublicCode, item.Handle, item.Note, boolToInt(item.Companion),
		boolToInt(item.Claimed), item.ClaimedAt, item.UpdatedAt, item.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("update item %s: %w", item.PublicCode, ErrDuplicateHandle)
	}
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, item.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteItem(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return nil
}

// ResetClaims clears the claimed flag on every item and returns how many
// items were changed.
func (s *SQLiteStore) ResetClaims(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE items SET claimed=0, claimed_at=NULL, updated_at=? WHERE claimed=1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reset claims: %w", err)
	}
	return result.RowsAffected()
}

// --- Races ---

func (s *SQLiteStore) CreateRace(ctx context.Context, race *models.Race) error {
	if race.ID == "" {
		race.ID = newULID()
	}
	if race.StartedAt.IsZero() {
		race.StartedAt = time.Now().UTC()
	}
	if race.Outcome == "" {
		race.Outcome = models.RaceOutcomeRunning
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO races (id, started_at, ended_at, outcome, rounds, claimed) VALUES (?, ?, ?, ?, ?, ?)`,
		race.ID, race.StartedAt, race.EndedAt, string(race.Outcome), race.Rounds, race.Claimed,
	)
	if err != nil {
		return fmt.Errorf("create race: %w", err)
	}
	return nil
}

// FinishRace stamps the end time (if unset) and stores the final outcome.
func (s *SQLiteStore) FinishRace(ctx context.Context, race *models.Race) error {
	if race.EndedAt == nil {
		now := time.Now().UTC()
		race.EndedAt = &now
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE races SET ended_at=?, outcome=?, rounds=?, claimed=? WHERE id=?`,
		race.EndedAt, string(race.Outcome), race.Rounds, race.Claimed, race.ID,
	)
	if err != nil {
		return fmt.Errorf("finish race: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("race not found: %s", race.ID)
	}
	return nil
}

// ListRaces returns the most recent races first.
func (s *SQLiteStore) ListRaces(ctx context.Context, limit int) ([]*models.Race, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, ended_at, outcome, rounds, claimed FROM races ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list races: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var races []*models.Race
	for rows.Next() {
		r := &models.Race{}
		var endedAt sql.NullTime
		var outcome string
		if err := rows.Scan(&r.ID, &r.StartedAt, &endedAt, &outcome, &r.Rounds, &r.Claimed); err != nil {
			return nil, fmt.Errorf("scan race: %w", err)
		}
		r.Outcome = models.RaceOutcome(outcome)
		if endedAt.Valid {
			t := endedAt.Time
			r.EndedAt = &t
		}
		races = append(races, r)
	}
	return races, rows.Err()
}

// --- Attempts ---

func (s *SQLiteStore) RecordAttempt(ctx context.Context, a *models.Attempt) error {
	if a.ID == "" {
		a.ID = newULID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, race_id, round, endpoint, public_code, handle, succeeded, message, error_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RaceID, a.Round, a.Endpoint, a.PublicCode, a.Handle,
		boolToInt(a.Succeeded), a.Message, a.ErrorKind, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// ListAttempts returns attempts for a race in the order they were recorded.
// An empty raceID lists attempts across all races.
func (s *SQLiteStore) ListAttempts(ctx context.Context, raceID string, limit int) ([]*models.Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, race_id, round, endpoint, public_code, handle, succeeded, message, error_kind, created_at FROM attempts`
	var args []any
	if raceID != "" {
		query += ` WHERE race_id = ?`
		args = append(args, raceID)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []*models.Attempt
	for rows.Next() {
		a := &models.Attempt{}
		if err := rows.Scan(&a.ID, &a.RaceID, &a.Round, &a.Endpoint, &a.PublicCode, &a.Handle,
			&a.Succeeded, &a.Message, &a.ErrorKind, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
